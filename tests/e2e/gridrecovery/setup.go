// Package gridrecovery exercises crash recovery end to end: an engine
// process dies, the venue keeps moving, and a fresh process must converge
// on the venue's truth from its last snapshot.
package gridrecovery

import (
	"context"
	"testing"
	"time"

	"grid_trader/internal/alert"
	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/engine"
	"grid_trader/internal/grid"
	"grid_trader/internal/mock"
	"grid_trader/internal/store"
	"grid_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const symbol = "SOLUSDT"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// rig is one engine process. The mock venue and the snapshot store outlive
// it, so a test can kill a rig and boot a successor on the same world.
type rig struct {
	t      *testing.T
	cfg    *config.Config
	ex     *mock.MockExchange
	st     store.Store
	eng    *engine.Engine
	cancel context.CancelFunc
	runErr chan error
	done   bool
}

// newWorld builds the venue and the snapshot store shared across restarts.
func newWorld(t *testing.T, backend, path string) (*mock.MockExchange, store.Store) {
	t.Helper()
	ex := mock.NewMockExchange("mock")
	ex.PushTicker(symbol, d("140"))
	st, err := store.New(backend, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return ex, st
}

// boot starts an engine process against the shared world.
func boot(t *testing.T, ex *mock.MockExchange, st store.Store, mutate func(*config.Config)) *rig {
	t.Helper()
	cfg := config.DefaultConfig()
	// A crash never cancels anything on the venue.
	cfg.System.CancelOnExit = false
	if mutate != nil {
		mutate(cfg)
	}
	logger := logging.NewLogger(logging.ErrorLevel)
	r := &rig{
		t:   t,
		cfg: cfg,
		ex:  ex,
		st:  st,
		eng: engine.New(cfg, ex, st, alert.NewAlertManager(logger), logger),
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.runErr = make(chan error, 1)
	go func() { r.runErr <- r.eng.Run(ctx) }()
	t.Cleanup(func() {
		if !r.done {
			r.kill()
		}
	})
	return r
}

// kill stops the process. With cancel-on-exit disabled this leaves every
// open order on the venue, like a crash would.
func (r *rig) kill() {
	r.t.Helper()
	r.done = true
	r.cancel()
	select {
	case <-r.runErr:
	case <-time.After(5 * time.Second):
		r.t.Fatal("engine did not exit")
	}
}

func (r *rig) waitStatus(want grid.Status) {
	r.t.Helper()
	require.Eventually(r.t, func() bool {
		s := r.eng.Status()
		return s != nil && s.Status == string(want)
	}, 5*time.Second, 10*time.Millisecond, "waiting for status %s", want)
}

func (r *rig) waitLevelSide(idx int, side core.OrderSide) engine.LevelReport {
	r.t.Helper()
	var lr engine.LevelReport
	require.Eventually(r.t, func() bool {
		s := r.eng.Status()
		if s == nil || len(s.Levels) <= idx {
			return false
		}
		lr = s.Levels[idx]
		return lr.Side == string(side)
	}, 5*time.Second, 10*time.Millisecond, "waiting for level %d side %s", idx, side)
	return lr
}

func (r *rig) status() *engine.StatusReport {
	r.t.Helper()
	s := r.eng.Status()
	require.NotNil(r.t, s)
	return s
}
