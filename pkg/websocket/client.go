// Package websocket keeps one venue stream alive: a reconnecting gorilla
// connection feeding raw payloads to a handler.
package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"grid_trader/internal/core"
	"grid_trader/pkg/telemetry"
)

// Handler consumes one raw stream payload. It runs on the read loop, so a
// slow handler delays the next read.
type Handler func(payload []byte)

// Timing holds the keepalive and reconnect knobs. Zero fields take the
// defaults in withDefaults.
type Timing struct {
	// ReconnectWait separates dial attempts after a failure or a drop.
	ReconnectWait time.Duration
	// PingInterval spaces client pings on an open connection.
	PingInterval time.Duration
	// PingTimeout bounds the ping control-frame write.
	PingTimeout time.Duration
	// PongWait is how long a silent connection stays trusted. Every pong
	// pushes the read deadline out by this much; a missed one fails the
	// pending read and forces a redial.
	PongWait time.Duration
}

func (t Timing) withDefaults() Timing {
	if t.ReconnectWait <= 0 {
		t.ReconnectWait = 5 * time.Second
	}
	if t.PingInterval <= 0 {
		t.PingInterval = 30 * time.Second
	}
	if t.PingTimeout <= 0 {
		t.PingTimeout = 10 * time.Second
	}
	if t.PongWait <= 0 {
		t.PongWait = 60 * time.Second
	}
	return t
}

// Client is a reconnecting stream consumer. Start returns immediately;
// dialing, reading, and keepalive run on background goroutines until Stop.
type Client struct {
	url     string
	handler Handler
	logger  core.ILogger

	mu     sync.Mutex
	conn   *websocket.Conn
	timing Timing

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tracer    trace.Tracer
	dials     metric.Int64Counter
	messages  metric.Int64Counter
	handleDur metric.Float64Histogram
}

// NewClient builds a client for one stream URL.
func NewClient(url string, handler Handler, logger core.ILogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	meter := telemetry.GetMeter("ws-client")
	dials, _ := meter.Int64Counter("ws_dials_total",
		metric.WithDescription("Stream dial attempts"))
	messages, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Stream payloads received"))
	handleDur, _ := meter.Float64Histogram("ws_handler_seconds",
		metric.WithDescription("Payload handler latency"), metric.WithUnit("s"))

	return &Client{
		url:       url,
		handler:   handler,
		logger:    logger,
		timing:    Timing{}.withDefaults(),
		ctx:       ctx,
		cancel:    cancel,
		tracer:    telemetry.GetTracer("ws-client"),
		dials:     dials,
		messages:  messages,
		handleDur: handleDur,
	}
}

// SetTiming replaces the keepalive and reconnect knobs. Call before Start.
func (c *Client) SetTiming(t Timing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timing = t.withDefaults()
}

// Start launches the connection loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Stop tears the stream down and waits for the background goroutines.
func (c *Client) Stop() {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if c.logger != nil {
			c.logger.Warn("Stream goroutines still running after stop timeout", "url", c.url)
		}
	}
	c.dropConn()
}

func (c *Client) loop() {
	defer c.wg.Done()

	for {
		conn, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if c.logger != nil {
				c.logger.Error("Stream dial failed", "url", c.url, "error", err.Error())
			}
			if !c.sleep(c.currentTiming().ReconnectWait) {
				return
			}
			continue
		}

		// The keepalive owns closing conn: on a failed ping or on shutdown
		// it closes the socket, which fails the pending read in pump.
		connCtx, connDone := context.WithCancel(c.ctx)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.keepalive(connCtx, conn)
		}()

		c.pump(conn)
		connDone()

		if !c.sleep(c.currentTiming().ReconnectWait) {
			return
		}
	}
}

// sleep waits d unless the client is stopping. It reports whether the loop
// should go on.
func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) currentTiming() Timing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timing
}

func (c *Client) dial() (*websocket.Conn, error) {
	ctx, span := c.tracer.Start(c.ctx, "ws.dial",
		trace.WithAttributes(attribute.String("ws.url", c.url)))
	defer span.End()
	c.dials.Add(ctx, 1)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	timing := c.currentTiming()
	_ = conn.SetReadDeadline(time.Now().Add(timing.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timing.PongWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

// keepalive pings conn until the connection context ends, then closes it so
// the read loop never outlives a shutdown or a dead peer.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn) {
	timing := c.currentTiming()
	ticker := time.NewTicker(timing.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			deadline := time.Now().Add(timing.PingTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// pump reads until conn dies, dispatching every payload to the handler.
func (c *Client) pump(conn *websocket.Conn) {
	defer c.dropConn()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		start := time.Now()
		c.messages.Add(c.ctx, 1)
		if c.handler != nil {
			c.handler(payload)
		}
		c.handleDur.Record(c.ctx, time.Since(start).Seconds())
	}
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
