package engine

import (
	"grid_trader/internal/core"
	"time"
)

const (
	// fillQueueSize bounds the fill queue. Fills are never coalesced; the
	// queue only fills up if the loop stalls far longer than the stream
	// produces, and reconciliation recovers anything that overflows.
	fillQueueSize = 256

	shutdownTimeout = 30 * time.Second
)

// commandKind selects an operator command handled by the event loop.
type commandKind int

const (
	cmdStop commandKind = iota
	cmdTeardown
	cmdReconcile
)

// command is an operator request routed through the event loop so every
// state mutation stays on the single consumer goroutine. reply must be
// buffered; the loop sends exactly one result and never blocks on it.
type command struct {
	kind   commandKind
	reason string
	reply  chan error
}

// enqueueFill delivers a stream fill into the event queue. Fills carry
// money, so the send blocks until the loop drains rather than dropping.
func (e *Engine) enqueueFill(fill *core.Fill) {
	select {
	case e.fillCh <- fill:
	case <-e.done:
	}
}

// enqueueTicker keeps only the latest pending ticker. A stale price carries
// no information once a newer one exists, and the risk check only ever wants
// the current one.
func (e *Engine) enqueueTicker(tick *core.Ticker) {
	for {
		select {
		case e.tickerCh <- tick:
			return
		case <-e.done:
			return
		default:
		}
		// Queue full: discard the stale entry and try again.
		select {
		case <-e.tickerCh:
		default:
		}
	}
}
