// Package transcript delivers finalized translation lines to append-only sinks.
package transcript

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Line is one finalized (source, target) pair. Lines are never mutated after
// emission.
type Line struct {
	CallID    string
	Timestamp time.Time
	Src       string
	Dst       string
}

type Sink interface {
	Emit(ctx context.Context, line Line) error
}

// FuncSink adapts a function to Sink.
type FuncSink func(ctx context.Context, line Line) error

func (f FuncSink) Emit(ctx context.Context, line Line) error { return f(ctx, line) }

// MultiSink emits to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, line Line) error {
	var errs error
	for _, s := range m {
		if s == nil {
			continue
		}
		errs = errors.Join(errs, s.Emit(ctx, line))
	}
	return errs
}

// ChanSink queues lines for a consumer without ever blocking the decoder.
// Lines are dropped when the queue is full.
type ChanSink struct {
	ch      chan Line
	dropped atomic.Int64
}

func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSink{ch: make(chan Line, buffer)}
}

func (c *ChanSink) Emit(_ context.Context, line Line) error {
	select {
	case c.ch <- line:
	default:
		c.dropped.Add(1)
	}
	return nil
}

func (c *ChanSink) Lines() <-chan Line { return c.ch }

func (c *ChanSink) Dropped() int64 { return c.dropped.Load() }
