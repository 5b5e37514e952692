// Package tolk runs the interpretation service: one bridge per call stream
// admitted by the media gateway.
package tolk

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/tolk/pkg/bridge"
	"github.com/harunnryd/tolk/pkg/decoder"
	"github.com/harunnryd/tolk/pkg/errorsx"
	"github.com/harunnryd/tolk/pkg/logging"
	"github.com/harunnryd/tolk/pkg/metrics"
	"github.com/harunnryd/tolk/pkg/protocol"
	"github.com/harunnryd/tolk/pkg/session"
	"github.com/harunnryd/tolk/pkg/transcript"
	"github.com/harunnryd/tolk/pkg/transports/mediastream"
)

// Gateway is the media side of the engine.
type Gateway interface {
	Run(ctx context.Context) error
	Events() <-chan mediastream.Event
	CaptionSink(streamID string) transcript.Sink
	Drain()
	Stop() error
}

type Options struct {
	Gateway          Gateway
	Signer           session.URLSigner
	Sink             transcript.Sink
	Translator       decoder.Translator
	Observer         metrics.Observer
	Logger           *slog.Logger
	Params           protocol.Params
	Session          session.Config
	TranslateTimeout time.Duration
	// Captions also sends each transcript line back on the call's stream.
	Captions bool
}

type Engine struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	bridges map[string]*bridge.Bridge
	idle    chan struct{}
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Gateway == nil {
		return nil, errors.New("tolk: gateway is required")
	}
	if opts.Signer == nil {
		return nil, errors.New("tolk: signer is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("tolk: transcript sink is required")
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "engine"),
		bridges: make(map[string]*bridge.Bridge),
	}, nil
}

// Run serves the gateway and routes its events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.opts.Gateway.Run(gctx) })
	g.Go(func() error { return e.route(gctx) })
	err := g.Wait()
	e.closeAll()
	_ = e.opts.Gateway.Stop()
	return err
}

func (e *Engine) route(ctx context.Context) error {
	events := e.opts.Gateway.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			switch ev.Type {
			case mediastream.EventStart:
				e.open(ctx, ev)
			case mediastream.EventEnd:
				e.close(ev.StreamID, ev.Reason)
			}
		}
	}
}

func (e *Engine) open(ctx context.Context, ev mediastream.Event) {
	log := e.logger.With("stream_id", ev.StreamID, "call_sid", ev.CallSID)
	if ev.Session == nil {
		log.Warn("stream_without_session")
		return
	}
	sink := e.opts.Sink
	if e.opts.Captions {
		sink = transcript.MultiSink{sink, e.opts.Gateway.CaptionSink(ev.StreamID)}
	}
	b, err := bridge.New(ctx, ev.Session, bridge.Config{
		Params:           e.opts.Params,
		Session:          e.opts.Session,
		TranslateTimeout: e.opts.TranslateTimeout,
	}, bridge.Deps{
		Signer:     e.opts.Signer,
		Sink:       sink,
		Translator: e.opts.Translator,
		Observer:   e.opts.Observer,
		Logger:     e.opts.Logger,
	})
	if err != nil {
		log.Error("bridge_start_error", "error", err, "reason_code", errorsx.Reason(err))
		metrics.Record(e.opts.Observer, metrics.EventStreamRefused, 1, map[string]string{"reason": string(errorsx.Reason(err))})
		return
	}

	e.mu.Lock()
	old := e.bridges[ev.StreamID]
	e.bridges[ev.StreamID] = b
	active := len(e.bridges)
	e.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	log.Info("bridge_opened", "active_bridges", active)
}

func (e *Engine) close(streamID, reason string) {
	e.mu.Lock()
	b := e.bridges[streamID]
	delete(e.bridges, streamID)
	e.signalIdleLocked()
	e.mu.Unlock()
	if b == nil {
		return
	}
	if err := b.Close(); err != nil {
		e.logger.Warn("bridge_close_error", "stream_id", streamID, "error", err)
	}
	e.logger.Info("bridge_closed", "stream_id", streamID, "reason", reason)
}

func (e *Engine) signalIdleLocked() {
	if len(e.bridges) == 0 && e.idle != nil {
		close(e.idle)
		e.idle = nil
	}
}

// ActiveBridges is the number of calls being interpreted.
func (e *Engine) ActiveBridges() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bridges)
}

// Drain stops admitting calls and waits for the active ones to end. Bridges
// still open when ctx expires are closed.
func (e *Engine) Drain(ctx context.Context) error {
	e.opts.Gateway.Drain()
	e.mu.Lock()
	if len(e.bridges) == 0 {
		e.mu.Unlock()
		return nil
	}
	if e.idle == nil {
		e.idle = make(chan struct{})
	}
	idle := e.idle
	e.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		n := e.closeAll()
		e.logger.Warn("drain_timeout", "closed_bridges", n)
		return ctx.Err()
	}
}

func (e *Engine) closeAll() int {
	e.mu.Lock()
	bridges := e.bridges
	e.bridges = make(map[string]*bridge.Bridge)
	e.signalIdleLocked()
	e.mu.Unlock()
	for _, b := range bridges {
		_ = b.Close()
	}
	return len(bridges)
}
