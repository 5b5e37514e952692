// Package bridge connects one call's audio to the interpretation service.
// Audio callbacks are serialized per bridge; the frame buffer, the upload
// state machine and the upstream session are owned by the bridge and never
// shared across calls.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/tolk/pkg/decoder"
	"github.com/harunnryd/tolk/pkg/errorsx"
	"github.com/harunnryd/tolk/pkg/frames"
	"github.com/harunnryd/tolk/pkg/logging"
	"github.com/harunnryd/tolk/pkg/media"
	"github.com/harunnryd/tolk/pkg/metrics"
	"github.com/harunnryd/tolk/pkg/protocol"
	"github.com/harunnryd/tolk/pkg/session"
	"github.com/harunnryd/tolk/pkg/transcript"
	"github.com/harunnryd/tolk/pkg/upload"
)

type Config struct {
	Params           protocol.Params
	Session          session.Config
	TranslateTimeout time.Duration
}

// Deps are the collaborators shared between bridges.
type Deps struct {
	Signer         session.URLSigner
	Sink           transcript.Sink
	Translator     decoder.Translator
	Observer       metrics.Observer
	Logger         *slog.Logger
	SessionOptions []session.Option
}

type Bridge struct {
	id      string
	traceID string
	logger  *slog.Logger
	obs     metrics.Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	buffer   *frames.FrameBuffer
	machine  *upload.Machine
	sessions *session.Manager
	decoder  *decoder.Decoder

	regs      []media.Registration
	closeOnce sync.Once
	closeErr  error
}

// New wires a bridge to src. It fails when src offers no audio.
func New(ctx context.Context, src media.Session, cfg Config, deps Deps) (*Bridge, error) {
	if src == nil {
		return nil, errorsx.Wrap(errors.New("bridge: media session is required"), errorsx.ReasonNoAudio)
	}
	if deps.Sink == nil {
		return nil, errors.New("bridge: transcript sink is required")
	}
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	b := &Bridge{
		id:      src.ID(),
		traceID: uuid.NewString(),
		obs:     deps.Observer,
		buffer:  frames.NewFrameBuffer(),
	}
	base := deps.Logger.With("call_id", b.id, "trace_id", b.traceID)
	b.logger = logging.NewComponentLogger(base, "bridge")
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.machine = upload.NewMachine(cfg.Params, upload.WithListener(upload.ListenerFunc(b.onStateChange)))

	dec, err := decoder.New(deps.Sink,
		decoder.WithEndOfUtterance(b.machine),
		decoder.WithTranslator(deps.Translator, cfg.TranslateTimeout),
		decoder.WithCallID(b.id),
		decoder.WithLogger(base),
		decoder.WithObserver(deps.Observer),
	)
	if err != nil {
		b.cancel()
		return nil, err
	}
	b.decoder = dec

	opts := append([]session.Option{session.WithLogger(base), session.WithObserver(deps.Observer)}, deps.SessionOptions...)
	b.sessions, err = session.NewManager(cfg.Session, deps.Signer, session.Handlers{
		OnMessage: b.decoder.OnMessage,
		OnClosed: func(int, string) {
			b.machine.Reset("upstream_closed")
		},
		OnError: func(error) {
			b.machine.Reset("upstream_error")
		},
	}, opts...)
	if err != nil {
		b.cancel()
		return nil, err
	}

	reg, err := src.SubscribeAudio(b.OnAudio)
	if err != nil {
		b.cancel()
		_ = b.sessions.Close()
		return nil, errorsx.Wrap(fmt.Errorf("bridge: subscribe audio: %w", err), errorsx.ReasonNoAudio)
	}
	b.regs = append(b.regs, reg)
	if reg, err := src.SubscribeVideo(b.discardVideo); err == nil {
		b.regs = append(b.regs, reg)
	} else {
		b.logger.Warn("video_subscribe_error", "error", err)
	}
	if reg, err := src.SubscribeVBSS(b.discardVideo); err == nil {
		b.regs = append(b.regs, reg)
	} else {
		b.logger.Warn("vbss_subscribe_error", "error", err)
	}

	b.logger.Info("bridge_started")
	return b, nil
}

func (b *Bridge) ID() string { return b.id }

// UploadState is the current upload phase.
func (b *Bridge) UploadState() upload.State { return b.machine.State() }

// OnAudio is the audio callback. It never blocks longer than one upstream
// connect and never reports errors to the media layer. The frame buffer copies
// the payload; the media session releases the chunk afterwards.
func (b *Bridge) OnAudio(chunk frames.AudioChunk) {
	metrics.Record(b.obs, metrics.EventAudioChunkIn, float64(chunk.Len()), nil)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	frame, ok := b.buffer.Accumulate(chunk.RawPayload())
	if !ok {
		return
	}
	metrics.Record(b.obs, metrics.EventFrameEmitted, float64(len(frame)), nil)
	b.pump(frame)
}

// pump must be called with b.mu held.
func (b *Bridge) pump(frame []byte) {
	up, err := b.machine.NextFrame(frame, b.sessions.IsOpen())
	if err != nil {
		b.logger.Warn("frame_skipped", "error", err, "reason_code", errorsx.Reason(err))
		return
	}
	tags := map[string]string{"state": up.State.String()}
	if !up.Send {
		b.logger.Info("frame_dropped", "state", up.State.String(), "reason", "connection_not_open")
		metrics.Record(b.obs, metrics.EventFrameDropped, 1, tags)
		return
	}
	if up.RequiresNewConnection {
		if _, err := b.sessions.EnsureConnected(b.ctx, true); err != nil {
			b.machine.OnSend(false)
			b.logger.Warn("frame_dropped", "state", up.State.String(), "error", err, "reason_code", errorsx.Reason(err))
			metrics.Record(b.obs, metrics.EventFrameDropped, 1, tags)
			return
		}
	}
	if err := b.sessions.Send(up.Frame); err != nil {
		b.machine.OnSend(false)
		b.logger.Warn("frame_send_error", "state", up.State.String(), "error", err, "reason_code", errorsx.Reason(err))
		metrics.Record(b.obs, metrics.EventFrameSendError, 1, tags)
		return
	}
	b.machine.OnSend(true)
	metrics.Record(b.obs, metrics.EventFrameSent, float64(len(frame)), tags)
}

// discardVideo keeps the video sockets subscribed; frames are not inspected.
func (b *Bridge) discardVideo(frames.VideoChunk) {}

func (b *Bridge) onStateChange(ev upload.StateChange) {
	b.logger.Debug("upload_state", "from", ev.From.String(), "to", ev.To.String(), "reason", ev.Reason)
	metrics.Record(b.obs, metrics.EventStateTransition, 1, map[string]string{
		"from": ev.From.String(),
		"to":   ev.To.String(),
	})
}

// Close unregisters the media callbacks, then closes the upstream session.
// It is idempotent.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		var errs error
		for _, reg := range b.regs {
			errs = errors.Join(errs, reg.Close())
		}
		b.mu.Lock()
		b.closed = true
		b.buffer.Reset()
		b.mu.Unlock()
		errs = errors.Join(errs, b.sessions.Close())
		b.closeErr = errs
		b.logger.Info("bridge_closed")
	})
	return b.closeErr
}
