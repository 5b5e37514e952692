// Package decoder turns inbound interpretation messages into transcript lines.
package decoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/tolk/pkg/errorsx"
	"github.com/harunnryd/tolk/pkg/logging"
	"github.com/harunnryd/tolk/pkg/metrics"
	"github.com/harunnryd/tolk/pkg/protocol"
	"github.com/harunnryd/tolk/pkg/redact"
	"github.com/harunnryd/tolk/pkg/transcript"
)

// UtteranceListener is told when the service closes an utterance.
type UtteranceListener interface {
	OnEndOfUtterance()
}

// Translator fills in a missing target text.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// Result is a decoded envelope. Translation is nil when the message carries
// no translation payload.
type Result struct {
	Header      protocol.EnvelopeHeader
	Translation *protocol.Translation
}

// Decode parses one raw message. A non-zero header code yields the header and
// an upstream_remote_error.
func Decode(raw []byte) (Result, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Result{}, errorsx.Wrap(fmt.Errorf("decoder: parse envelope: %w", err), errorsx.ReasonDecode)
	}
	res := Result{Header: env.Header}
	if env.Header.Code != 0 {
		return res, errorsx.Newf(errorsx.ReasonUpstreamRemote, "decoder: remote error %d: %s", env.Header.Code, env.Header.Message)
	}
	if env.Payload == nil || env.Payload.StreamTrans == nil {
		return res, nil
	}
	tr, err := env.Payload.StreamTrans.DecodeTranslation()
	if err != nil {
		return res, errorsx.Wrap(err, errorsx.ReasonDecode)
	}
	res.Translation = &tr
	return res, nil
}

type Option func(*Decoder)

func WithEndOfUtterance(l UtteranceListener) Option {
	return func(d *Decoder) { d.utterance = l }
}

// WithTranslator enables filling empty targets through t, bounded by timeout.
func WithTranslator(t Translator, timeout time.Duration) Option {
	return func(d *Decoder) {
		d.translator = t
		if timeout > 0 {
			d.translateTimeout = timeout
		}
	}
}

func WithCallID(id string) Option {
	return func(d *Decoder) { d.callID = id }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Decoder) {
		if l != nil {
			d.logger = logging.NewComponentLogger(l, "decoder")
		}
	}
}

func WithObserver(obs metrics.Observer) Option {
	return func(d *Decoder) {
		if obs != nil {
			d.obs = obs
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Decoder) {
		if now != nil {
			d.now = now
		}
	}
}

type Decoder struct {
	sink             transcript.Sink
	utterance        UtteranceListener
	translator       Translator
	translateTimeout time.Duration
	callID           string
	logger           *slog.Logger
	obs              metrics.Observer
	now              func() time.Time
}

func New(sink transcript.Sink, opts ...Option) (*Decoder, error) {
	if sink == nil {
		return nil, errors.New("decoder: transcript sink is required")
	}
	d := &Decoder{
		sink:             sink,
		translateTimeout: 3 * time.Second,
		logger:           logging.NewComponentLogger(slog.Default(), "decoder"),
		obs:              metrics.NoopObserver{},
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// OnMessage handles one inbound message. Failures are logged and the message
// is dropped; nothing is returned to the transport.
func (d *Decoder) OnMessage(raw []byte) {
	if d.logger.Enabled(context.Background(), slog.LevelDebug) {
		d.logger.Debug("upstream_message", "call_id", d.callID, "raw", redact.Text(string(raw)))
	}
	res, err := Decode(raw)
	if err != nil {
		if errorsx.HasReason(err, errorsx.ReasonUpstreamRemote) {
			d.logger.Error("upstream_remote_error",
				"call_id", d.callID,
				"code", res.Header.Code,
				"message", res.Header.Message,
				"sid", res.Header.SID,
				"reason_code", errorsx.ReasonUpstreamRemote,
			)
		} else {
			d.logger.Warn("decode_error", "call_id", d.callID, "error", err, "reason_code", errorsx.Reason(err))
		}
		metrics.Record(d.obs, metrics.EventDecodeError, 1, map[string]string{"reason_code": string(errorsx.Reason(err))})
		return
	}
	if res.Translation == nil {
		return
	}

	if res.Translation.Src != "" {
		line := transcript.Line{
			CallID:    d.callID,
			Timestamp: d.now(),
			Src:       res.Translation.Src,
			Dst:       res.Translation.Dst,
		}
		if line.Dst == "" {
			line.Dst = d.fillTarget(line.Src)
		}
		ctx := context.Background()
		if err := d.sink.Emit(ctx, line); err != nil {
			d.logger.Warn("transcript_emit_error", "call_id", d.callID, "error", err, "reason_code", errorsx.ReasonSinkEmit)
		}
		d.logger.Info("transcript_line",
			"call_id", d.callID,
			"sid", res.Header.SID,
			"src", redact.Text(line.Src),
			"dst", redact.Text(line.Dst),
		)
		metrics.Record(d.obs, metrics.EventTranscriptLine, 1, nil)
	}

	if res.Header.Status == protocol.StatusLastFrame && d.utterance != nil {
		d.utterance.OnEndOfUtterance()
	}
}

func (d *Decoder) fillTarget(src string) string {
	if d.translator == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.translateTimeout)
	defer cancel()
	dst, err := d.translator.Translate(ctx, src)
	if err != nil {
		d.logger.Warn("translate_fallback_error", "call_id", d.callID, "error", err, "reason_code", errorsx.Reason(err))
		return ""
	}
	metrics.Record(d.obs, metrics.EventTranslateFallback, 1, nil)
	return dst
}
