package decoder

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/tolk/pkg/errorsx"
	"github.com/harunnryd/tolk/pkg/metrics"
	"github.com/harunnryd/tolk/pkg/protocol"
	"github.com/harunnryd/tolk/pkg/transcript"
)

type captureSink struct {
	mu    sync.Mutex
	lines []transcript.Line
}

func (c *captureSink) Emit(_ context.Context, l transcript.Line) error {
	c.mu.Lock()
	c.lines = append(c.lines, l)
	c.mu.Unlock()
	return nil
}

type countUtterance struct{ n int }

func (c *countUtterance) OnEndOfUtterance() { c.n++ }

type stubTranslator struct {
	out string
	err error
	in  []string
}

func (s *stubTranslator) Translate(_ context.Context, text string) (string, error) {
	s.in = append(s.in, text)
	return s.out, s.err
}

func message(code, status int, sid string, tr *protocol.Translation) []byte {
	var b strings.Builder
	b.WriteString(`{"header":{"code":`)
	b.WriteString(strconv.Itoa(code))
	b.WriteString(`,"message":"msg","sid":"` + sid + `","status":`)
	b.WriteString(strconv.Itoa(status))
	b.WriteString(`}`)
	if tr != nil {
		b.WriteString(`,"payload":{"output_streamtrans":{"text":"` + protocol.EncodeTranslation(*tr) + `"}}`)
	}
	b.WriteString(`}`)
	return []byte(b.String())
}

func TestEndOfUtteranceMessage(t *testing.T) {
	sink := &captureSink{}
	eou := &countUtterance{}
	now := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	d, err := New(sink, WithEndOfUtterance(eou), WithCallID("CA1"), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	d.OnMessage(message(0, 2, "sid1", &protocol.Translation{Src: "hello", Dst: "你好"}))

	if len(sink.lines) != 1 {
		t.Fatalf("expected one line, got %d", len(sink.lines))
	}
	l := sink.lines[0]
	if l.Src != "hello" || l.Dst != "你好" || l.CallID != "CA1" || !l.Timestamp.Equal(now) {
		t.Fatalf("unexpected line %+v", l)
	}
	if eou.n != 1 {
		t.Fatalf("expected end of utterance, got %d", eou.n)
	}
}

func TestIntermediateMessageDoesNotEndUtterance(t *testing.T) {
	sink := &captureSink{}
	eou := &countUtterance{}
	d, _ := New(sink, WithEndOfUtterance(eou))
	d.OnMessage(message(0, 1, "sid1", &protocol.Translation{Src: "hel", Dst: ""}))
	if len(sink.lines) != 1 || eou.n != 0 {
		t.Fatalf("unexpected state lines=%d eou=%d", len(sink.lines), eou.n)
	}
}

func TestEmptySourceEmitsNothing(t *testing.T) {
	sink := &captureSink{}
	eou := &countUtterance{}
	d, _ := New(sink, WithEndOfUtterance(eou))
	d.OnMessage(message(0, 2, "sid1", &protocol.Translation{Src: "", Dst: "x"}))
	if len(sink.lines) != 0 {
		t.Fatalf("empty src must not emit")
	}
	if eou.n != 1 {
		t.Fatalf("status 2 must still end the utterance")
	}
}

func TestRemoteErrorLogsSID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	sink := &captureSink{}
	obs := metrics.NewMemoryObserver()
	d, _ := New(sink, WithLogger(logger), WithObserver(obs))
	d.OnMessage(message(10110, 2, "ist000abc", &protocol.Translation{Src: "hello", Dst: "你好"}))

	if len(sink.lines) != 0 {
		t.Fatalf("remote error must not emit")
	}
	out := buf.String()
	if !strings.Contains(out, "sid=ist000abc") || !strings.Contains(out, "code=10110") {
		t.Fatalf("expected sid and code in log, got %q", out)
	}
	if obs.Count(metrics.EventDecodeError) != 1 {
		t.Fatalf("expected decode error event")
	}
}

func TestMalformedInputIsDiscarded(t *testing.T) {
	sink := &captureSink{}
	eou := &countUtterance{}
	d, _ := New(sink, WithEndOfUtterance(eou))
	inputs := []string{
		"",
		"not json",
		`{"header":{"code":0,"status":2`,
		`{"header":{"code":0,"status":2},"payload":{"output_streamtrans":{"text":"%%%not-base64"}}}`,
		`{"header":{"code":0,"status":2},"payload":{"output_streamtrans":{"text":"bm90IGpzb24="}}}`,
		`{"header":{"code":"zero"}}`,
		`[1,2,3]`,
	}
	for _, in := range inputs {
		d.OnMessage([]byte(in))
	}
	if len(sink.lines) != 0 {
		t.Fatalf("malformed input emitted %d lines", len(sink.lines))
	}
	if eou.n != 0 {
		t.Fatalf("malformed input ended an utterance")
	}
}

func TestMissingPayloadStops(t *testing.T) {
	sink := &captureSink{}
	eou := &countUtterance{}
	d, _ := New(sink, WithEndOfUtterance(eou))
	d.OnMessage([]byte(`{"header":{"code":0,"status":2,"sid":"s"}}`))
	d.OnMessage([]byte(`{"header":{"code":0,"status":2,"sid":"s"},"payload":{}}`))
	if len(sink.lines) != 0 || eou.n != 0 {
		t.Fatalf("payload-less messages must be ignored")
	}
}

func TestTranslatorFillsMissingTarget(t *testing.T) {
	sink := &captureSink{}
	tr := &stubTranslator{out: "你好"}
	obs := metrics.NewMemoryObserver()
	d, _ := New(sink, WithTranslator(tr, time.Second), WithObserver(obs))
	d.OnMessage(message(0, 1, "s", &protocol.Translation{Src: "hello"}))
	if len(sink.lines) != 1 || sink.lines[0].Dst != "你好" {
		t.Fatalf("expected filled target, got %+v", sink.lines)
	}
	if len(tr.in) != 1 || tr.in[0] != "hello" {
		t.Fatalf("translator called with %v", tr.in)
	}
	if obs.Count(metrics.EventTranslateFallback) != 1 {
		t.Fatalf("expected fallback event")
	}

	tr.err = errors.New("unavailable")
	d.OnMessage(message(0, 1, "s", &protocol.Translation{Src: "again"}))
	if len(sink.lines) != 2 || sink.lines[1].Dst != "" {
		t.Fatalf("failed translation must keep an empty target")
	}

	d.OnMessage(message(0, 1, "s", &protocol.Translation{Src: "hi", Dst: "嗨"}))
	if len(tr.in) != 2 {
		t.Fatalf("translator must not run when dst is present")
	}
}

func TestDecodeClassifiesErrors(t *testing.T) {
	if _, err := Decode([]byte("{")); !errorsx.HasReason(err, errorsx.ReasonDecode) {
		t.Fatalf("expected decode reason, got %v", err)
	}
	res, err := Decode(message(5, 0, "sidX", nil))
	if !errorsx.HasReason(err, errorsx.ReasonUpstreamRemote) || res.Header.SID != "sidX" {
		t.Fatalf("expected remote error with sid, got %v %+v", err, res)
	}
}
