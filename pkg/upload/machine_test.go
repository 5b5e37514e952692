package upload

import (
	"errors"
	"sync"
	"testing"

	"github.com/harunnryd/tolk/pkg/errorsx"
	"github.com/harunnryd/tolk/pkg/protocol"
)

type captureListener struct {
	mu     sync.Mutex
	events []StateChange
}

func (c *captureListener) OnStateChange(ev StateChange) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func frame() []byte { return make([]byte, 640) }

func TestFirstThenContinueWhileOpen(t *testing.T) {
	m := NewMachine(protocol.Params{AppID: "app"})

	up, err := m.NextFrame(frame(), false)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if up.State != StateFirstFrame || !up.Send || !up.RequiresNewConnection {
		t.Fatalf("unexpected first upload %+v", up)
	}
	if up.Frame.Parameter == nil || up.Frame.Payload.Data.Channels != 1 || up.Frame.Payload.Data.BitDepth != 16 {
		t.Fatalf("first frame missing format fields")
	}
	m.OnSend(true)
	if m.State() != StateContinueFrame {
		t.Fatalf("expected continue_frame, got %s", m.State())
	}

	for i := 0; i < 5; i++ {
		up, err = m.NextFrame(frame(), true)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if up.State != StateContinueFrame || up.RequiresNewConnection || up.Frame.Header.Status != protocol.StatusContinueFrame {
			t.Fatalf("iteration %d: unexpected upload %+v", i, up)
		}
		m.OnSend(true)
	}
}

func TestFirstFrameOnOpenConnectionReusesIt(t *testing.T) {
	m := NewMachine(protocol.Params{AppID: "app"})
	up, _ := m.NextFrame(frame(), true)
	if up.State != StateFirstFrame || up.RequiresNewConnection {
		t.Fatalf("expected first frame without reconnect, got %+v", up)
	}
}

func TestFirstFrameSendFailureStays(t *testing.T) {
	m := NewMachine(protocol.Params{AppID: "app"})
	m.NextFrame(frame(), false)
	m.OnSend(false)
	if m.State() != StateFirstFrame {
		t.Fatalf("expected first_frame after failed send, got %s", m.State())
	}
}

func TestContinueWithClosedConnectionFallsBack(t *testing.T) {
	m := NewMachine(protocol.Params{AppID: "app"})
	m.NextFrame(frame(), false)
	m.OnSend(true)

	up, err := m.NextFrame(frame(), false)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if up.Send {
		t.Fatalf("closed connection must skip the cycle")
	}
	if m.State() != StateFirstFrame {
		t.Fatalf("expected first_frame, got %s", m.State())
	}
	up, _ = m.NextFrame(frame(), false)
	if up.State != StateFirstFrame || !up.RequiresNewConnection {
		t.Fatalf("expected reconnecting first frame, got %+v", up)
	}
}

func TestContinueSendFailureFallsBack(t *testing.T) {
	m := NewMachine(protocol.Params{AppID: "app"})
	m.NextFrame(frame(), false)
	m.OnSend(true)
	m.NextFrame(frame(), true)
	m.OnSend(false)
	if m.State() != StateFirstFrame {
		t.Fatalf("expected first_frame after failed continue, got %s", m.State())
	}
}

func TestEndOfUtteranceProducesSingleLastFrame(t *testing.T) {
	m := NewMachine(protocol.Params{AppID: "app"})
	m.NextFrame(frame(), false)
	m.OnSend(true)

	m.OnEndOfUtterance()
	if m.State() != StateLastFrame {
		t.Fatalf("expected last_frame armed, got %s", m.State())
	}
	up, _ := m.NextFrame(frame(), true)
	if up.State != StateLastFrame || !up.Send || up.Frame.Header.Status != protocol.StatusLastFrame {
		t.Fatalf("expected last frame, got %+v", up)
	}
	if up.Frame.Payload.Data.Channels != 0 || up.Frame.Payload.Data.SampleRate != protocol.SampleRate {
		t.Fatalf("unexpected last frame data %+v", up.Frame.Payload.Data)
	}
	m.OnSend(false)
	if m.State() != StateFirstFrame {
		t.Fatalf("last frame must always reset to first_frame, got %s", m.State())
	}
	up, _ = m.NextFrame(frame(), true)
	if up.State != StateFirstFrame {
		t.Fatalf("expected a new utterance, got %s", up.State)
	}
}

func TestLastFrameOnClosedConnectionIsSkipped(t *testing.T) {
	m := NewMachine(protocol.Params{AppID: "app"})
	m.NextFrame(frame(), false)
	m.OnSend(true)
	m.OnEndOfUtterance()
	up, _ := m.NextFrame(frame(), false)
	if up.Send {
		t.Fatalf("last frame must not be sent on a closed connection")
	}
	if m.State() != StateFirstFrame {
		t.Fatalf("expected first_frame, got %s", m.State())
	}
}

func TestEndOfUtteranceBeforeStreamingIsNoop(t *testing.T) {
	m := NewMachine(protocol.Params{AppID: "app"})
	m.OnEndOfUtterance()
	if m.State() != StateFirstFrame {
		t.Fatalf("expected first_frame, got %s", m.State())
	}
}

func TestResetWithoutLastFrame(t *testing.T) {
	l := &captureListener{}
	m := NewMachine(protocol.Params{AppID: "app"}, WithListener(l))
	m.NextFrame(frame(), false)
	m.OnSend(true)
	m.NextFrame(frame(), true)
	m.Reset("upstream_closed")
	m.OnSend(true)
	if m.State() != StateFirstFrame {
		t.Fatalf("expected first_frame after reset, got %s", m.State())
	}
	last := l.events[len(l.events)-1]
	if last.From != StateContinueFrame || last.To != StateFirstFrame || last.Reason != "upstream_closed" {
		t.Fatalf("unexpected last event %+v", last)
	}
}

func TestResetDiscardsInFlightFirstFrame(t *testing.T) {
	m := NewMachine(protocol.Params{AppID: "app"})
	m.NextFrame(frame(), false)
	m.Reset("upstream_error")
	m.OnSend(true)
	if m.State() != StateFirstFrame {
		t.Fatalf("send outcome after reset must be ignored, got %s", m.State())
	}
}

func TestEmptySamplesKeepState(t *testing.T) {
	m := NewMachine(protocol.Params{AppID: "app"})
	m.NextFrame(frame(), false)
	m.OnSend(true)
	_, err := m.NextFrame(nil, true)
	if !errors.Is(err, ErrEmptySamples) || !errorsx.HasReason(err, errorsx.ReasonEmptySamples) {
		t.Fatalf("expected ErrEmptySamples, got %v", err)
	}
	if m.State() != StateContinueFrame {
		t.Fatalf("state changed on empty samples: %s", m.State())
	}
}

func TestListenerSeesTransitions(t *testing.T) {
	var got []string
	m := NewMachine(protocol.Params{AppID: "app"}, WithListener(ListenerFunc(func(ev StateChange) {
		got = append(got, ev.From.String()+">"+ev.To.String())
	})))
	m.NextFrame(frame(), false)
	m.OnSend(true)
	m.OnEndOfUtterance()
	m.NextFrame(frame(), true)
	want := []string{"first_frame>continue_frame", "continue_frame>last_frame", "last_frame>first_frame"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
