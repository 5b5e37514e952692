// Package upload drives the three-phase frame protocol of the interpretation
// service: FirstFrame opens an utterance on a fresh connection, ContinueFrame
// streams audio, LastFrame closes the utterance and falls straight back to
// FirstFrame.
package upload

import (
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/tolk/pkg/errorsx"
	"github.com/harunnryd/tolk/pkg/protocol"
)

// ErrEmptySamples is returned by NextFrame for a nil or empty frame.
var ErrEmptySamples = errors.New("upload: empty sample buffer")

// Upload is the outcome of one NextFrame call.
type Upload struct {
	// State is the phase the frame was built for.
	State State
	Frame protocol.Frame
	// Send is false when the cycle is skipped and Frame is empty.
	Send bool
	// RequiresNewConnection is set for a FirstFrame when no connection is open.
	RequiresNewConnection bool
}

type Option func(*Machine)

func WithListener(l StateListener) Option {
	return func(m *Machine) {
		if l != nil {
			m.listeners = append(m.listeners, l)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// Machine is safe for concurrent use: the audio path calls NextFrame and
// OnSend while the decoder and connection callbacks call OnEndOfUtterance and
// Reset.
type Machine struct {
	mu        sync.Mutex
	state     State
	params    protocol.Params
	listeners []StateListener
	now       func() time.Time

	// gen changes on every transition; OnSend only applies to the frame
	// built in the same generation.
	gen        uint64
	pending    State
	pendingGen uint64
	hasPending bool
}

func NewMachine(params protocol.Params, opts ...Option) *Machine {
	m := &Machine{
		state:  StateFirstFrame,
		params: params.WithDefaults(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// NextFrame builds the payload for samples according to the current state.
func (m *Machine) NextFrame(samples []byte, sessionOpen bool) (Upload, error) {
	if len(samples) == 0 {
		return Upload{State: m.State()}, errorsx.Wrap(ErrEmptySamples, errorsx.ReasonEmptySamples)
	}

	m.mu.Lock()
	var changes []StateChange
	out := Upload{State: m.state}
	switch m.state {
	case StateFirstFrame:
		out.Frame = protocol.NewFirstFrame(m.params, samples)
		out.Send = true
		out.RequiresNewConnection = !sessionOpen
		m.markPending(StateFirstFrame)
	case StateContinueFrame:
		if !sessionOpen {
			m.hasPending = false
			changes = m.set(changes, StateFirstFrame, "connection_not_open")
			break
		}
		out.Frame = protocol.NewContinueFrame(m.params.AppID, samples)
		out.Send = true
		m.markPending(StateContinueFrame)
	case StateLastFrame:
		m.hasPending = false
		reason := "connection_not_open"
		if sessionOpen {
			out.Frame = protocol.NewLastFrame(m.params.AppID, samples)
			out.Send = true
			reason = "last_frame"
		}
		changes = m.set(changes, StateFirstFrame, reason)
	}
	m.mu.Unlock()

	m.notify(changes)
	return out, nil
}

// OnSend reports the outcome of sending the frame returned by the last
// NextFrame. It is ignored when the state changed in between.
func (m *Machine) OnSend(success bool) {
	m.mu.Lock()
	var changes []StateChange
	if m.hasPending && m.pendingGen == m.gen {
		m.hasPending = false
		switch {
		case m.pending == StateFirstFrame && success:
			changes = m.set(changes, StateContinueFrame, "first_frame_sent")
		case m.pending == StateContinueFrame && !success:
			changes = m.set(changes, StateFirstFrame, "send_failed")
		}
	}
	m.mu.Unlock()
	m.notify(changes)
}

// OnEndOfUtterance arms a LastFrame when an utterance is being streamed. In
// any other state the machine is already waiting for a FirstFrame.
func (m *Machine) OnEndOfUtterance() {
	m.mu.Lock()
	var changes []StateChange
	if m.state == StateContinueFrame {
		m.hasPending = false
		changes = m.set(changes, StateLastFrame, "end_of_utterance")
	}
	m.mu.Unlock()
	m.notify(changes)
}

// Reset forces FirstFrame, used when the connection closes or fails.
func (m *Machine) Reset(reason string) {
	m.mu.Lock()
	var changes []StateChange
	m.hasPending = false
	m.gen++
	if m.state != StateFirstFrame {
		changes = m.set(changes, StateFirstFrame, reason)
	}
	m.mu.Unlock()
	m.notify(changes)
}

func (m *Machine) markPending(s State) {
	m.pending = s
	m.pendingGen = m.gen
	m.hasPending = true
}

// set must be called with the lock held.
func (m *Machine) set(changes []StateChange, to State, reason string) []StateChange {
	from := m.state
	if from == to {
		return changes
	}
	if !transitionValid(from, to) {
		return changes
	}
	m.state = to
	m.gen++
	return append(changes, StateChange{From: from, To: to, Timestamp: m.now(), Reason: reason})
}

func (m *Machine) notify(changes []StateChange) {
	if len(changes) == 0 {
		return
	}
	m.mu.Lock()
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, ev := range changes {
		for _, l := range listeners {
			l.OnStateChange(ev)
		}
	}
}
