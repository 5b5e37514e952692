// Package media describes the call media provider the bridge consumes:
// audio, video and screen-share (VBSS) buffers pushed through callbacks that
// are unregistered by closing the Registration returned at subscribe time.
package media

import (
	"errors"
	"sync"

	"github.com/harunnryd/tolk/pkg/frames"
)

// ErrNoAudio is returned by SubscribeAudio when the session carries no audio.
var ErrNoAudio = errors.New("media: session has no audio socket")

// AudioHandler borrows chunk until it returns. The session releases the chunk
// after every handler has run; handlers copy what they keep and never call
// Release.
type AudioHandler func(chunk frames.AudioChunk)

type VideoHandler func(chunk frames.VideoChunk)

// Registration unregisters a handler. Once Close returns the handler is not
// running and will not be called again.
type Registration interface {
	Close() error
}

type Session interface {
	ID() string
	SubscribeAudio(h AudioHandler) (Registration, error)
	SubscribeVideo(h VideoHandler) (Registration, error)
	SubscribeVBSS(h VideoHandler) (Registration, error)
}

type handlerSet[T any] struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[uint64]func(T)
}

func (s *handlerSet[T]) add(fn func(T)) Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[uint64]func(T))
	}
	s.next++
	id := s.next
	s.handlers[id] = fn
	return &registration{close: func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}}
}

// dispatch calls every handler under the read lock, so Close waits for
// in-flight callbacks.
func (s *handlerSet[T]) dispatch(v T) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fn := range s.handlers {
		fn(v)
	}
}

func (s *handlerSet[T]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

type registration struct {
	once  sync.Once
	close func()
}

func (r *registration) Close() error {
	r.once.Do(r.close)
	return nil
}
