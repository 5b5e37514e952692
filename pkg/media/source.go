package media

import "github.com/harunnryd/tolk/pkg/frames"

// Source is an in-process Session fed by a transport. Handlers must not close
// their own registration from inside the callback.
type Source struct {
	id       string
	hasAudio bool
	audio    handlerSet[frames.AudioChunk]
	video    handlerSet[frames.VideoChunk]
	vbss     handlerSet[frames.VideoChunk]
}

func NewSource(id string, hasAudio bool) *Source {
	return &Source{id: id, hasAudio: hasAudio}
}

func (s *Source) ID() string { return s.id }

func (s *Source) SubscribeAudio(h AudioHandler) (Registration, error) {
	if !s.hasAudio {
		return nil, ErrNoAudio
	}
	return s.audio.add(h), nil
}

func (s *Source) SubscribeVideo(h VideoHandler) (Registration, error) {
	return s.video.add(h), nil
}

func (s *Source) SubscribeVBSS(h VideoHandler) (Registration, error) {
	return s.vbss.add(h), nil
}

// PushAudio delivers a chunk to every audio handler, then releases it once.
// Handlers borrow the chunk for the duration of the call.
func (s *Source) PushAudio(c frames.AudioChunk) {
	defer c.Release()
	s.audio.dispatch(c)
}

func (s *Source) PushVideo(c frames.VideoChunk) {
	defer c.Release()
	s.video.dispatch(c)
}

func (s *Source) PushVBSS(c frames.VideoChunk) {
	defer c.Release()
	s.vbss.dispatch(c)
}

// Subscribers reports the number of live audio handlers.
func (s *Source) Subscribers() int { return s.audio.len() }
