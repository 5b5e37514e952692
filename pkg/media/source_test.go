package media

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/tolk/pkg/frames"
)

func TestSourceWithoutAudioRefusesSubscription(t *testing.T) {
	s := NewSource("s1", false)
	if _, err := s.SubscribeAudio(func(frames.AudioChunk) {}); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio, got %v", err)
	}
}

func TestRegistrationCloseStopsDelivery(t *testing.T) {
	s := NewSource("s1", true)
	var got int
	reg, err := s.SubscribeAudio(func(frames.AudioChunk) { got++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	s.PushAudio(frames.NewAudioChunk("s1", 0, []byte{1}, nil))
	if err := reg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = reg.Close()
	s.PushAudio(frames.NewAudioChunk("s1", 0, []byte{1}, nil))
	if got != 1 {
		t.Fatalf("expected one delivery, got %d", got)
	}
	if s.Subscribers() != 0 {
		t.Fatalf("expected no subscribers")
	}
}

func TestRegistrationCloseWaitsForInFlightCallback(t *testing.T) {
	s := NewSource("s1", true)
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	finished := false
	reg, _ := s.SubscribeAudio(func(frames.AudioChunk) {
		close(entered)
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
	})
	go s.PushAudio(frames.NewAudioChunk("s1", 0, []byte{1}, nil))
	<-entered

	closed := make(chan struct{})
	go func() {
		_ = reg.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatalf("close returned while a callback was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-closed
	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Fatalf("callback did not finish before close returned")
	}
}

func TestVideoAndVBSSDelivery(t *testing.T) {
	s := NewSource("s1", true)
	var video, vbss int
	rv, _ := s.SubscribeVideo(func(frames.VideoChunk) { video++ })
	rb, _ := s.SubscribeVBSS(func(frames.VideoChunk) { vbss++ })
	defer rv.Close()
	defer rb.Close()
	v := frames.NewVideoChunkFromPool(frames.VideoKindCamera, 1, frames.AcquireImageBuf(10))
	s.PushVideo(v)
	s.PushVBSS(frames.NewVideoChunkFromPool(frames.VideoKindVBSS, 2, frames.AcquireImageBuf(10)))
	if video != 1 || vbss != 1 {
		t.Fatalf("unexpected deliveries video=%d vbss=%d", video, vbss)
	}
	if v.Release() {
		t.Fatalf("source did not release the video chunk")
	}
}

func TestPushAudioReleasesOnceForAllSubscribers(t *testing.T) {
	s := NewSource("s1", true)
	var seen [][]byte
	for i := 0; i < 2; i++ {
		reg, err := s.SubscribeAudio(func(c frames.AudioChunk) {
			seen = append(seen, c.Data())
		})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer reg.Close()
	}

	buf := frames.AcquireAudioBuf(640)
	for i := range buf {
		buf[i] = 7
	}
	c := frames.NewAudioChunkFromPool("s1", 0, buf, nil)
	s.PushAudio(c)

	if len(seen) != 2 {
		t.Fatalf("expected both subscribers to run, got %d", len(seen))
	}
	for i, data := range seen {
		if len(data) != 640 || data[0] != 7 || data[639] != 7 {
			t.Fatalf("subscriber %d saw a recycled buffer", i)
		}
	}
	if c.Release() {
		t.Fatalf("source did not release the chunk")
	}

	a := frames.AcquireAudioBuf(640)
	b := frames.AcquireAudioBuf(640)
	if &a[0] == &b[0] {
		t.Fatalf("pool handed out the same buffer twice")
	}
}

func TestPushAudioWithoutSubscribersReleases(t *testing.T) {
	s := NewSource("s1", true)
	c := frames.NewAudioChunkFromPool("s1", 0, frames.AcquireAudioBuf(320), nil)
	s.PushAudio(c)
	if c.Release() {
		t.Fatalf("source did not release the chunk")
	}
}
