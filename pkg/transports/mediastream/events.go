package mediastream

import (
	"strings"

	"github.com/harunnryd/tolk/pkg/media"
)

type EventType string

const (
	EventStart EventType = "start"
	EventEnd   EventType = "end"
)

// Event announces a call stream to the bridge loop. Session is set on start
// events only.
type Event struct {
	Type     EventType
	StreamID string
	CallSID  string
	Session  *media.Source
	Reason   string
}

// Accepted media format. Anything else is refused at start.
const (
	AudioEncoding   = "audio/l16"
	AudioSampleRate = 16000
	AudioChannels   = 1
)

type wireMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

func (f *wireMediaFormat) supported() bool {
	if f == nil {
		return true
	}
	return strings.EqualFold(f.Encoding, AudioEncoding) && f.SampleRate == AudioSampleRate && f.Channels == AudioChannels
}

type wireStart struct {
	CallSID     string           `json:"callSid"`
	StreamID    string           `json:"streamSid"`
	Tracks      []string         `json:"tracks,omitempty"`
	MediaFormat *wireMediaFormat `json:"mediaFormat,omitempty"`
}

// hasAudio reports whether the stream carries the caller's audio. A start
// without a tracks list carries inbound audio.
func (s *wireStart) hasAudio() bool {
	if len(s.Tracks) == 0 {
		return true
	}
	for _, tr := range s.Tracks {
		switch strings.ToLower(tr) {
		case "inbound", "inbound_track", "both_tracks":
			return true
		}
	}
	return false
}

type wireMedia struct {
	Track     string `json:"track,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type wireVideo struct {
	SocketID int    `json:"socketId"`
	Payload  string `json:"payload"`
}

type wireStop struct {
	Reason string `json:"reason"`
}

type wireEvent struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid,omitempty"`
	Start     *wireStart `json:"start,omitempty"`
	Media     *wireMedia `json:"media,omitempty"`
	Video     *wireVideo `json:"video,omitempty"`
	VBSS      *wireVideo `json:"vbss,omitempty"`
	Stop      *wireStop  `json:"stop,omitempty"`
}

type wireCaption struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

type wireTranscript struct {
	Event      string      `json:"event"`
	StreamSID  string      `json:"streamSid"`
	Transcript wireCaption `json:"transcript"`
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}
