// Package protocol holds the typed wire shapes of the simultaneous
// interpretation WebSocket protocol and the text translation API.
package protocol

import (
	"encoding/base64"
	"encoding/json"
)

// Status is the frame status carried in both header and payload.
type Status int

const (
	StatusFirstFrame    Status = 0
	StatusContinueFrame Status = 1
	StatusLastFrame     Status = 2
)

const (
	SampleRate    = 16000
	Channels      = 1
	BitDepth      = 16
	EncodingRaw   = "raw"
	OutputUTF8    = "utf8"
	OutputJSON    = "json"
	DefaultVTO    = 15000
	DefaultEOS    = 150000
	DefaultFrom   = "en"
	DefaultTo     = "cn"
	DefaultLang   = "en_us"
	DefaultAccent = "mandarin"
	DefaultDomain = "ist_open"
)

// Params are the recognition and translation parameters sent with a FirstFrame.
type Params struct {
	AppID    string
	Accent   string
	Domain   string
	Language string
	From     string
	To       string
	VTO      int
	EOS      int
}

// WithDefaults fills unset fields with the service defaults.
func (p Params) WithDefaults() Params {
	if p.Accent == "" {
		p.Accent = DefaultAccent
	}
	if p.Domain == "" {
		p.Domain = DefaultDomain
	}
	if p.Language == "" {
		p.Language = DefaultLang
	}
	if p.From == "" {
		p.From = DefaultFrom
	}
	if p.To == "" {
		p.To = DefaultTo
	}
	if p.VTO <= 0 {
		p.VTO = DefaultVTO
	}
	if p.EOS <= 0 {
		p.EOS = DefaultEOS
	}
	return p
}

type Frame struct {
	Header    Header     `json:"header"`
	Parameter *Parameter `json:"parameter,omitempty"`
	Payload   Payload    `json:"payload"`
}

type Header struct {
	AppID  string  `json:"app_id"`
	Status Status  `json:"status"`
	UID    *string `json:"uid,omitempty"`
}

type Parameter struct {
	IST         IST         `json:"ist"`
	StreamTrans StreamTrans `json:"streamtrans"`
}

type IST struct {
	Accent   string `json:"accent"`
	Domain   string `json:"domain"`
	Language string `json:"language"`
	VTO      int    `json:"vto"`
	EOS      int    `json:"eos"`
}

type StreamTrans struct {
	From   string       `json:"from"`
	To     string       `json:"to"`
	Output OutputFormat `json:"output_streamtrans"`
}

type OutputFormat struct {
	Encoding string `json:"encoding"`
	Format   string `json:"format"`
}

type Payload struct {
	Data AudioData `json:"data"`
}

type AudioData struct {
	Status     Status `json:"status"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels,omitempty"`
	BitDepth   int    `json:"bit_depth,omitempty"`
	Encoding   string `json:"encoding"`
	Audio      string `json:"audio"`
}

// NewFirstFrame opens an utterance: it carries the full parameter block and
// the audio format description.
func NewFirstFrame(p Params, audio []byte) Frame {
	p = p.WithDefaults()
	uid := ""
	return Frame{
		Header: Header{AppID: p.AppID, Status: StatusFirstFrame, UID: &uid},
		Parameter: &Parameter{
			IST: IST{
				Accent:   p.Accent,
				Domain:   p.Domain,
				Language: p.Language,
				VTO:      p.VTO,
				EOS:      p.EOS,
			},
			StreamTrans: StreamTrans{
				From:   p.From,
				To:     p.To,
				Output: OutputFormat{Encoding: OutputUTF8, Format: OutputJSON},
			},
		},
		Payload: Payload{Data: AudioData{
			Status:     StatusFirstFrame,
			SampleRate: SampleRate,
			Channels:   Channels,
			BitDepth:   BitDepth,
			Encoding:   EncodingRaw,
			Audio:      base64.StdEncoding.EncodeToString(audio),
		}},
	}
}

func NewContinueFrame(appID string, audio []byte) Frame {
	return audioOnly(appID, StatusContinueFrame, audio)
}

func NewLastFrame(appID string, audio []byte) Frame {
	return audioOnly(appID, StatusLastFrame, audio)
}

func audioOnly(appID string, status Status, audio []byte) Frame {
	return Frame{
		Header: Header{AppID: appID, Status: status},
		Payload: Payload{Data: AudioData{
			Status:     status,
			SampleRate: SampleRate,
			Encoding:   EncodingRaw,
			Audio:      base64.StdEncoding.EncodeToString(audio),
		}},
	}
}

func (f Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}
