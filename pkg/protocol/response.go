package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Envelope is an inbound interpretation message.
type Envelope struct {
	Header  EnvelopeHeader   `json:"header"`
	Payload *EnvelopePayload `json:"payload,omitempty"`
}

type EnvelopeHeader struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	SID     string `json:"sid"`
	Status  Status `json:"status"`
}

type EnvelopePayload struct {
	StreamTrans *StreamTransOutput `json:"output_streamtrans,omitempty"`
}

// StreamTransOutput carries base64 of a JSON Translation.
type StreamTransOutput struct {
	Encoding string `json:"encoding,omitempty"`
	Format   string `json:"format,omitempty"`
	Seq      int    `json:"seq,omitempty"`
	Status   int    `json:"status,omitempty"`
	Text     string `json:"text"`
}

// Translation is the decoded inner payload.
type Translation struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

// DecodeTranslation unwraps the base64 text and parses the inner JSON.
func (o StreamTransOutput) DecodeTranslation() (Translation, error) {
	raw, err := base64.StdEncoding.DecodeString(o.Text)
	if err != nil {
		return Translation{}, fmt.Errorf("protocol: decode output text: %w", err)
	}
	var tr Translation
	if err := json.Unmarshal(raw, &tr); err != nil {
		return Translation{}, fmt.Errorf("protocol: parse translation: %w", err)
	}
	return tr, nil
}

// EncodeTranslation is the inverse of DecodeTranslation, used by fakes.
func EncodeTranslation(tr Translation) string {
	raw, _ := json.Marshal(tr)
	return base64.StdEncoding.EncodeToString(raw)
}
