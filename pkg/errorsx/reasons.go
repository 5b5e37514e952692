package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonInvalidCredentials ReasonCode = "invalid_credentials"
	ReasonInvalidURL         ReasonCode = "invalid_url"

	ReasonUpstreamConnect ReasonCode = "upstream_connect"
	ReasonUpstreamSend    ReasonCode = "upstream_send"
	ReasonUpstreamClosed  ReasonCode = "upstream_closed"
	ReasonUpstreamRemote  ReasonCode = "upstream_remote_error"

	ReasonEmptySamples ReasonCode = "empty_samples"
	ReasonDecode       ReasonCode = "decode"

	ReasonTranslate          ReasonCode = "translate_failed"
	ReasonTranslateRateLimit ReasonCode = "translate_rate_limit"
	ReasonCircuitOpen        ReasonCode = "circuit_open"

	ReasonSinkEmit ReasonCode = "sink_emit"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonMediaFormat               ReasonCode = "unsupported_media_format"
	ReasonNoAudio                   ReasonCode = "no_audio"
)
