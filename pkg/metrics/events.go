package metrics

// Event names emitted by the bridge, its session manager and the gateway.
const (
	EventAudioChunkIn    = "audio_chunk_in"
	EventFrameEmitted    = "frame_emitted"
	EventFrameSent       = "frame_sent"
	EventFrameSendError  = "frame_send_error"
	EventFrameDropped    = "frame_dropped"
	EventStateTransition = "state_transition"

	EventUpstreamConnect      = "upstream_connect"
	EventUpstreamConnectError = "upstream_connect_error"
	EventUpstreamClosed       = "upstream_closed"
	EventUpstreamError        = "upstream_error"

	EventTranscriptLine    = "transcript_line"
	EventDecodeError       = "decode_error"
	EventTranslateFallback = "translate_fallback"
	EventBreakerDenied     = "breaker_denied"

	EventStreamStarted = "stream_started"
	EventStreamEnded   = "stream_ended"
	EventStreamRefused = "stream_refused"
)
