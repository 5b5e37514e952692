package frames

import (
	"sync"
	"sync/atomic"
)

const (
	MetaStreamID = "stream_id"
	MetaCallSID  = "call_sid"
	MetaTrack    = "track"
)

// AudioChunk is one PCM buffer delivered by the media provider. It is consumed
// once by a FrameBuffer and then released.
type AudioChunk struct {
	data      []byte
	timestamp uint64
	meta      map[string]string
	released  *atomic.Bool
}

func NewAudioChunk(streamID string, timestampMicros uint64, data []byte, meta map[string]string) AudioChunk {
	return AudioChunk{
		data:      data,
		timestamp: timestampMicros,
		meta:      mergeMeta(streamID, meta),
	}
}

// FromBuffer mirrors the provider callback shape (buffer, length, timestamp).
// A length larger than the buffer is clamped.
func FromBuffer(streamID string, buf []byte, length uint32, timestampMicros uint64) AudioChunk {
	n := int(length)
	if n > len(buf) {
		n = len(buf)
	}
	return NewAudioChunk(streamID, timestampMicros, buf[:n], nil)
}

// NewAudioChunkFromPool wraps a buffer obtained with AcquireAudioBuf; Release
// hands it back to the pool.
func NewAudioChunkFromPool(streamID string, timestampMicros uint64, buf []byte, meta map[string]string) AudioChunk {
	return AudioChunk{
		data:      buf,
		timestamp: timestampMicros,
		meta:      mergeMeta(streamID, meta),
		released:  new(atomic.Bool),
	}
}

func (c AudioChunk) Len() int                { return len(c.data) }
func (c AudioChunk) TimestampMicros() uint64 { return c.timestamp }
func (c AudioChunk) Meta() map[string]string { return cloneMeta(c.meta) }
func (c AudioChunk) Data() []byte            { return append([]byte(nil), c.data...) }
func (c AudioChunk) RawPayload() []byte      { return c.data }
func (c AudioChunk) StreamID() string        { return c.meta[MetaStreamID] }

// Release returns pooled storage. Only the first call on a pooled chunk (or any
// copy of it) reports true. The chunk must not be used afterwards.
func (c AudioChunk) Release() bool {
	if c.released == nil || !c.released.CompareAndSwap(false, true) {
		return false
	}
	ReleaseAudioBuf(c.data)
	return true
}

type VideoKind string

const (
	VideoKindCamera VideoKind = "video"
	VideoKindVBSS   VideoKind = "vbss"
)

// VideoChunk is a video or screen-share buffer. The bridge never inspects it.
type VideoChunk struct {
	kind     VideoKind
	socketID int
	data     []byte
	released *atomic.Bool
}

func NewVideoChunkFromPool(kind VideoKind, socketID int, buf []byte) VideoChunk {
	return VideoChunk{kind: kind, socketID: socketID, data: buf, released: new(atomic.Bool)}
}

func (v VideoChunk) Kind() VideoKind { return v.kind }
func (v VideoChunk) SocketID() int   { return v.socketID }
func (v VideoChunk) Len() int        { return len(v.data) }

func (v VideoChunk) Release() bool {
	if v.released == nil || !v.released.CompareAndSwap(false, true) {
		return false
	}
	ReleaseImageBuf(v.data)
	return true
}

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

var imageBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 8192)
	},
}

func AcquireImageBuf(size int) []byte {
	b := imageBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseImageBuf(b []byte) {
	imageBufPool.Put(b[:0])
}

func mergeMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 1+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
