package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Status is the lifecycle of one upstream connection.
type Status int32

const (
	StatusConnecting Status = iota + 1
	StatusOpen
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handle wraps one live WebSocket connection. It is owned by a Manager.
type Handle struct {
	url    string
	conn   *websocket.Conn
	status atomic.Int32

	writeMu  sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
	disposed atomic.Bool
	opened   time.Time
}

func newHandle(url string) *Handle {
	h := &Handle{url: url, done: make(chan struct{})}
	h.status.Store(int32(StatusConnecting))
	return h
}

func (h *Handle) Status() Status { return Status(h.status.Load()) }

// URL is the signed URL the handle was opened with. It embeds credentials
// derived from the API secret and must not be logged.
func (h *Handle) URL() string { return h.url }

// Done is closed once the connection is gone.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) setStatus(s Status) { h.status.Store(int32(s)) }

func (h *Handle) write(data []byte, timeout time.Duration) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if timeout > 0 {
		_ = h.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return h.conn.WriteMessage(websocket.TextMessage, data)
}

// markClosed releases the connection after the peer went away.
func (h *Handle) markClosed() {
	h.doneOnce.Do(func() {
		close(h.done)
		if h.conn != nil {
			_ = h.conn.Close()
		}
	})
	h.setStatus(StatusClosed)
}

// dispose closes the connection on our initiative. Callbacks for a disposed
// handle are suppressed.
func (h *Handle) dispose(timeout time.Duration) {
	h.disposed.Store(true)
	if h.Status() == StatusOpen && h.conn != nil {
		h.setStatus(StatusClosing)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = h.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
	}
	h.markClosed()
}
