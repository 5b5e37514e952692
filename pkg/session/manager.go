// Package session owns the upstream WebSocket connection of one bridge: it
// opens signed connections on demand, keeps them alive, serializes writes and
// hands inbound messages to a decoder in arrival order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/tolk/pkg/errorsx"
	"github.com/harunnryd/tolk/pkg/logging"
	"github.com/harunnryd/tolk/pkg/metrics"
	"github.com/harunnryd/tolk/pkg/protocol"
)

var (
	ErrNotConnected = errors.New("session: no open upstream connection")
	ErrClosed       = errors.New("session: manager closed")
)

// URLSigner produces a freshly signed connection URL.
type URLSigner interface {
	AuthenticatedURL(baseURL, scheme string) (string, error)
}

type Config struct {
	URL            string
	Scheme         string
	OpenTimeout    time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	DispatchBuffer int
}

func (c Config) withDefaults() Config {
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.DispatchBuffer <= 0 {
		c.DispatchBuffer = 64
	}
	return c
}

// Handlers receive connection events. OnMessage runs on the manager's
// dispatch goroutine; OnClosed and OnError run on the read goroutine.
type Handlers struct {
	OnMessage func(raw []byte)
	OnClosed  func(code int, text string)
	OnError   func(err error)
}

type Option func(*Manager)

func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dialer = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = logging.NewComponentLogger(l, "session")
		}
	}
}

func WithObserver(obs metrics.Observer) Option {
	return func(m *Manager) {
		if obs != nil {
			m.obs = obs
		}
	}
}

type Manager struct {
	cfg      Config
	signer   URLSigner
	dialer   *websocket.Dialer
	handlers Handlers
	logger   *slog.Logger
	obs      metrics.Observer

	mu     sync.Mutex
	handle *Handle
	closed bool

	inbox chan []byte
	stop  chan struct{}
	wg    sync.WaitGroup
}

func NewManager(cfg Config, signer URLSigner, handlers Handlers, opts ...Option) (*Manager, error) {
	if signer == nil {
		return nil, errors.New("session: signer is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errorsx.Wrap(errors.New("session: upstream url is required"), errorsx.ReasonInvalidURL)
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		signer:   signer,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.OpenTimeout},
		handlers: handlers,
		logger:   logging.NewComponentLogger(slog.Default(), "session"),
		obs:      metrics.NoopObserver{},
		inbox:    make(chan []byte, cfg.DispatchBuffer),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.wg.Add(1)
	go m.dispatch()
	return m, nil
}

// EnsureConnected returns the open handle, or opens a new one when a
// FirstFrame is about to be sent and no connection is open. Other frames never
// trigger a connect.
func (m *Manager) EnsureConnected(ctx context.Context, firstFrame bool) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if h := m.handle; h != nil && h.Status() == StatusOpen {
		return h, nil
	}
	if !firstFrame {
		return m.handle, errorsx.Wrap(ErrNotConnected, errorsx.ReasonUpstreamSend)
	}
	if m.handle != nil {
		m.handle.dispose(m.cfg.WriteTimeout)
		m.handle = nil
	}

	url, err := m.signer.AuthenticatedURL(m.cfg.URL, m.cfg.Scheme)
	if err != nil {
		m.logger.Error("upstream_sign_error", "error", err, "reason_code", errorsx.Reason(err))
		return nil, err
	}
	h := newHandle(url)
	m.handle = h

	if ctx == nil {
		ctx = context.Background()
	}
	dctx, cancel := context.WithTimeout(ctx, m.cfg.OpenTimeout)
	defer cancel()
	start := time.Now()
	conn, resp, err := m.dialer.DialContext(dctx, url, nil)
	if err != nil {
		h.markClosed()
		attrs := []any{"error", err, "reason_code", errorsx.ReasonUpstreamConnect, "timeout_ms", m.cfg.OpenTimeout.Milliseconds()}
		if resp != nil {
			attrs = append(attrs, "http_status", resp.StatusCode)
		}
		m.logger.Error("upstream_connect_error", attrs...)
		metrics.Record(m.obs, metrics.EventUpstreamConnectError, 1, nil)
		return h, errorsx.Wrap(fmt.Errorf("session: dial upstream: %w", err), errorsx.ReasonUpstreamConnect)
	}
	h.conn = conn
	h.opened = time.Now()
	h.setStatus(StatusOpen)

	m.wg.Add(2)
	go m.readLoop(h)
	go m.pingLoop(h)

	elapsed := time.Since(start)
	m.logger.Info("upstream_connected", "connect_ms", elapsed.Milliseconds())
	metrics.Record(m.obs, metrics.EventUpstreamConnect, float64(elapsed.Milliseconds()), nil)
	return h, nil
}

// Send writes one frame as a JSON text message on the open connection.
func (m *Manager) Send(frame protocol.Frame) error {
	data, err := frame.Marshal()
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("session: encode frame: %w", err), errorsx.ReasonUpstreamSend)
	}
	m.mu.Lock()
	h, closed := m.handle, m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if h == nil || h.Status() != StatusOpen {
		return errorsx.Wrap(ErrNotConnected, errorsx.ReasonUpstreamSend)
	}
	if err := h.write(data, m.cfg.WriteTimeout); err != nil {
		return errorsx.Wrap(fmt.Errorf("session: write frame: %w", err), errorsx.ReasonUpstreamSend)
	}
	return nil
}

// IsOpen reports whether the current handle is open.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle != nil && m.handle.Status() == StatusOpen
}

// Handle returns the current handle, which may be nil or closed.
func (m *Manager) Handle() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Close disposes the connection and stops the manager goroutines. It is
// idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	h := m.handle
	m.handle = nil
	m.mu.Unlock()

	if h != nil {
		h.dispose(m.cfg.WriteTimeout)
	}
	close(m.stop)
	m.wg.Wait()
	return nil
}

func (m *Manager) readLoop(h *Handle) {
	defer m.wg.Done()
	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			m.onReadError(h, err)
			return
		}
		select {
		case m.inbox <- data:
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) onReadError(h *Handle, err error) {
	h.markClosed()
	if h.disposed.Load() {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
		m.logger.Info("upstream_closed", "code", ce.Code, "text", ce.Text,
			"open_ms", time.Since(h.opened).Milliseconds())
		metrics.Record(m.obs, metrics.EventUpstreamClosed, 1, nil)
		if m.handlers.OnClosed != nil {
			m.handlers.OnClosed(ce.Code, ce.Text)
		}
		return
	}
	m.logger.Warn("upstream_error", "error", err, "reason_code", errorsx.ReasonUpstreamClosed)
	metrics.Record(m.obs, metrics.EventUpstreamError, 1, nil)
	if m.handlers.OnError != nil {
		m.handlers.OnError(errorsx.Wrap(err, errorsx.ReasonUpstreamClosed))
	}
}

func (m *Manager) pingLoop(h *Handle) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout)); err != nil {
				m.logger.Debug("upstream_ping_error", "error", err)
				return
			}
		}
	}
}

func (m *Manager) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case raw := <-m.inbox:
			if m.handlers.OnMessage != nil {
				m.handlers.OnMessage(raw)
			}
		}
	}
}
