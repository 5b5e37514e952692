// Package mediastream is the media gateway: a WebSocket server accepting
// media-stream JSON events from the telephony provider and exposing each call
// as a media.Source.
package mediastream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/tolk/pkg/errorsx"
	"github.com/harunnryd/tolk/pkg/frames"
	"github.com/harunnryd/tolk/pkg/logging"
	"github.com/harunnryd/tolk/pkg/media"
	"github.com/harunnryd/tolk/pkg/metrics"
	"github.com/harunnryd/tolk/pkg/transcript"
)

var ErrUnknownStream = errors.New("mediastream: unknown stream")

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	MaxStreams         int      `mapstructure:"max_streams"`
	HangupOnRefuse     bool     `mapstructure:"hangup_on_refuse"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/media"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.MaxStreams <= 0 {
		c.MaxStreams = 1
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

type Option func(*Transport)

func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = logging.NewComponentLogger(l, "mediastream")
		}
	}
}

func WithObserver(obs metrics.Observer) Option {
	return func(t *Transport) {
		if obs != nil {
			t.obs = obs
		}
	}
}

type Transport struct {
	cfg      Config
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	events   chan Event
	stop     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
	obs      metrics.Observer

	updateClient callUpdater

	mu          sync.Mutex
	streams     map[string]*stream
	callStreams map[string]string

	draining atomic.Bool
}

func New(cfg Config, opts ...Option) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		mux: http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		events:      make(chan Event, 64),
		stop:        make(chan struct{}),
		logger:      logging.NewComponentLogger(slog.Default(), "mediastream"),
		obs:         metrics.NoopObserver{},
		streams:     make(map[string]*stream),
		callStreams: make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	for _, opt := range opts {
		opt(t)
	}
	t.mux.Handle(t.cfg.WebsocketPath, t)
	t.mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	t.mux.HandleFunc("/healthz", t.handleHealth)
	return t
}

func (t *Transport) Name() string { return "mediastream" }

// Events delivers stream start and end events. It is never closed.
func (t *Transport) Events() <-chan Event { return t.events }

// Handle mounts an extra handler, e.g. the metrics endpoint. Call before Run.
func (t *Transport) Handle(pattern string, h http.Handler) {
	t.mux.Handle(pattern, h)
}

func (t *Transport) Handler() http.Handler { return t.mux }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"media_url":           t.websocketURL(),
		"status_callback_url": t.statusCallbackURL(),
		"max_streams":         t.cfg.MaxStreams,
	}
}

// Run serves until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", t.cfg.ServerAddr)
	if err != nil {
		return err
	}
	return t.Serve(ctx, ln)
}

func (t *Transport) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.mux,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(sctx)
	}()
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		t.logger.Error("mediastream_server_error", "error", err)
		return err
	}
	return nil
}

// Drain refuses new streams; active streams keep running.
func (t *Transport) Drain() {
	t.draining.Store(true)
}

// ActiveStreams is the number of attached streams.
func (t *Transport) ActiveStreams() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// Stop refuses new streams and closes the active ones. End events racing
// with Stop may be dropped.
func (t *Transport) Stop() error {
	t.draining.Store(true)
	t.stopOnce.Do(func() { close(t.stop) })
	t.mu.Lock()
	streams := make([]*stream, 0, len(t.streams))
	for _, st := range t.streams {
		streams = append(streams, st)
	}
	t.streams = make(map[string]*stream)
	t.callStreams = make(map[string]string)
	t.mu.Unlock()
	for _, st := range streams {
		st.close()
	}
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var st *stream
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt wireEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.logger.Debug("mediastream_bad_event", "error", err)
			continue
		}
		switch evt.Event {
		case "connected":
		case "start":
			if evt.Start == nil || st != nil {
				continue
			}
			st = t.start(conn, evt.Start)
			if st == nil {
				return
			}
		case "media":
			if st == nil || evt.Media == nil {
				continue
			}
			t.pushAudio(st, evt.Media)
		case "video", "vbss":
			v := evt.Video
			kind := frames.VideoKindCamera
			if evt.Event == "vbss" {
				v, kind = evt.VBSS, frames.VideoKindVBSS
			}
			if st == nil || v == nil {
				continue
			}
			t.pushVideo(st, kind, v)
		case "stop":
			if st == nil {
				return
			}
			reason := ""
			if evt.Stop != nil {
				reason = normalizeCallEndReason(evt.Stop.Reason)
			}
			if reason == "" {
				reason = "completed"
			}
			t.finish(st, reason)
			return
		}
	}
	if st != nil {
		t.finish(st, normalizeCallEndReason("transport_closed"))
	}
}

// CaptionSink sends transcript lines back to the stream's socket.
func (t *Transport) CaptionSink(streamID string) transcript.Sink {
	return transcript.FuncSink(func(_ context.Context, line transcript.Line) error {
		st := t.stream(streamID)
		if st == nil {
			return errorsx.Wrap(ErrUnknownStream, errorsx.ReasonTransportSend)
		}
		return st.enqueue(wireTranscript{
			Event:      "transcript",
			StreamSID:  streamID,
			Transcript: wireCaption{Src: line.Src, Dst: line.Dst},
		})
	})
}

func (t *Transport) start(conn *websocket.Conn, start *wireStart) *stream {
	streamID := start.StreamID
	if streamID == "" {
		streamID = uuid.NewString()
	}
	log := t.logger.With("stream_id", streamID, "call_sid", start.CallSID)

	if !start.MediaFormat.supported() {
		f := start.MediaFormat
		log.Warn("stream_refused", "reason_code", errorsx.ReasonMediaFormat,
			"encoding", f.Encoding, "sample_rate", f.SampleRate, "channels", f.Channels)
		t.refuse(conn, start.CallSID, websocket.CloseUnsupportedData, string(errorsx.ReasonMediaFormat))
		return nil
	}

	st := &stream{
		id:      streamID,
		callSID: start.CallSID,
		source:  media.NewSource(streamID, start.hasAudio()),
		conn:    conn,
		sendCh:  make(chan []byte, 256),
		started: make(chan struct{}),
	}
	t.mu.Lock()
	if len(t.streams) >= t.cfg.MaxStreams {
		t.mu.Unlock()
		log.Warn("stream_refused", "reason", "max_streams", "max_streams", t.cfg.MaxStreams)
		t.refuse(conn, start.CallSID, websocket.CloseTryAgainLater, "max_streams")
		return nil
	}
	t.streams[streamID] = st
	if st.callSID != "" {
		t.callStreams[st.callSID] = streamID
	}
	active := len(t.streams)
	t.mu.Unlock()

	go st.loop()
	log.Info("stream_started", "active_streams", active)
	metrics.Record(t.obs, metrics.EventStreamStarted, 1, nil)
	t.emit(Event{Type: EventStart, StreamID: streamID, CallSID: st.callSID, Session: st.source})
	close(st.started)
	return st
}

func (t *Transport) refuse(conn *websocket.Conn, callSID string, code int, reason string) {
	metrics.Record(t.obs, metrics.EventStreamRefused, 1, map[string]string{"reason": reason})
	if t.cfg.HangupOnRefuse {
		if err := t.hangup(callSID); err != nil {
			t.logger.Warn("hangup_error", "call_sid", callSID, "error", err)
		}
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// finish ends a stream once. The end event always follows its start event.
func (t *Transport) finish(st *stream, reason string) {
	if !st.ended.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	if t.streams[st.id] == st {
		delete(t.streams, st.id)
	}
	if st.callSID != "" && t.callStreams[st.callSID] == st.id {
		delete(t.callStreams, st.callSID)
	}
	t.mu.Unlock()
	st.close()

	select {
	case <-st.started:
	case <-t.stop:
		return
	}
	t.logger.Info("stream_ended", "stream_id", st.id, "call_sid", st.callSID, "reason", reason)
	metrics.Record(t.obs, metrics.EventStreamEnded, 1, map[string]string{"reason": reason})
	t.emit(Event{Type: EventEnd, StreamID: st.id, CallSID: st.callSID, Reason: reason})
}

func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.stop:
	}
}

func (t *Transport) pushAudio(st *stream, m *wireMedia) {
	if tr := strings.ToLower(m.Track); tr != "" && tr != "inbound" && tr != "inbound_track" {
		return
	}
	buf := frames.AcquireAudioBuf(base64.StdEncoding.DecodedLen(len(m.Payload)))
	n, err := base64.StdEncoding.Decode(buf, []byte(m.Payload))
	if err != nil || n == 0 {
		frames.ReleaseAudioBuf(buf)
		return
	}
	var ts uint64
	if m.Timestamp != "" {
		if ms, err := strconv.ParseUint(m.Timestamp, 10, 64); err == nil {
			ts = ms * 1000
		}
	}
	meta := map[string]string{frames.MetaCallSID: st.callSID}
	if m.Track != "" {
		meta[frames.MetaTrack] = m.Track
	}
	st.source.PushAudio(frames.NewAudioChunkFromPool(st.id, ts, buf[:n], meta))
}

func (t *Transport) pushVideo(st *stream, kind frames.VideoKind, v *wireVideo) {
	buf := frames.AcquireImageBuf(base64.StdEncoding.DecodedLen(len(v.Payload)))
	n, err := base64.StdEncoding.Decode(buf, []byte(v.Payload))
	if err != nil {
		frames.ReleaseImageBuf(buf)
		return
	}
	chunk := frames.NewVideoChunkFromPool(kind, v.SocketID, buf[:n])
	if kind == frames.VideoKindVBSS {
		st.source.PushVBSS(chunk)
		return
	}
	st.source.PushVideo(chunk)
}

func (t *Transport) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateRequest(r) {
		t.logger.Warn("status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	t.mu.Lock()
	st := t.streams[t.callStreams[callSID]]
	t.mu.Unlock()
	if st != nil {
		t.finish(st, reason)
	}
	w.WriteHeader(http.StatusOK)
}

// hangup completes the call through the provider's REST API.
func (t *Transport) hangup(callSID string) error {
	if strings.TrimSpace(callSID) == "" {
		return errors.New("call sid required")
	}
	updater := t.updateClient
	if updater == nil {
		if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
			return errors.New("missing provider credentials")
		}
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: t.cfg.AccountSID,
			Password: t.cfg.AuthToken,
		})
		updater = rest.Api
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := updater.UpdateCall(callSID, params)
	return err
}

func (t *Transport) stream(streamID string) *stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[streamID]
}

func (t *Transport) websocketURL() string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	return "ws://" + localAddr(t.cfg.ServerAddr) + t.cfg.WebsocketPath
}

func (t *Transport) statusCallbackURL() string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.StatusCallbackPath
	}
	return "http://" + localAddr(t.cfg.ServerAddr) + t.cfg.StatusCallbackPath
}

func localAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func (t *Transport) validateRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

type stream struct {
	id      string
	callSID string
	source  *media.Source
	conn    *websocket.Conn
	started chan struct{}
	ended   atomic.Bool

	mu     sync.Mutex
	sendCh chan []byte
	closed bool
}

func (s *stream) enqueue(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errorsx.Wrap(ErrUnknownStream, errorsx.ReasonTransportSend)
	}
	select {
	case s.sendCh <- b:
		return nil
	default:
		return errorsx.Newf(errorsx.ReasonTransportSend, "mediastream: send queue full for %s", s.id)
	}
}

func (s *stream) loop() {
	for msg := range s.sendCh {
		_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *stream) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.sendCh)
	}
	s.mu.Unlock()
	_ = s.conn.Close()
}
