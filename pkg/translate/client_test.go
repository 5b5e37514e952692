package translate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/tolk/pkg/errorsx"
	"github.com/harunnryd/tolk/pkg/protocol"
	"github.com/harunnryd/tolk/pkg/signer"
)

func newClient(t *testing.T, url string, cfg Config) *Client {
	t.Helper()
	s, err := signer.New("key", "secret")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	cfg.URL = url
	cfg.AppID = "app"
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Millisecond
	}
	c, err := New(cfg, s)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return c
}

func TestTranslateSendsSignedRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/its" {
			http.Error(w, "bad route", http.StatusNotFound)
			return
		}
		if !strings.HasPrefix(r.Header.Get("Digest"), "SHA-256=") || r.Header.Get("Date") == "" ||
			!strings.HasPrefix(r.Header.Get("Authorization"), `api_key="key"`) {
			http.Error(w, "unsigned", http.StatusUnauthorized)
			return
		}
		var req protocol.TranslationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		text, _ := base64.StdEncoding.DecodeString(req.Data.Text)
		if req.Common.AppID != "app" || req.Business.From != "en" || req.Business.To != "cn" || string(text) != "hello" {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"code":0,"message":"success","sid":"its1","data":{"result":{"from":"en","to":"cn","trans_result":{"src":"hello","dst":"你好"}}}}`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL+"/v2/its", Config{From: "en", To: "cn"})
	dst, err := c.Translate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if dst != "你好" {
		t.Fatalf("unexpected dst %q", dst)
	}
}

func TestTranslateRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"code":0,"data":{"result":{"trans_result":{"dst":"ok"}}}}`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, Config{MaxRetries: 2})
	dst, err := c.Translate(context.Background(), "x")
	if err != nil || dst != "ok" {
		t.Fatalf("expected retry success, got %q %v", dst, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestTranslateRemoteCodeIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"code":10163,"message":"param error","sid":"its9"}`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, Config{MaxRetries: 3})
	_, err := c.Translate(context.Background(), "x")
	if !errorsx.HasReason(err, errorsx.ReasonTranslate) || !strings.Contains(err.Error(), "its9") {
		t.Fatalf("expected translate error with sid, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("remote code must not be retried, got %d calls", calls.Load())
	}
}

func TestTranslateBreakerOpensOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, Config{MaxRetries: 5, BreakerThreshold: 2, BreakerCooldown: time.Minute})
	if _, err := c.Translate(context.Background(), "x"); err == nil {
		t.Fatalf("expected rate limit error")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected retries to stop when the breaker opened, got %d calls", calls.Load())
	}
	_, err := c.Translate(context.Background(), "x")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("open breaker must not reach the server")
	}
}

func TestTranslateEmptyTextShortCircuits(t *testing.T) {
	c := newClient(t, "http://127.0.0.1:1/unused", Config{})
	dst, err := c.Translate(context.Background(), "  ")
	if err != nil || dst != "" {
		t.Fatalf("expected empty result, got %q %v", dst, err)
	}
}
