// Package config loads the tolk configuration file.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/tolk/pkg/configutil"
	"github.com/harunnryd/tolk/pkg/protocol"
	"github.com/harunnryd/tolk/pkg/session"
	"github.com/harunnryd/tolk/pkg/transports/mediastream"
	"github.com/harunnryd/tolk/pkg/translate"
)

const (
	DefaultUpstreamURL    = "wss://orchestrate-ws-api-sg.xf-yun.com/v1/private/simultaneous_interpretation"
	DefaultTranslationURL = "https://its-api-sg.xf-yun.com/v2/its"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Upstream      UpstreamConfig      `mapstructure:"upstream"`
	Translation   TranslationConfig   `mapstructure:"translation"`
	Transcript    TranscriptConfig    `mapstructure:"transcript"`
	Media         MediaConfig         `mapstructure:"media"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Shutdown      ShutdownConfig      `mapstructure:"shutdown"`
}

type UpstreamConfig struct {
	URL            string       `mapstructure:"url"`
	Scheme         string       `mapstructure:"scheme"`
	AppID          string       `mapstructure:"app_id"`
	APIKey         string       `mapstructure:"api_key"`
	APISecret      string       `mapstructure:"api_secret"`
	OpenTimeoutMS  int          `mapstructure:"open_timeout_ms"`
	PingIntervalMS int          `mapstructure:"ping_interval_ms"`
	WriteTimeoutMS int          `mapstructure:"write_timeout_ms"`
	DispatchBuffer int          `mapstructure:"dispatch_buffer"`
	Params         ParamsConfig `mapstructure:"params"`
}

type ParamsConfig struct {
	Language string `mapstructure:"language"`
	Accent   string `mapstructure:"accent"`
	Domain   string `mapstructure:"domain"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
	VTO      int    `mapstructure:"vto"`
	EOS      int    `mapstructure:"eos"`
}

type TranslationConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	URL               string `mapstructure:"url"`
	TimeoutMS         int    `mapstructure:"timeout_ms"`
	MaxRetries        int    `mapstructure:"max_retries"`
	BackoffMS         int    `mapstructure:"backoff_ms"`
	BreakerThreshold  int    `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int    `mapstructure:"breaker_cooldown_ms"`
}

type TranscriptConfig struct {
	Path           string `mapstructure:"path"`
	Format         string `mapstructure:"format"`
	Truncate       bool   `mapstructure:"truncate"`
	UTCOffsetHours int    `mapstructure:"utc_offset_hours"`
	Captions       bool   `mapstructure:"captions"`
}

type MediaConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type ObservabilityConfig struct {
	MetricsPath string  `mapstructure:"metrics_path"`
	Namespace   string  `mapstructure:"namespace"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	AsyncBuffer int     `mapstructure:"async_buffer"`
	LogEvents   bool    `mapstructure:"log_events"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ShutdownConfig struct {
	DrainTimeoutMS int `mapstructure:"drain_timeout_ms"`
}

var mediaSchema = configutil.Schema{
	Optional: []string{
		"server_addr", "public_url", "ws_path", "status_callback_path",
		"auth_token", "account_sid", "max_streams", "hangup_on_refuse",
		"allow_any_origin", "allowed_origins",
	},
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TOLK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("upstream.url", DefaultUpstreamURL)
	v.SetDefault("upstream.scheme", "wss")
	v.SetDefault("upstream.app_id", "")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.api_secret", "")
	v.SetDefault("upstream.open_timeout_ms", 5000)
	v.SetDefault("upstream.ping_interval_ms", 5000)
	v.SetDefault("upstream.write_timeout_ms", 5000)
	v.SetDefault("upstream.dispatch_buffer", 64)
	v.SetDefault("upstream.params.language", protocol.DefaultLang)
	v.SetDefault("upstream.params.accent", protocol.DefaultAccent)
	v.SetDefault("upstream.params.domain", protocol.DefaultDomain)
	v.SetDefault("upstream.params.from", protocol.DefaultFrom)
	v.SetDefault("upstream.params.to", protocol.DefaultTo)
	v.SetDefault("upstream.params.vto", protocol.DefaultVTO)
	v.SetDefault("upstream.params.eos", protocol.DefaultEOS)
	v.SetDefault("translation.enabled", false)
	v.SetDefault("translation.url", DefaultTranslationURL)
	v.SetDefault("translation.timeout_ms", 3000)
	v.SetDefault("translation.max_retries", 2)
	v.SetDefault("translation.backoff_ms", 200)
	v.SetDefault("translation.breaker_threshold", 5)
	v.SetDefault("translation.breaker_cooldown_ms", 30000)
	v.SetDefault("transcript.path", "transcripts.txt")
	v.SetDefault("transcript.format", "text")
	v.SetDefault("transcript.truncate", false)
	v.SetDefault("transcript.utc_offset_hours", 8)
	v.SetDefault("transcript.captions", false)
	v.SetDefault("media.provider", "mediastream")
	v.SetDefault("observability.metrics_path", "/metrics")
	v.SetDefault("observability.namespace", "tolk")
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("observability.async_buffer", 1024)
	v.SetDefault("observability.log_events", false)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("shutdown.drain_timeout_ms", 10000)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Upstream.URL, "upstream.url"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Upstream.AppID, "upstream.app_id"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Upstream.APIKey, "upstream.api_key"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Upstream.APISecret, "upstream.api_secret"); err != nil {
		return err
	}
	switch strings.ToLower(c.Upstream.Scheme) {
	case "", "ws", "wss":
	default:
		return fmt.Errorf("upstream.scheme must be ws or wss, got %q", c.Upstream.Scheme)
	}
	if c.Upstream.OpenTimeoutMS < 0 || c.Upstream.PingIntervalMS < 0 || c.Upstream.WriteTimeoutMS < 0 {
		return fmt.Errorf("upstream timeouts must not be negative")
	}
	switch strings.ToLower(c.Transcript.Format) {
	case "", "text", "jsonl":
	default:
		return fmt.Errorf("transcript.format must be text or jsonl, got %q", c.Transcript.Format)
	}
	if c.Transcript.UTCOffsetHours < -12 || c.Transcript.UTCOffsetHours > 14 {
		return fmt.Errorf("transcript.utc_offset_hours out of range: %d", c.Transcript.UTCOffsetHours)
	}
	if c.Translation.Enabled {
		if err := configutil.RequireString(c.Translation.URL, "translation.url"); err != nil {
			return err
		}
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability.sample_rate must be within [0,1]")
	}
	if p := strings.ToLower(strings.TrimSpace(c.Media.Provider)); p != "" && p != "mediastream" {
		return fmt.Errorf("media provider not registered: %s", c.Media.Provider)
	}
	if err := configutil.ValidateSettings(c.Media.Settings, mediaSchema); err != nil {
		return fmt.Errorf("media.settings: %w", err)
	}
	return nil
}

// Params are the first-frame parameters.
func (c *Config) Params() protocol.Params {
	p := c.Upstream.Params
	return protocol.Params{
		AppID:    c.Upstream.AppID,
		Accent:   p.Accent,
		Domain:   p.Domain,
		Language: p.Language,
		From:     p.From,
		To:       p.To,
		VTO:      p.VTO,
		EOS:      p.EOS,
	}.WithDefaults()
}

func (c *Config) Session() session.Config {
	return session.Config{
		URL:            c.Upstream.URL,
		Scheme:         strings.ToLower(c.Upstream.Scheme),
		OpenTimeout:    millis(c.Upstream.OpenTimeoutMS),
		PingInterval:   millis(c.Upstream.PingIntervalMS),
		WriteTimeout:   millis(c.Upstream.WriteTimeoutMS),
		DispatchBuffer: c.Upstream.DispatchBuffer,
	}
}

func (c *Config) Translate() translate.Config {
	t := c.Translation
	p := c.Params()
	return translate.Config{
		URL:              t.URL,
		AppID:            c.Upstream.AppID,
		From:             p.From,
		To:               p.To,
		Timeout:          millis(t.TimeoutMS),
		MaxRetries:       t.MaxRetries,
		Backoff:          millis(t.BackoffMS),
		BreakerThreshold: t.BreakerThreshold,
		BreakerCooldown:  millis(t.BreakerCooldownMS),
	}
}

// MediaStream decodes media.settings into the gateway config.
func (c *Config) MediaStream() (mediastream.Config, error) {
	var out mediastream.Config
	if err := configutil.DecodeSettings(c.Media.Settings, &out); err != nil {
		return mediastream.Config{}, fmt.Errorf("media.settings: %w", err)
	}
	return out, nil
}

// TranscriptLocation is the fixed zone transcript timestamps are written in.
func (c *Config) TranscriptLocation() *time.Location {
	h := c.Transcript.UTCOffsetHours
	return time.FixedZone(fmt.Sprintf("UTC%+d", h), h*3600)
}

func (c *Config) DrainTimeout() time.Duration {
	return millis(c.Shutdown.DrainTimeoutMS)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Media.Settings = expandSettings(cfg.Media.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
