package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/tolk/pkg/config"
	"github.com/harunnryd/tolk/pkg/decoder"
	"github.com/harunnryd/tolk/pkg/logging"
	"github.com/harunnryd/tolk/pkg/metrics"
	"github.com/harunnryd/tolk/pkg/redact"
	"github.com/harunnryd/tolk/pkg/runner"
	"github.com/harunnryd/tolk/pkg/signer"
	"github.com/harunnryd/tolk/pkg/tolk"
	"github.com/harunnryd/tolk/pkg/transcript"
	"github.com/harunnryd/tolk/pkg/transports/mediastream"
	"github.com/harunnryd/tolk/pkg/translate"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	noBanner := flag.Bool("no_banner", false, "skip the startup banner")
	flag.Parse()

	if err := run(*configPath, !*noBanner); err != nil {
		fmt.Fprintln(os.Stderr, "tolk:", err)
		os.Exit(1)
	}
}

func run(configPath string, showBanner bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, ok := logging.ParseLevel(cfg.LogLevel)
	logger := logging.InitLogger(level, cfg.LogFormat, os.Stdout)
	if !ok {
		logger.Warn("invalid log level specified, defaulting to INFO", "specified_level", cfg.LogLevel)
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	logger.Info("tolk_init",
		"environment", cfg.Environment,
		"upstream_url", cfg.Upstream.URL,
		"app_id", cfg.Upstream.AppID,
		"api_key", redact.Secret(cfg.Upstream.APIKey),
		"translation", cfg.Translation.Enabled,
		"transcript_format", cfg.Transcript.Format,
	)

	prom := metrics.NewPrometheusObserver(cfg.Observability.Namespace)
	observers := []metrics.Observer{prom}
	if cfg.Observability.LogEvents {
		observers = append(observers, metrics.NewLoggerObserver(logger))
	}
	sampled := metrics.NewSamplingObserver(metrics.NewMultiObserver(observers...), cfg.Observability.SampleRate,
		metrics.EventAudioChunkIn, metrics.EventFrameEmitted)
	obs := metrics.NewAsyncObserver(sampled, cfg.Observability.AsyncBuffer)
	defer obs.Close()

	sig, err := signer.New(cfg.Upstream.APIKey, cfg.Upstream.APISecret)
	if err != nil {
		return err
	}

	var translator decoder.Translator
	if cfg.Translation.Enabled {
		client, err := translate.New(cfg.Translate(), sig, translate.WithLogger(logger), translate.WithObserver(obs))
		if err != nil {
			return err
		}
		translator = client
	}

	sink, closeSink, err := openSink(cfg)
	if err != nil {
		return err
	}
	defer closeSink.Close()

	msCfg, err := cfg.MediaStream()
	if err != nil {
		return err
	}
	gateway := mediastream.New(msCfg, mediastream.WithLogger(logger), mediastream.WithObserver(obs))
	gateway.Handle(cfg.Observability.MetricsPath, prom.Handler())

	engine, err := tolk.NewEngine(tolk.Options{
		Gateway:          gateway,
		Signer:           sig,
		Sink:             sink,
		Translator:       translator,
		Observer:         obs,
		Logger:           logger,
		Params:           cfg.Params(),
		Session:          cfg.Session(),
		TranslateTimeout: cfg.Translate().Timeout,
		Captions:         cfg.Transcript.Captions,
	})
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()

	var opts []runner.Option
	if showBanner {
		opts = append(opts, runner.WithBanner(os.Stdout))
	}
	lifecycle := runner.NewLifecycleRunner(engine, runner.Hooks{
		OnStart: func(context.Context) error {
			fields := []any{}
			for k, v := range gateway.ReadyFields() {
				fields = append(fields, k, v)
			}
			logger.Info("tolk_ready", fields...)
			return nil
		},
		OnStop: cancelEngine,
	}, cfg.DrainTimeout(), opts...)

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		err := engine.Run(engineCtx)
		stop()
		return err
	})
	g.Go(func() error {
		err := lifecycle.Run(gctx)
		if err != nil {
			logger.Warn("tolk_stop", "error", err, "state", lifecycle.State().String())
		}
		return nil
	})
	return g.Wait()
}

func openSink(cfg config.Config) (transcript.Sink, io.Closer, error) {
	switch strings.ToLower(cfg.Transcript.Format) {
	case "jsonl":
		s, err := transcript.OpenJSONLSink(cfg.Transcript.Path, cfg.Transcript.Truncate)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		s, err := transcript.OpenTextSink(cfg.Transcript.Path, cfg.Transcript.Truncate, cfg.TranscriptLocation())
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
}
