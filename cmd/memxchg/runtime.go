package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"go.opentelemetry.io/otel"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rocketbitz/memxchg/exchange"
	"github.com/rocketbitz/memxchg/peer"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		cli.BoolFlag{
			Name:   "debug",
			Usage:  "enable development logging at debug level",
			EnvVar: "MEMXCHG_DEBUG",
		},
		cli.StringFlag{
			Name:   "provider",
			Usage:  "libfabric provider, e.g. \"verbs;ofi_rxm\" or \"tcp\"",
			EnvVar: "MEMXCHG_PROVIDER",
		},
		cli.StringFlag{
			Name:   "mode",
			Value:  exchange.TwoSided.String(),
			Usage:  "dispatch mode: two-sided or one-sided",
			EnvVar: "MEMXCHG_MODE",
		},
		cli.StringFlag{
			Name:   "buffer-size",
			Value:  "2MiB+4KiB",
			Usage:  "registered buffer size; both peers must agree unless --layout=extended",
			EnvVar: "MEMXCHG_BUFFER_SIZE",
		},
		cli.StringFlag{
			Name:   "layout",
			Value:  exchange.LayoutCompact.String(),
			Usage:  "handshake descriptor layout: compact or extended",
			EnvVar: "MEMXCHG_LAYOUT",
		},
		cli.BoolFlag{
			Name:   "in-band",
			Usage:  "exchange buffer descriptors as the first message instead of connection data",
			EnvVar: "MEMXCHG_IN_BAND",
		},
		cli.BoolFlag{
			Name:   "huge-pages",
			Usage:  "back the buffer with huge pages when available",
			EnvVar: "MEMXCHG_HUGE_PAGES",
		},
		cli.DurationFlag{
			Name:   "timeout",
			Value:  exchange.DefaultCompletionTimeout,
			Usage:  "completion and connection timeout",
			EnvVar: "MEMXCHG_TIMEOUT",
		},
		cli.StringFlag{
			Name:   "profile-log",
			Usage:  "append per-exchange phase timings to this file",
			EnvVar: "MEMXCHG_PROFILE_LOG",
		},
		cli.StringFlag{
			Name:   "metrics-listen",
			Usage:  "serve Prometheus metrics on this address, e.g. :9464",
			EnvVar: "MEMXCHG_METRICS_LISTEN",
		},
	}
}

// runtime carries what every subcommand derives from the global flags.
type runtime struct {
	log        *zap.SugaredLogger
	exchange   exchange.Config
	peer       peer.Config
	hugePages  bool
	profileLog string
	metrics    *exchange.PrometheusMetrics
	server     *http.Server
}

func newRuntime(c *cli.Context) (*runtime, error) {
	log, err := newLogger(c.GlobalBool("debug"))
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		log:        log,
		hugePages:  c.GlobalBool("huge-pages"),
		profileLog: c.GlobalString("profile-log"),
	}

	mode, err := exchange.ParseDispatchMode(c.GlobalString("mode"))
	if err != nil {
		return nil, err
	}
	layout, err := exchange.ParseDescriptorLayout(c.GlobalString("layout"))
	if err != nil {
		return nil, err
	}
	size, err := exchange.ParseBufferSize(c.GlobalString("buffer-size"))
	if err != nil {
		return nil, err
	}
	timeout := c.GlobalDuration("timeout")
	inBand := c.GlobalBool("in-band")

	rt.exchange = exchange.Config{
		Mode:              mode,
		BufferSize:        size,
		CompletionTimeout: timeout,
		Layout:            layout,
		InBandDescriptor:  inBand,
		Logger:            log,
		StructuredLogger:  log,
		Tracer:            exchange.NewOTelTracer(otel.Tracer("memxchg")),
	}
	if err := rt.exchange.Validate(); err != nil {
		return nil, err
	}
	rt.peer = peer.Config{
		Provider:         c.GlobalString("provider"),
		ConnectTimeout:   timeout,
		InBandDescriptor: inBand,
		Logger:           log,
	}

	if addr := c.GlobalString("metrics-listen"); addr != "" {
		if err := rt.serveMetrics(addr); err != nil {
			return nil, err
		}
	}
	log.Infow("memxchg starting",
		"version", Version,
		"mode", mode.String(),
		"buffer_size", exchange.FormatBufferSize(size),
		"layout", layout.String(),
		"in_band", inBand)
	return rt, nil
}

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func (rt *runtime) serveMetrics(addr string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := exchange.NewPrometheusMetrics(exchange.PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		return err
	}
	rt.metrics = metrics
	rt.exchange.Metrics = metrics

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	rt.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := rt.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.log.Errorw("metrics server failed", "addr", addr, "error", err)
		}
	}()
	rt.log.Infow("serving metrics", "addr", addr)
	return nil
}

// allocBuffer maps the exchange buffer outside the Go heap.
func (rt *runtime) allocBuffer() (*exchange.Buffer, error) {
	buf, err := exchange.AllocBuffer(rt.exchange.BufferSize, rt.hugePages)
	if err != nil {
		return nil, err
	}
	rt.log.Debugw("buffer mapped", "size", exchange.FormatBufferSize(len(buf.Bytes())), "huge_pages", buf.HugePages())
	return buf, nil
}

// newSession opens the profile log, when configured, and builds the session
// over an established transport.
func (rt *runtime) newSession(registry *exchange.Registry, transport exchange.Transport) (*exchange.Session, error) {
	cfg := rt.exchange
	if rt.profileLog != "" {
		sink, err := exchange.OpenProfileLog(rt.profileLog)
		if err != nil {
			return nil, err
		}
		cfg.Profiler = exchange.NewProfiler(sink, cfg.Metrics)
	}
	s, err := exchange.NewSession(cfg, registry, transport)
	if err != nil {
		return nil, multierr.Append(err, cfg.Profiler.Close())
	}
	return s, nil
}

// handshake runs the in-band descriptor exchange when it is selected.
func (rt *runtime) handshake(ctx context.Context, s *exchange.Session) error {
	if !rt.exchange.InBandDescriptor {
		return nil
	}
	desc, err := s.ExchangeDescriptors(ctx)
	if err != nil {
		return err
	}
	rt.log.Infow("peer descriptor received", "peer", desc.String())
	return nil
}

func (rt *runtime) Close() error {
	var err error
	if rt.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err = rt.server.Shutdown(ctx)
		cancel()
	}
	_ = rt.log.Sync()
	return err
}

// fatal logs a session-ending error and returns it so main exits non-zero.
func (rt *runtime) fatal(msg string, err error) error {
	rt.log.Errorw(msg, "error", err, "fatal", exchange.IsFatal(err))
	return cli.NewExitError(err.Error(), 1)
}
