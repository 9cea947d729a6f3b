package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	alwaysoffline "github.com/ericselin/always-offline"
	"github.com/ericselin/always-offline/cache"
	"github.com/ericselin/always-offline/config"
	"github.com/ericselin/always-offline/connectivity"
	"github.com/ericselin/always-offline/deferred"
	"github.com/ericselin/always-offline/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	hostFlag           string
	dbFilenameFlag     string
	versionTagFlag     string
	probeIntervalFlag  time.Duration
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "DB file name, 'memory' for in-memory db (overrides config)")
	flag.StringVar(&versionTagFlag, "version-tag", "", "Partition version tag (overrides config)")
	flag.DurationVar(&probeIntervalFlag, "probe-interval", 0, "Connectivity probe interval, 0 to only sync on request (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	cfg, err := config.Load(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	overrideFromFlags(cfg)

	engineConfig, err := alwaysoffline.ConfigFromFile(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	store, err := cache.NewSQLiteStore(cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache db")
	}
	defer store.Close()
	queueStore, err := deferred.NewSQLiteStore(cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open deferred writes db")
	}
	defer queueStore.Close()

	engineConfig.Store = store
	engineConfig.Queue = deferred.NewQueue(queueStore, cfg.Retry, &log.Logger)
	engineConfig.Logger = &log.Logger
	engine := alwaysoffline.CreateEngine(engineConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.OnInstall(ctx); err != nil {
		log.Warn().Err(err).Msg("Installed with errors")
	}

	if cfg.Probe.Interval > 0 {
		probeURL := engineConfig.OriginURL
		probeURL.Path = cfg.Probe.Path
		monitor := connectivity.New(connectivity.Config{
			URL:      probeURL.String(),
			Interval: cfg.Probe.Interval,
			Timeout:  cfg.Probe.Timeout,
			Logger:   &log.Logger,
			OnProbe:  metrics.SetOnline,
			OnReconnect: func(ctx context.Context) {
				if err := engine.ReconnectAll(ctx); err != nil {
					log.Error().Err(err).Msg("Could not drain deferred writes")
				}
			},
		})
		monitor.Start(ctx)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(hlog.NewHandler(log.Logger))
	router.Use(hlog.RemoteAddrHandler("ip"))
	router.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Served")
	}))
	router.Route("/.offline", func(r chi.Router) {
		r.Handle("/metrics", metrics.Handler())
		r.Mount("/", engine.AdminHandler())
	})
	router.Handle("/*", engine)

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down server")
		}
	}()

	log.Info().Msgf("Proxying %s to %s (with hostname '%s')", cfg.Listen, engineConfig.OriginURL.String(), engineConfig.OriginHost)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	engine.Close()
	log.Info().Msg("Stopped")
}

func overrideFromFlags(cfg *config.Config) {
	if originFlag != "" {
		cfg.Origin = originFlag
	}
	if hostFlag != "" {
		cfg.OriginHost = hostFlag
	}
	if portFlag > 0 {
		cfg.Listen = fmt.Sprintf(":%d", portFlag)
	}
	if dbFilenameFlag != "" {
		cfg.DB = dbFilenameFlag
	}
	if versionTagFlag != "" {
		cfg.Version = versionTagFlag
	}
	if probeIntervalFlag > 0 {
		cfg.Probe.Interval = probeIntervalFlag
	}
}
