package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acmacalister/frpauth"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to settings file (default: search ./frpauth.yaml, ~/.frpauth/, /etc/frpauth/)")
		policyPath = flag.String("policy", "", "path to policy file (overrides policy.file)")
		genConfig  = flag.Bool("gen-config", false, "write example frpauth.yaml and exit")
		genPolicy  = flag.String("gen-policy", "", "write an example policy file at path and exit")
		check      = flag.Bool("check", false, "validate the policy file and exit")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *genConfig {
		if err := frpauth.WriteExampleConfig("frpauth.yaml"); err != nil {
			fmt.Fprintln(os.Stderr, "generate config:", err)
			os.Exit(1)
		}
		fmt.Println("Generated frpauth.yaml")
		return
	}

	if *genPolicy != "" {
		if err := frpauth.WriteExamplePolicy(*genPolicy); err != nil {
			fmt.Fprintln(os.Stderr, "generate policy:", err)
			os.Exit(1)
		}
		fmt.Printf("Generated %s\n", *genPolicy)
		return
	}

	cfg, err := frpauth.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if *policyPath != "" {
		cfg.Policy.File = *policyPath
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	logger, closer, err := frpauth.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "set up logging:", err)
		os.Exit(1)
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(logger)

	if *check {
		policy, err := frpauth.LoadConfiguration(cfg.Policy.File)
		if err != nil {
			logger.Error("policy invalid", "error", err)
			os.Exit(1)
		}
		logger.Info("policy ok", "path", cfg.Policy.File, "users", policy.UserIDs())
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *frpauth.Config, logger *slog.Logger) error {
	unknownOps, err := frpauth.ParseUnknownOpPolicy(cfg.Policy.UnknownOps)
	if err != nil {
		return err
	}

	var metrics *frpauth.Metrics
	if cfg.Admin.Metrics {
		metrics = frpauth.NewMetrics()
		logger.Info("prometheus metrics enabled at /metrics")
	}

	store := frpauth.NewStore()

	reloader := frpauth.NewReloader(cfg.Policy.File, store)
	reloader.Debounce = cfg.Policy.Debounce
	reloader.Logger = logger
	reloader.Metrics = metrics

	// A missing or broken policy at startup is not fatal: the service
	// starts with no users, rejects every Login, and reports not ready
	// until a reload succeeds.
	if _, err := reloader.Reload(frpauth.TriggerStartup); err != nil {
		logger.Warn("initial policy load failed, starting with an empty policy", "path", cfg.Policy.File)
	}

	if cfg.Policy.Watch {
		fw, err := reloader.WatchFile()
		if err != nil {
			logger.Warn("policy file watch disabled", "error", err)
		} else {
			defer fw.Cancel()
		}
	}

	sighup := frpauth.WatchSIGHUP(reloader, logger)
	defer sighup.Cancel()

	handler := frpauth.NewHandler(store)
	handler.UnknownOps = unknownOps
	handler.Logger = logger
	handler.DecisionLog = frpauth.NewDecisionLogger(logger)
	handler.Metrics = metrics

	health := frpauth.NewHealthChecker()
	health.ReadinessChecks = append(health.ReadinessChecks, frpauth.PolicyLoadedCheck(store))

	srv := frpauth.NewServer(cfg.Server.Addr(), handler)
	srv.Logger = logger
	srv.Health = health
	srv.Metrics = metrics
	srv.MaxBodySize = cfg.Server.MaxBodySize
	srv.ReadTimeout = cfg.Server.ReadTimeout
	srv.WriteTimeout = cfg.Server.WriteTimeout
	srv.IdleTimeout = cfg.Server.IdleTimeout

	if cfg.Admin.Enabled {
		admin := frpauth.NewAdminAPI(store, reloader)
		admin.Logger = logger
		admin.Health = health
		srv.Admin = admin
		if cfg.Admin.Compress {
			cc := frpauth.DefaultCompressionConfig()
			srv.Compression = &cc
		}
	}
	if cfg.Admin.RateLimit > 0 {
		srv.RateLimiter = frpauth.NewRateLimiter(cfg.Admin.RateLimit, cfg.Admin.RateBurst)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting frps auth plugin",
		"addr", cfg.Server.Addr(),
		"policy", cfg.Policy.File,
		"unknown_ops", string(unknownOps),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
