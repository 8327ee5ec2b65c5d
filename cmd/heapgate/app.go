package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/heapgate"
	"pkt.systems/heapgate/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("HEAPGATE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "heapgate")
	root := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	failed, err := root.ExecuteContextC(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			if failed == root {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// humanizeBytes renders n for flag defaults and generated configs. Sizes the
// short form would round are printed as plain numbers.
func humanizeBytes(n uint64) string {
	s := strings.ReplaceAll(humanize.IBytes(n), " ", "")
	if back, err := humanize.ParseBytes(s); err != nil || back != n {
		return strconv.FormatUint(n, 10)
	}
	return s
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := heapgate.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, heapgate.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg heapgate.Config

	cmd := &cobra.Command{
		Use:           "heapgate",
		Short:         "heapgate is an HTTP server that admits and schedules requests by free heap",
		SilenceErrors: true,
		Example: `
  # Serve ./www with at most 4 requests in flight and 16 tracked
  heapgate --static-dir ./www --max-parallel 4 --max-queued 16

  # Size the runtime heap view explicitly and refuse work under 32KiB free
  heapgate --heap-budget 8MiB --request-heap-required 32KiB

  # Use the host's free memory instead of the Go runtime view
  HEAPGATE_HEAP_SOURCE=system heapgate

  # Expose the status dump and Prometheus metrics on loopback
  heapgate --status-listen 127.0.0.1:8081 --metrics-listen 127.0.0.1:9464
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to heapgate",
				"app", "heapgate",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := heapgate.NewServer(cfg, heapgate.WithLogger(logger))
			if err != nil {
				return err
			}
			if configFile != "" {
				watchQueueLimits(server, cliLogger)
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), server.Config().ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			defer func() {
				_ = server.Close()
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, heapgate.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.heapgate/"+heapgate.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.StringP("listen", "l", heapgate.DefaultListen, "listen address")
	flags.String("status-listen", heapgate.DefaultStatusListen, "status dump listen address (empty disables)")
	flags.String("metrics-listen", heapgate.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", heapgate.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("heap-source", heapgate.DefaultHeapSource, "heap oracle (runtime or system)")
	flags.String("heap-budget", "", "byte budget for the runtime heap oracle (blank uses GOMEMLIMIT)")
	flags.String("floor-profile", heapgate.DefaultFloorProfile, "safety floors below which connections are dropped (default or compact)")
	flags.Int("max-queued", 0, "maximum tracked requests before new connections get 503 (0 is unbounded)")
	flags.Int("max-parallel", 0, "maximum requests processed at once (0 is unbounded)")
	flags.String("queue-heap-required", "0", "free heap needed to admit a connection")
	flags.String("request-heap-required", "0", "free heap needed to start a queued request")
	flags.Duration("idle-timeout", heapgate.DefaultIdleTimeout, "close admitted connections that stay silent this long")
	flags.String("max-header-bytes", humanizeBytes(heapgate.DefaultMaxHeaderBytes), "maximum request line plus headers")
	flags.String("max-body-bytes", humanizeBytes(heapgate.DefaultMaxBodyBytes), "maximum request body")
	flags.String("start-block", humanizeBytes(heapgate.DefaultStartBlock), "largest free block a queued request needs to start next to active ones")
	flags.String("send-buffer", humanizeBytes(heapgate.DefaultSendBuffer), "bytes queued per connection but not yet written")
	flags.Duration("shutdown-timeout", heapgate.DefaultShutdownTimeout, "how long shutdown waits for requests to finish")
	flags.String("static-dir", "", "serve files from this directory")
	flags.String("static-uri", "/", "path prefix for --static-dir")
	flags.String("static-cache-control", heapgate.DefaultStaticCacheControl, "Cache-Control sent with static files (enables ETags)")
	flags.String("admin-prefix", "", "serve the status dump on the main listener to connections accepted on a local address in this prefix")
	flags.Bool("connguard-enabled", true, "enable listener-level connection guarding")
	flags.Int("connguard-failure-threshold", heapgate.DefaultConnguardFailureThreshold, "client failures (idle timeouts, oversized headers) before blocking an IP")
	flags.Duration("connguard-failure-window", heapgate.DefaultConnguardFailureWindow, "window used to count client failures")
	flags.Duration("connguard-block-duration", heapgate.DefaultConnguardBlockDuration, "time to block an IP after reaching the failure threshold")
	flags.Bool("lsf-enabled", true, "enable the heap and load sampler")
	flags.Duration("lsf-sample-interval", heapgate.DefaultLSFSampleInterval, "sampling interval for heap and load")
	flags.Duration("lsf-log-interval", heapgate.DefaultLSFLogInterval, "interval between sampler logs (set 0 to disable)")

	viper.SetEnvPrefix("HEAPGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range configKeys {
		flag := lookupFlag(cmd, name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if flag := cmd.Flags().Lookup(name); flag != nil {
		return flag
	}
	return cmd.PersistentFlags().Lookup(name)
}

var configKeys = []string{
	"config", "log-level",
	"listen", "status-listen", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	"heap-source", "heap-budget", "floor-profile",
	"max-queued", "max-parallel", "queue-heap-required", "request-heap-required",
	"idle-timeout", "max-header-bytes", "max-body-bytes", "start-block", "send-buffer", "shutdown-timeout",
	"static-dir", "static-uri", "static-cache-control", "admin-prefix",
	"connguard-enabled", "connguard-failure-threshold", "connguard-failure-window", "connguard-block-duration",
	"lsf-enabled", "lsf-sample-interval", "lsf-log-interval",
}

func bindConfig(cfg *heapgate.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.StatusListen = viper.GetString("status-listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.HeapSource = viper.GetString("heap-source")
	cfg.FloorProfile = viper.GetString("floor-profile")

	sizes := []struct {
		key string
		set func(uint64)
	}{
		{"heap-budget", func(v uint64) { cfg.HeapBudget = v }},
		{"max-header-bytes", func(v uint64) { cfg.MaxHeaderBytes = int(v) }},
		{"max-body-bytes", func(v uint64) { cfg.MaxBodyBytes = int64(v) }},
		{"start-block", func(v uint64) { cfg.StartBlock = v }},
		{"send-buffer", func(v uint64) { cfg.SendBuffer = int(v) }},
	}
	for _, size := range sizes {
		v, err := parseBytes(size.key)
		if err != nil {
			return err
		}
		size.set(v)
	}
	limits, err := queueLimitsFromViper()
	if err != nil {
		return err
	}
	cfg.Limits = limits

	cfg.IdleTimeout = viper.GetDuration("idle-timeout")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.StaticDir = viper.GetString("static-dir")
	cfg.StaticURI = viper.GetString("static-uri")
	cfg.StaticCacheControl = viper.GetString("static-cache-control")
	cfg.AdminPrefix = viper.GetString("admin-prefix")
	cfg.Connguard.Enabled = viper.GetBool("connguard-enabled")
	cfg.Connguard.FailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.Connguard.FailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.Connguard.BlockDuration = viper.GetDuration("connguard-block-duration")
	cfg.LSF.Enabled = viper.GetBool("lsf-enabled")
	cfg.LSF.SampleInterval = viper.GetDuration("lsf-sample-interval")
	cfg.LSF.LogInterval = viper.GetDuration("lsf-log-interval")
	if cfg.LSF.LogInterval == 0 {
		// An explicit 0 disables sampler logs; Validate treats 0 as unset.
		cfg.LSF.LogInterval = -1
	}
	return cfg.Validate()
}

// parseBytes reads a humanized size ("4KiB", "65536") from viper. Blank is
// zero.
func parseBytes(key string) (uint64, error) {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return 0, nil
	}
	v, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func queueLimitsFromViper() (heapgate.QueueLimits, error) {
	limits := heapgate.QueueLimits{
		MaxQueued:   viper.GetInt("max-queued"),
		MaxParallel: viper.GetInt("max-parallel"),
	}
	if limits.MaxQueued < 0 || limits.MaxParallel < 0 {
		return heapgate.QueueLimits{}, fmt.Errorf("max-queued and max-parallel must be >= 0")
	}
	var err error
	if limits.QueueHeapRequired, err = parseBytes("queue-heap-required"); err != nil {
		return heapgate.QueueLimits{}, err
	}
	if limits.RequestHeapRequired, err = parseBytes("request-heap-required"); err != nil {
		return heapgate.QueueLimits{}, err
	}
	return limits, nil
}

// watchQueueLimits re-applies the queue limits whenever the config file
// changes. Other settings need a restart.
func watchQueueLimits(srv *heapgate.Server, logger pslog.Logger) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		limits, err := queueLimitsFromViper()
		if err != nil {
			logger.Warn("config reload rejected", "path", e.Name, "error", err)
			return
		}
		if limits == srv.QueueLimits() {
			return
		}
		logger.Info("config reloaded", "path", e.Name, "op", e.Op.String())
		srv.SetQueueLimits(limits)
	})
	viper.WatchConfig()
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
