package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/heapgate"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage heapgate configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.heapgate/" + heapgate.DefaultConfigFileName
	if dir, err := heapgate.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, heapgate.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default heapgate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := heapgate.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, heapgate.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the CLI flags so a generated file can be read back
// by viper.
type configDefaults struct {
	Listen                    string `yaml:"listen"`
	StatusListen              string `yaml:"status-listen"`
	MetricsListen             string `yaml:"metrics-listen"`
	PprofListen               string `yaml:"pprof-listen"`
	EnableProfilingMetrics    bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint              string `yaml:"otlp-endpoint"`
	HeapSource                string `yaml:"heap-source"`
	HeapBudget                string `yaml:"heap-budget"`
	FloorProfile              string `yaml:"floor-profile"`
	MaxQueued                 int    `yaml:"max-queued"`
	MaxParallel               int    `yaml:"max-parallel"`
	QueueHeapRequired         string `yaml:"queue-heap-required"`
	RequestHeapRequired       string `yaml:"request-heap-required"`
	IdleTimeout               string `yaml:"idle-timeout"`
	MaxHeaderBytes            string `yaml:"max-header-bytes"`
	MaxBodyBytes              string `yaml:"max-body-bytes"`
	StartBlock                string `yaml:"start-block"`
	SendBuffer                string `yaml:"send-buffer"`
	ShutdownTimeout           string `yaml:"shutdown-timeout"`
	StaticDir                 string `yaml:"static-dir"`
	StaticURI                 string `yaml:"static-uri"`
	StaticCacheControl        string `yaml:"static-cache-control"`
	AdminPrefix               string `yaml:"admin-prefix"`
	ConnguardEnabled          bool   `yaml:"connguard-enabled"`
	ConnguardFailureThreshold int    `yaml:"connguard-failure-threshold"`
	ConnguardFailureWindow    string `yaml:"connguard-failure-window"`
	ConnguardBlockDuration    string `yaml:"connguard-block-duration"`
	LSFEnabled                bool   `yaml:"lsf-enabled"`
	LSFSampleInterval         string `yaml:"lsf-sample-interval"`
	LSFLogInterval            string `yaml:"lsf-log-interval"`
	LogLevel                  string `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	cfg := heapgate.DefaultConfig()
	defaults := configDefaults{
		Listen:                    cfg.Listen,
		StatusListen:              cfg.StatusListen,
		MetricsListen:             cfg.MetricsListen,
		PprofListen:               cfg.PprofListen,
		EnableProfilingMetrics:    cfg.EnableProfilingMetrics,
		OTLPEndpoint:              cfg.OTLPEndpoint,
		HeapSource:                cfg.HeapSource,
		FloorProfile:              cfg.FloorProfile,
		MaxQueued:                 cfg.Limits.MaxQueued,
		MaxParallel:               cfg.Limits.MaxParallel,
		QueueHeapRequired:         humanizeBytes(cfg.Limits.QueueHeapRequired),
		RequestHeapRequired:       humanizeBytes(cfg.Limits.RequestHeapRequired),
		IdleTimeout:               cfg.IdleTimeout.String(),
		MaxHeaderBytes:            humanizeBytes(uint64(cfg.MaxHeaderBytes)),
		MaxBodyBytes:              humanizeBytes(uint64(cfg.MaxBodyBytes)),
		StartBlock:                humanizeBytes(cfg.StartBlock),
		SendBuffer:                humanizeBytes(uint64(cfg.SendBuffer)),
		ShutdownTimeout:           cfg.ShutdownTimeout.String(),
		StaticDir:                 cfg.StaticDir,
		StaticURI:                 cfg.StaticURI,
		StaticCacheControl:        cfg.StaticCacheControl,
		AdminPrefix:               cfg.AdminPrefix,
		ConnguardEnabled:          cfg.Connguard.Enabled,
		ConnguardFailureThreshold: cfg.Connguard.FailureThreshold,
		ConnguardFailureWindow:    cfg.Connguard.FailureWindow.String(),
		ConnguardBlockDuration:    cfg.Connguard.BlockDuration.String(),
		LSFEnabled:                cfg.LSF.Enabled,
		LSFSampleInterval:         cfg.LSF.SampleInterval.String(),
		LSFLogInterval:            cfg.LSF.LogInterval.String(),
		LogLevel:                  "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
