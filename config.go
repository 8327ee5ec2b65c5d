package heapgate

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/heapgate/internal/admission"
	"pkt.systems/heapgate/internal/connguard"
	"pkt.systems/heapgate/internal/heap"
	"pkt.systems/heapgate/internal/httpreq"
	"pkt.systems/heapgate/internal/lsf"
	"pkt.systems/heapgate/internal/scheduler"
	"pkt.systems/heapgate/internal/transport"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8080"
	// DefaultStatusListen is the default status listener (empty disables).
	DefaultStatusListen = ""
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultHeapSource selects the Go runtime allocator view.
	DefaultHeapSource = heap.SourceRuntime
	// DefaultFloorProfile selects the 8 KiB / 2 KiB safety floors.
	DefaultFloorProfile = heap.ProfileDefault
	// DefaultIdleTimeout bounds how long an admitted connection may stay silent.
	DefaultIdleTimeout = admission.DefaultIdleTimeout
	// DefaultMaxHeaderBytes caps the request line plus headers.
	DefaultMaxHeaderBytes = httpreq.DefaultMaxHeaderBytes
	// DefaultMaxBodyBytes caps request bodies.
	DefaultMaxBodyBytes = httpreq.DefaultMaxBodyBytes
	// DefaultStartBlock is the largest block a queued request needs before it
	// starts while others are active.
	DefaultStartBlock = httpreq.DefaultStartBlock
	// DefaultSendBuffer bounds bytes queued per connection but not yet written.
	DefaultSendBuffer = transport.DefaultSendBuffer
	// DefaultShutdownTimeout caps how long Shutdown waits for requests to finish.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultStaticCacheControl is sent with static files when none is set.
	DefaultStaticCacheControl = ""
	// DefaultConnguardFailureThreshold is the number of client failures that
	// blocks a remote.
	DefaultConnguardFailureThreshold = 5
	// DefaultConnguardFailureWindow is the rolling window for client failures.
	DefaultConnguardFailureWindow = 30 * time.Second
	// DefaultConnguardBlockDuration controls how long a remote stays blocked.
	DefaultConnguardBlockDuration = 5 * time.Minute
	// DefaultLSFSampleInterval configures how often the sampler runs.
	DefaultLSFSampleInterval = time.Second
	// DefaultLSFLogInterval controls how often heapgate.lsf.sample is logged.
	DefaultLSFLogInterval = 15 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a heapgate server.
type Config struct {
	// Listen is the server bind address (for example ":8080").
	Listen string `yaml:"listen"`
	// StatusListen serves the status dump over HTTP; empty disables it.
	StatusListen string `yaml:"status_listen"`
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string `yaml:"metrics_listen"`
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string `yaml:"pprof_listen"`
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool `yaml:"profiling_metrics"`
	// OTLPEndpoint receives traces (grpc://, grpcs://, http://, https:// or host:port).
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// HeapSource selects the heap oracle ("runtime" or "system").
	HeapSource string `yaml:"heap_source"`
	// HeapBudget is the byte budget for the runtime oracle. Zero uses GOMEMLIMIT.
	HeapBudget uint64 `yaml:"heap_budget"`
	// FloorProfile selects the platform safety floors ("default" or "compact").
	FloorProfile string `yaml:"floor_profile"`
	// Limits bounds the request queue. Zero fields are unbounded.
	Limits scheduler.Limits `yaml:"limits"`

	// IdleTimeout bounds how long an admitted connection may stay silent.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// MaxHeaderBytes caps the request line plus headers.
	MaxHeaderBytes int `yaml:"max_header_bytes"`
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// StartBlock is the largest block a queued request needs before it starts
	// next to active requests.
	StartBlock uint64 `yaml:"start_block"`
	// SendBuffer bounds bytes queued per connection but not yet written.
	SendBuffer int `yaml:"send_buffer"`
	// ShutdownTimeout caps how long Shutdown waits for requests to finish.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// StaticDir serves files from this directory when set.
	StaticDir string `yaml:"static_dir"`
	// StaticURI is the path prefix for StaticDir.
	StaticURI string `yaml:"static_uri"`
	// StaticCacheControl is sent with static files and enables ETags.
	StaticCacheControl string `yaml:"static_cache_control"`
	// AdminPrefix limits the status endpoint on the main listener to
	// connections accepted on a local address in this prefix. Empty disables
	// the endpoint.
	AdminPrefix string `yaml:"admin_prefix"`

	// Connguard blocks remotes that keep failing.
	Connguard connguard.ConnectionGuardConfig `yaml:"connguard"`
	// LSF samples heap and load.
	LSF lsf.Config `yaml:"lsf"`
}

// DefaultConfig returns a config with every default filled in.
func DefaultConfig() Config {
	cfg := Config{
		Connguard: connguard.ConnectionGuardConfig{Enabled: true},
		LSF:       lsf.Config{Enabled: true},
	}
	_ = cfg.Validate()
	return cfg
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	c.HeapSource = strings.ToLower(strings.TrimSpace(c.HeapSource))
	if c.HeapSource == "" {
		c.HeapSource = DefaultHeapSource
	}
	switch c.HeapSource {
	case heap.SourceRuntime, heap.SourceSystem:
	default:
		return fmt.Errorf("config: heap source must be %q or %q", heap.SourceRuntime, heap.SourceSystem)
	}
	c.FloorProfile = strings.ToLower(strings.TrimSpace(c.FloorProfile))
	if c.FloorProfile == "" {
		c.FloorProfile = DefaultFloorProfile
	}
	if _, err := heap.FloorsFor(c.FloorProfile); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Limits.MaxQueued < 0 {
		return fmt.Errorf("config: max queued must be >= 0")
	}
	if c.Limits.MaxParallel < 0 {
		return fmt.Errorf("config: max parallel must be >= 0")
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	} else if c.IdleTimeout < 0 {
		return fmt.Errorf("config: idle timeout must be >= 0")
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.StartBlock == 0 {
		c.StartBlock = DefaultStartBlock
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	c.StaticDir = strings.TrimSpace(c.StaticDir)
	if c.StaticURI == "" {
		c.StaticURI = "/"
	}
	if !strings.HasPrefix(c.StaticURI, "/") {
		return fmt.Errorf("config: static uri must start with /")
	}
	if c.AdminPrefix = strings.TrimSpace(c.AdminPrefix); c.AdminPrefix != "" {
		if _, err := netip.ParsePrefix(c.AdminPrefix); err != nil {
			return fmt.Errorf("config: admin prefix: %w", err)
		}
	}
	if c.Connguard.FailureThreshold <= 0 {
		c.Connguard.FailureThreshold = DefaultConnguardFailureThreshold
	}
	if c.Connguard.FailureWindow <= 0 {
		c.Connguard.FailureWindow = DefaultConnguardFailureWindow
	}
	if c.Connguard.BlockDuration <= 0 {
		c.Connguard.BlockDuration = DefaultConnguardBlockDuration
	}
	if c.LSF.SampleInterval <= 0 {
		c.LSF.SampleInterval = DefaultLSFSampleInterval
	}
	// A negative interval disables sampler logs and is left as is.
	if c.LSF.LogInterval == 0 {
		c.LSF.LogInterval = DefaultLSFLogInterval
	}
	return nil
}

// Floors returns the safety floors for the configured profile.
func (c Config) Floors() heap.Floors {
	f, err := heap.FloorsFor(c.FloorProfile)
	if err != nil {
		return heap.DefaultFloors
	}
	return f
}

func (c Config) requestConfig() httpreq.Config {
	return httpreq.Config{
		MaxHeaderBytes: c.MaxHeaderBytes,
		MaxBodyBytes:   c.MaxBodyBytes,
		StartBlock:     c.StartBlock,
	}
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.heapgate, or $HEAPGATE_CONFIG_DIR when set).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("HEAPGATE_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".heapgate"), nil
}
