package config

import (
	"runtime"
	"strings"
	"time"
)

// Client class names used as keys of ServerConfig.OutputBufferLimits.
const (
	ClassNormal  = "normal"
	ClassReplica = "replica"
	ClassPubsub  = "pubsub"
)

// ApplyDefaults fills in zero values with the shipped defaults. Explicit
// zeroes that are meaningful (MaxMemory, per-class limits) are left
// alone.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)

	s := &cfg.Server
	if s.Port == 0 && s.UnixSocket == "" {
		s.Port = 6399
	}
	if s.Threads == 0 {
		s.Threads = defaultThreads()
	}
	if s.MaxClients == 0 {
		s.MaxClients = 10000
	}
	if s.MaxQuerybufLen == 0 {
		s.MaxQuerybufLen = 1 << 30 // 1gb
	}
	if s.ProtoMaxBulkLen == 0 {
		s.ProtoMaxBulkLen = 512 << 20 // 512mb
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}

	if s.OutputBufferLimits == nil {
		s.OutputBufferLimits = map[string]OutputBufferLimit{}
	}
	if _, ok := s.OutputBufferLimits[ClassNormal]; !ok {
		// Normal clients are unlimited by default; they consume what
		// they ask for.
		s.OutputBufferLimits[ClassNormal] = OutputBufferLimit{}
	}
	if _, ok := s.OutputBufferLimits[ClassReplica]; !ok {
		s.OutputBufferLimits[ClassReplica] = OutputBufferLimit{
			HardLimit:   256 << 20,
			SoftLimit:   64 << 20,
			SoftSeconds: 60,
		}
	}
	if _, ok := s.OutputBufferLimits[ClassPubsub]; !ok {
		s.OutputBufferLimits[ClassPubsub] = OutputBufferLimit{
			HardLimit:   32 << 20,
			SoftLimit:   8 << 20,
			SoftSeconds: 60,
		}
	}

	if cfg.Store.Type == "" {
		cfg.Store.Type = "memory"
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9121"
	}
}

// defaultThreads picks the event-loop thread count for this machine: one
// per core, bounded to keep per-thread state reasonable.
func defaultThreads() int {
	n := runtime.NumCPU()
	if n < 2 {
		return 2
	}
	if n > 8 {
		return 8
	}
	return n
}
