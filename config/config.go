package config

import (
	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

// Config carries every tunable of the engine. Zero values are not usable;
// start from NewDefaultConfig and override.
type Config struct {
	LogLevel string   `toml:"log-level"`
	Xct      Xct      `toml:"xct"`
	Thread   Thread   `toml:"thread"`
	Log      Log      `toml:"log"`
	Memory   Memory   `toml:"memory"`
	Snapshot Snapshot `toml:"snapshot"`
}

type Xct struct {
	// EpochAdvanceIntervalMs is the epoch advancer tick. The global epoch
	// moves at least this often even with no traffic.
	EpochAdvanceIntervalMs int64 `toml:"epoch-advance-interval-ms"`
	// MaxReadSetSize / MaxWriteSetSize bound per-transaction footprints.
	MaxReadSetSize  int `toml:"max-read-set-size"`
	MaxWriteSetSize int `toml:"max-write-set-size"`
}

type Thread struct {
	// GroupCount is the number of NUMA nodes. It drives reducer fan-out and
	// worker placement.
	GroupCount int `toml:"group-count"`
	// ThreadsPerGroup is the number of worker contexts per node.
	ThreadsPerGroup int `toml:"threads-per-group"`
}

type Log struct {
	// LoggersPerNode is the mapper fan-out per node: each logger stream gets
	// one mapper during snapshots.
	LoggersPerNode int `toml:"loggers-per-node"`
}

type Memory struct {
	// UseNumaAlloc and InterleaveNumaAlloc are allocation-policy hints. The
	// Go runtime offers no NUMA placement, so they change no allocation or
	// buffer size; the snapshot manager only logs them at init.
	UseNumaAlloc        bool `toml:"use-numa-alloc"`
	InterleaveNumaAlloc bool `toml:"interleave-numa-alloc"`
}

type Snapshot struct {
	// Dir is where snapshot stores and metadata land.
	Dir string `toml:"dir"`
	// NonrecordLogBufferSize sizes the gleaner's shared buffer for
	// engine/storage logs, e.g. "2MB". The buffer grows on demand; this is
	// the initial reservation.
	NonrecordLogBufferSize string `toml:"nonrecord-log-buffer-size"`
	// MapperRateLimit caps mapper dispatch batches per second. 0 means
	// unlimited.
	MapperRateLimit int `toml:"mapper-rate-limit"`
}

// NewDefaultConfig returns the config a single-node engine runs with when
// nothing is specified.
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Xct: Xct{
			EpochAdvanceIntervalMs: 20,
			MaxReadSetSize:         4096,
			MaxWriteSetSize:        4096,
		},
		Thread: Thread{
			GroupCount:      1,
			ThreadsPerGroup: 4,
		},
		Log: Log{
			LoggersPerNode: 1,
		},
		Memory: Memory{
			UseNumaAlloc:        true,
			InterleaveNumaAlloc: true,
		},
		Snapshot: Snapshot{
			Dir:                    "/tmp/keel-snapshots",
			NonrecordLogBufferSize: "2MB",
			MapperRateLimit:        0,
		},
	}
}

// Validate rejects configs the engine cannot run with.
func (c *Config) Validate() error {
	if c.Xct.EpochAdvanceIntervalMs <= 0 {
		return errors.New("xct.epoch-advance-interval-ms must be positive")
	}
	if c.Thread.GroupCount <= 0 {
		return errors.New("thread.group-count must be positive")
	}
	if c.Thread.ThreadsPerGroup <= 0 {
		return errors.New("thread.threads-per-group must be positive")
	}
	if c.Log.LoggersPerNode <= 0 {
		return errors.New("log.loggers-per-node must be positive")
	}
	if c.Xct.MaxReadSetSize <= 0 || c.Xct.MaxWriteSetSize <= 0 {
		return errors.New("xct set size limits must be positive")
	}
	if _, err := c.NonrecordLogBufferBytes(); err != nil {
		return err
	}
	if c.Snapshot.MapperRateLimit < 0 {
		return errors.New("snapshot.mapper-rate-limit must not be negative")
	}
	return nil
}

// NonrecordLogBufferBytes parses the human-readable buffer size.
func (c *Config) NonrecordLogBufferBytes() (int64, error) {
	n, err := units.RAMInBytes(c.Snapshot.NonrecordLogBufferSize)
	if err != nil {
		return 0, errors.Errorf(
			"bad snapshot.nonrecord-log-buffer-size %q: %v",
			c.Snapshot.NonrecordLogBufferSize, err)
	}
	if n <= 0 {
		return 0, errors.New("snapshot.nonrecord-log-buffer-size must be positive")
	}
	return n, nil
}

// TotalWorkers is the number of worker contexts the engine creates.
func (c *Config) TotalWorkers() int {
	return c.Thread.GroupCount * c.Thread.ThreadsPerGroup
}

// TotalLoggers is the number of logger streams, and so the mapper fan-out of
// a snapshot.
func (c *Config) TotalLoggers() int {
	return c.Thread.GroupCount * c.Log.LoggersPerNode
}

// LoadFromFile reads a toml config file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	log.Infof("loaded config from %s: %d groups, %d workers, %d loggers",
		path, c.Thread.GroupCount, c.TotalWorkers(), c.TotalLoggers())
	return c, nil
}
