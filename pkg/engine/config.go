package engine

import (
	"os"
	"time"

	"github.com/morezero/actbus/pkg/codec"
)

// LoadConfig controls the background load sampler and the optional load policy.
type LoadConfig struct {
	// SampleInterval is the sampling period. Zero disables the sampler.
	SampleInterval time.Duration
	// CheckPolicy rejects inbound requests with ProcessLoadError while overloaded.
	CheckPolicy bool
	// MaxHeapBytes is the heap size above which the process is overloaded. Zero disables the check.
	MaxHeapBytes uint64
	// MaxLag is the scheduling lag above which the process is overloaded. Zero disables the check.
	MaxLag time.Duration
}

// Config holds engine settings.
type Config struct {
	// Name identifies the service in logs and stats.
	Name string
	// DefaultTimeout applies to requests without timeout$.
	DefaultTimeout time.Duration
	// CrashOnFatal terminates the process after a fatal error.
	CrashOnFatal bool
	// Codec encodes envelopes. Nil means JSON.
	Codec codec.Codec
	// QueueGroupPrefix prefixes the queue group of request/reply subscriptions.
	QueueGroupPrefix string
	// MaxInFlight bounds the number of inbound messages handled concurrently.
	MaxInFlight int
	// Load configures the load sampler.
	Load LoadConfig
	// Exit terminates the process. Nil means os.Exit; tests inject their own.
	Exit func(code int)
}

// DefaultConfig returns the library defaults.
func DefaultConfig() Config {
	return Config{
		Name:             "actbus",
		DefaultTimeout:   2 * time.Second,
		CrashOnFatal:     true,
		Codec:            codec.JSON{},
		QueueGroupPrefix: "queue",
		MaxInFlight:      256,
		Load: LoadConfig{
			SampleInterval: time.Second,
			MaxLag:         70 * time.Millisecond,
		},
		Exit: os.Exit,
	}
}

// withDefaults fills the zero-valued fields that have no meaningful zero from
// DefaultConfig. CrashOnFatal and Load are left as given.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.Codec == nil {
		c.Codec = def.Codec
	}
	if c.QueueGroupPrefix == "" {
		c.QueueGroupPrefix = def.QueueGroupPrefix
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = def.MaxInFlight
	}
	if c.Exit == nil {
		c.Exit = def.Exit
	}
	return c
}
