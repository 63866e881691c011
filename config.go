package refmap

import (
	"bytes"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultInitialCapacity is the default total initial capacity.
	DefaultInitialCapacity = 16
	// DefaultConcurrencyLevel is the default number of segments.
	DefaultConcurrencyLevel = 16
	// DefaultSoftRetention is how long a soft reference stays pinned
	// without being accessed.
	DefaultSoftRetention = time.Minute
)

// Config defines the construction parameters of a Map.
// The exported fields can be loaded from YAML or koanf.
type Config struct {
	// InitialCapacity is divided across segments, each segment rounding its
	// share up to a power of two.
	InitialCapacity int `yaml:"initial_capacity" koanf:"initial_capacity"`
	// ConcurrencyLevel is the expected number of concurrently writing
	// goroutines. The segment count is the next power of two, at most 1<<16.
	ConcurrencyLevel int           `yaml:"concurrency_level" koanf:"concurrency_level"`
	KeyStrength      Strength      `yaml:"key_strength" koanf:"key_strength"`
	ValueStrength    Strength      `yaml:"value_strength" koanf:"value_strength"`
	SoftRetention    time.Duration `yaml:"soft_retention" koanf:"soft_retention"`

	logger         *zerolog.Logger
	now            func() time.Time
	keyEquivalence any
	valueEqual     any
}

// DefaultConfig returns the configuration used when no option is given.
func DefaultConfig() Config {
	return Config{
		InitialCapacity:  DefaultInitialCapacity,
		ConcurrencyLevel: DefaultConcurrencyLevel,
		KeyStrength:      Strong,
		ValueStrength:    Strong,
		SoftRetention:    DefaultSoftRetention,
	}
}

func newConfig(options []func(*Config)) *Config {
	c := DefaultConfig()
	c.now = time.Now
	for _, o := range options {
		o(&c)
	}
	return &c
}

// Validate reports every invalid field. Each reported error wraps
// ErrInvalidArgument.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.InitialCapacity < 0 {
		result = multierror.Append(result, invalidArgument("initial_capacity must not be negative, got %d", c.InitialCapacity))
	}
	if c.ConcurrencyLevel <= 0 {
		result = multierror.Append(result, invalidArgument("concurrency_level must be positive, got %d", c.ConcurrencyLevel))
	}
	if c.KeyStrength > Soft {
		result = multierror.Append(result, invalidArgument("unknown key_strength %s", c.KeyStrength))
	}
	if c.ValueStrength > Soft {
		result = multierror.Append(result, invalidArgument("unknown value_strength %s", c.ValueStrength))
	}
	if c.SoftRetention <= 0 {
		result = multierror.Append(result, invalidArgument("soft_retention must be positive, got %s", c.SoftRetention))
	}
	return result.ErrorOrNil()
}

// ParseConfig decodes a YAML document over DefaultConfig and validates it.
// Unknown fields are rejected.
func ParseConfig(data []byte) (Config, error) {
	c := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return c, errors.Wrap(err, "refmap: parse config")
	}
	return c, c.Validate()
}

// LoadConfig unmarshals the koanf sub-tree at path (the root when empty)
// over DefaultConfig and validates it.
func LoadConfig(k *koanf.Koanf, path string) (Config, error) {
	c := DefaultConfig()
	if err := k.Unmarshal(path, &c); err != nil {
		return c, errors.Wrapf(err, "refmap: load config %q", path)
	}
	return c, c.Validate()
}

// WithInitialCapacity configures the total initial capacity.
func WithInitialCapacity(capacity int) func(*Config) {
	return func(c *Config) {
		c.InitialCapacity = capacity
	}
}

// WithConcurrencyLevel configures the number of segments.
func WithConcurrencyLevel(level int) func(*Config) {
	return func(c *Config) {
		c.ConcurrencyLevel = level
	}
}

// WithKeyStrength configures how keys are held.
func WithKeyStrength(s Strength) func(*Config) {
	return func(c *Config) {
		c.KeyStrength = s
	}
}

// WithValueStrength configures how values are held.
func WithValueStrength(s Strength) func(*Config) {
	return func(c *Config) {
		c.ValueStrength = s
	}
}

// WithSoftRetention configures how long an unaccessed soft reference stays
// pinned.
func WithSoftRetention(d time.Duration) func(*Config) {
	return func(c *Config) {
		c.SoftRetention = d
	}
}

// WithConfig copies the exported fields of cfg, typically obtained from
// ParseConfig or LoadConfig.
func WithConfig(cfg Config) func(*Config) {
	return func(c *Config) {
		c.InitialCapacity = cfg.InitialCapacity
		c.ConcurrencyLevel = cfg.ConcurrencyLevel
		c.KeyStrength = cfg.KeyStrength
		c.ValueStrength = cfg.ValueStrength
		c.SoftRetention = cfg.SoftRetention
	}
}

// WithLogger sets the logger for resize and eviction events.
func WithLogger(logger zerolog.Logger) func(*Config) {
	return func(c *Config) {
		c.logger = &logger
	}
}

// WithClock replaces time.Now for soft reference bookkeeping.
func WithClock(now func() time.Time) func(*Config) {
	return func(c *Config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithKeyEquivalence sets the key hashing and equality. Its type must
// match the map's key type.
func WithKeyEquivalence[K any](eq Equivalence[K]) func(*Config) {
	return func(c *Config) {
		c.keyEquivalence = eq
	}
}

// WithValueEqual sets the value equality used by CompareAndSwap and
// CompareAndDelete. Its type must match the map's value type.
func WithValueEqual[V any](equal func(a, b V) bool) func(*Config) {
	return func(c *Config) {
		if equal != nil {
			c.valueEqual = equal
		}
	}
}
