package dcb

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DurabilityPolicy controls whether writes are fsynced before the caller
// is acknowledged.
type DurabilityPolicy string

const (
	FlushImmediately DurabilityPolicy = "flush_immediately"
	FlushDeferred    DurabilityPolicy = "flush_deferred"
)

// Options configures a store context. Zero value is invalid; call
// Validate (or go through Open, which calls it) before use.
type Options struct {
	RootPath               string        `yaml:"root_path"`
	Context                string        `yaml:"context"`
	Durability             DurabilityPolicy `yaml:"durability"`
	CrossProcessLockTimeout time.Duration `yaml:"lock_timeout"`
	PollingInterval        time.Duration `yaml:"polling_interval"`
	BatchSize              int           `yaml:"batch_size"`
	MaxConcurrentRebuilds  int           `yaml:"max_concurrent_rebuilds"`
	EnableAutoRebuild      bool          `yaml:"enable_auto_rebuild"`
}

// defaultRootPath is the platform-appropriate fallback directory used when
// no root_path is supplied by any configuration layer.
func defaultRootPath() string {
	return filepath.Join(os.TempDir(), "dcbstore")
}

// DefaultOptions returns an Options populated with spec defaults for
// everything except Context, which has no safe default and must be
// supplied by the caller or a config layer. RootPath defaults to a
// user-writable temp directory and can still be overridden by any layer.
func DefaultOptions() Options {
	return Options{
		RootPath:                defaultRootPath(),
		Durability:              FlushImmediately,
		CrossProcessLockTimeout: 10 * time.Second,
		PollingInterval:         5 * time.Second,
		BatchSize:               1000,
		MaxConcurrentRebuilds:   4,
		EnableAutoRebuild:       true,
	}
}

// Option is a functional override applied after all config layers are
// merged, per SPEC_FULL.md's configuration precedence.
type Option func(*Options)

// WithRootPath overrides RootPath.
func WithRootPath(path string) Option { return func(o *Options) { o.RootPath = path } }

// WithContext overrides Context.
func WithContext(name string) Option { return func(o *Options) { o.Context = name } }

// WithDurability overrides Durability.
func WithDurability(d DurabilityPolicy) Option { return func(o *Options) { o.Durability = d } }

// WithLockTimeout overrides CrossProcessLockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(o *Options) { o.CrossProcessLockTimeout = d }
}

// WithPollingInterval overrides PollingInterval.
func WithPollingInterval(d time.Duration) Option {
	return func(o *Options) { o.PollingInterval = d }
}

// WithBatchSize overrides BatchSize.
func WithBatchSize(n int) Option { return func(o *Options) { o.BatchSize = n } }

// WithMaxConcurrentRebuilds overrides MaxConcurrentRebuilds.
func WithMaxConcurrentRebuilds(n int) Option {
	return func(o *Options) { o.MaxConcurrentRebuilds = n }
}

// WithAutoRebuild overrides EnableAutoRebuild.
func WithAutoRebuild(enabled bool) Option { return func(o *Options) { o.EnableAutoRebuild = enabled } }

// Validate checks every recognized option and returns a single
// *ValidationError listing every violation found, per spec.md §4.12.
func (o Options) Validate() error {
	var violations []string

	if o.RootPath == "" {
		violations = append(violations, "root_path must not be empty")
	} else if !filepath.IsAbs(o.RootPath) {
		violations = append(violations, fmt.Sprintf("root_path %q must be an absolute path", o.RootPath))
	} else if strings.ContainsRune(o.RootPath, 0) {
		violations = append(violations, "root_path must not contain a NUL byte")
	}

	if o.Context == "" {
		violations = append(violations, "context must not be empty")
	} else if err := validateContextName(o.Context); err != nil {
		violations = append(violations, err.Error())
	}

	if o.Durability != FlushImmediately && o.Durability != FlushDeferred {
		violations = append(violations, fmt.Sprintf("durability has invalid value %q", o.Durability))
	}

	if o.CrossProcessLockTimeout < 100*time.Millisecond {
		violations = append(violations, fmt.Sprintf("lock_timeout %s is below the 100ms minimum", o.CrossProcessLockTimeout))
	}

	if o.PollingInterval < 100*time.Millisecond || o.PollingInterval > time.Hour {
		violations = append(violations, fmt.Sprintf("polling_interval %s must be within [100ms, 1h]", o.PollingInterval))
	}

	if o.BatchSize < 1 || o.BatchSize > 100_000 {
		violations = append(violations, fmt.Sprintf("batch_size %d must be within [1, 100000]", o.BatchSize))
	}

	if o.MaxConcurrentRebuilds < 1 || o.MaxConcurrentRebuilds > 64 {
		violations = append(violations, fmt.Sprintf("max_concurrent_rebuilds %d must be within [1, 64]", o.MaxConcurrentRebuilds))
	}

	if len(violations) > 0 {
		return &ValidationError{
			EventStoreError: EventStoreError{Op: "Options.Validate", Err: fmt.Errorf("%s", strings.Join(violations, "; "))},
			Field:           "options",
			Value:           strings.Join(violations, "; "),
		}
	}
	return nil
}

// reservedContextNames mirrors the names Windows reserves as device
// files; since the target platform is detected at runtime (spec.md §4.12
// forbids hard-coding to one OS), this list is always applied — it costs
// nothing on POSIX and saves a field trip on Windows.
var reservedContextNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true,
}

func validateContextName(name string) error {
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("context %q must not contain a NUL byte", name)
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("context %q must be a single directory name, not a path", name)
	}
	if reservedContextNames[strings.ToUpper(name)] {
		return fmt.Errorf("context %q is a reserved device name", name)
	}
	return nil
}

// =============================================================================
// Layered configuration loading — base YAML file, environment-specific
// .env file, environment variables, then programmatic Options, in that
// precedence order (SPEC_FULL.md, Configuration).
// =============================================================================

// LoadOptions merges configuration from, in increasing precedence: a base
// YAML file (baseYAMLPath, skipped if empty or missing), a .env file
// (envFilePath, skipped if empty or missing) loaded into the process
// environment, DCB_-prefixed environment variables, then the programmatic
// overrides. Validate is run once, after every layer is applied.
func LoadOptions(baseYAMLPath, envFilePath string, overrides ...Option) (Options, error) {
	opts := DefaultOptions()

	if baseYAMLPath != "" {
		if data, err := os.ReadFile(baseYAMLPath); err == nil {
			if err := yaml.Unmarshal(data, &opts); err != nil {
				return Options{}, &ValidationError{
					EventStoreError: EventStoreError{Op: "LoadOptions", Err: fmt.Errorf("parsing %s: %w", baseYAMLPath, err)},
					Field:           "base_yaml",
					Value:           baseYAMLPath,
				}
			}
		} else if !os.IsNotExist(err) {
			return Options{}, &ResourceError{
				EventStoreError: EventStoreError{Op: "LoadOptions", Err: err},
				Resource:        baseYAMLPath,
			}
		}
	}

	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil && !os.IsNotExist(err) {
			return Options{}, &ResourceError{
				EventStoreError: EventStoreError{Op: "LoadOptions", Err: err},
				Resource:        envFilePath,
			}
		}
	}

	applyEnvOverrides(&opts)

	for _, o := range overrides {
		o(&opts)
	}

	if opts.RootPath == "" {
		opts.RootPath = defaultRootPath()
	}

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func applyEnvOverrides(o *Options) {
	if v := os.Getenv("DCB_ROOT_PATH"); v != "" {
		o.RootPath = v
	}
	if v := os.Getenv("DCB_CONTEXT"); v != "" {
		o.Context = v
	}
	if v := os.Getenv("DCB_DURABILITY"); v != "" {
		o.Durability = DurabilityPolicy(v)
	}
	if v := os.Getenv("DCB_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			o.CrossProcessLockTimeout = d
		}
	}
	if v := os.Getenv("DCB_POLLING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			o.PollingInterval = d
		}
	}
	if v := os.Getenv("DCB_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			o.BatchSize = n
		}
	}
	if v := os.Getenv("DCB_MAX_CONCURRENT_REBUILDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			o.MaxConcurrentRebuilds = n
		}
	}
	if v := os.Getenv("DCB_ENABLE_AUTO_REBUILD"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			o.EnableAutoRebuild = b
		}
	}
}
