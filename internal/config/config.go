package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultProfile is the profile name used when GENAI_CONFIG_PROFILE is unset.
const DefaultProfile = "DEFAULT"

// GenAI configures the generative backend. Only the ask path needs it.
type GenAI struct {
	CompartmentID string `envconfig:"GENAI_COMPARTMENT_ID" required:"true"`
	Endpoint      string `envconfig:"GENAI_ENDPOINT" required:"true"`
	ModelID       string `envconfig:"GENAI_MODEL_ID" required:"true"`
	Profile       string `envconfig:"GENAI_CONFIG_PROFILE" default:"DEFAULT"`
	ConfigFile    string `envconfig:"GENAI_CONFIG_FILE" default:""` // empty = ~/.tenancy-assistant/config.yaml

	MaxTokens   int           `envconfig:"GENAI_MAX_TOKENS" default:"2048"`
	Temperature float64       `envconfig:"GENAI_TEMPERATURE" default:"0.1"`
	MaxRetries  int           `envconfig:"GENAI_MAX_RETRIES" default:"2"`
	Timeout     time.Duration `envconfig:"GENAI_TIMEOUT" default:"240s"`
}

// Runtime configures the core: cache, data source, orchestration bounds
// and observability.
type Runtime struct {
	FixtureFile string        `envconfig:"TENANCY_FIXTURE_FILE" default:""`
	CacheTTL    time.Duration `envconfig:"TENANCY_CACHE_TTL" default:"10m"`
	RedisAddr   string        `envconfig:"TENANCY_REDIS_ADDR" default:""`
	DataDir     string        `envconfig:"TENANCY_DATA_DIR" default:""`

	MaxRounds       int           `envconfig:"TENANCY_MAX_ROUNDS" default:"5"`
	ToolTimeout     time.Duration `envconfig:"TENANCY_TOOL_TIMEOUT" default:"60s"`
	FetchMaxRetries int           `envconfig:"TENANCY_FETCH_MAX_RETRIES" default:"2"`

	// WarmSchedule is a cron spec such as "@every 10m". A warm run only
	// fetches once the snapshot has expired, so intervals shorter than
	// CacheTTL leave some runs as plain cache hits.
	WarmSchedule     string   `envconfig:"TENANCY_WARM_SCHEDULE" default:""`
	WarmCompartments []string `envconfig:"TENANCY_WARM_COMPARTMENTS" default:""`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"`
}

// Profile holds per-profile credentials read from the YAML profile file.
// Other keys in a profile are ignored.
type Profile struct {
	APIKey string `yaml:"api_key"`
}

type profileFile struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// ConfigError reports a missing or malformed configuration value. It is
// fatal at startup and never retried.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// LoadDotEnv loads a .env file from the working directory if one exists.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// LoadGenAI reads the backend configuration from the environment.
func LoadGenAI() (*GenAI, error) {
	var cfg GenAI
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{Err: err}
	}
	if cfg.MaxTokens <= 0 {
		return nil, &ConfigError{Key: "GENAI_MAX_TOKENS", Err: errors.New("must be > 0")}
	}
	if cfg.MaxRetries < 0 {
		return nil, &ConfigError{Key: "GENAI_MAX_RETRIES", Err: errors.New("must be >= 0")}
	}
	return &cfg, nil
}

// LoadRuntime reads the core configuration from the environment.
func LoadRuntime() (*Runtime, error) {
	var cfg Runtime
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{Err: err}
	}
	if cfg.MaxRounds <= 0 {
		return nil, &ConfigError{Key: "TENANCY_MAX_ROUNDS", Err: errors.New("must be > 0")}
	}
	if cfg.CacheTTL <= 0 {
		return nil, &ConfigError{Key: "TENANCY_CACHE_TTL", Err: errors.New("must be > 0")}
	}
	if cfg.FetchMaxRetries < 0 {
		return nil, &ConfigError{Key: "TENANCY_FETCH_MAX_RETRIES", Err: errors.New("must be >= 0")}
	}
	if cfg.WarmSchedule != "" && len(cfg.WarmCompartments) == 0 {
		return nil, &ConfigError{Key: "TENANCY_WARM_COMPARTMENTS", Err: errors.New("required when TENANCY_WARM_SCHEDULE is set")}
	}
	return &cfg, nil
}

// RequireFixture returns the fixture path or a ConfigError when the tool
// server has no data source.
func (r *Runtime) RequireFixture() (string, error) {
	if r.FixtureFile == "" {
		return "", &ConfigError{Key: "TENANCY_FIXTURE_FILE", Err: errors.New("no tenancy data source configured")}
	}
	return r.FixtureFile, nil
}

// ProfilePath returns the profile file path, expanding the default.
func (g *GenAI) ProfilePath() string {
	if g.ConfigFile != "" {
		return g.ConfigFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tenancy-assistant", "config.yaml")
}

// LoadProfile reads the named profile from path. A missing file is only
// acceptable for the default profile, which then has no credentials.
func LoadProfile(path, name string) (*Profile, error) {
	if name == "" {
		name = DefaultProfile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && name == DefaultProfile {
			return &Profile{}, nil
		}
		return nil, &ConfigError{Key: "GENAI_CONFIG_FILE", Err: fmt.Errorf("reading %s: %w", path, err)}
	}
	return ParseProfile(data, name)
}

// ParseProfile parses profile YAML and returns the named profile.
func ParseProfile(data []byte, name string) (*Profile, error) {
	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, &ConfigError{Key: "GENAI_CONFIG_FILE", Err: fmt.Errorf("parsing profiles: %w", err)}
	}
	p, ok := pf.Profiles[name]
	if !ok {
		if name == DefaultProfile {
			return &Profile{}, nil
		}
		return nil, &ConfigError{Key: "GENAI_CONFIG_PROFILE", Err: fmt.Errorf("profile %q not found", name)}
	}
	p.APIKey = expandEnv(p.APIKey)
	return &p, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}
