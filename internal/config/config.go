package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// EnvPrefix prefixes every environment override, e.g. RTESTIMATE_MODEL_POPULATION.
const EnvPrefix = "RTESTIMATE"

type Config struct {
	Source  Source  `yaml:"source" envconfig:"SOURCE"`
	Model   Model   `yaml:"model" envconfig:"MODEL"`
	Sampler Sampler `yaml:"sampler" envconfig:"SAMPLER"`
	Output  Output  `yaml:"output" envconfig:"OUTPUT"`
	Server  Server  `yaml:"server" envconfig:"SERVER"`
	Logging Logging `yaml:"logging" envconfig:"LOGGING"`
}

type Source struct {
	URL        string        `yaml:"url" envconfig:"URL" validate:"required"`
	Region     string        `yaml:"region" envconfig:"REGION" validate:"required"`
	DateLayout string        `yaml:"date_layout" envconfig:"DATE_LAYOUT" validate:"required"`
	Columns    Columns       `yaml:"columns" envconfig:"COLUMNS"`
	Timeout    time.Duration `yaml:"timeout" envconfig:"TIMEOUT" validate:"gte=0s"`
}

// Columns names the CSV headers the fetcher looks up.
type Columns struct {
	Region    string `yaml:"region" envconfig:"REGION" validate:"required"`
	Date      string `yaml:"date" envconfig:"DATE" validate:"required"`
	Positive  string `yaml:"positive" envconfig:"POSITIVE" validate:"required"`
	Recovered string `yaml:"recovered" envconfig:"RECOVERED" validate:"required"`
}

type Model struct {
	Population      int64  `yaml:"population" envconfig:"POPULATION" validate:"gt=0"`
	RecoveryLagDays int    `yaml:"recovery_lag_days" envconfig:"RECOVERY_LAG_DAYS" validate:"gt=0"`
	StanFile        string `yaml:"stan_file" envconfig:"STAN_FILE" validate:"required"`
	ParameterPrefix string `yaml:"parameter_prefix" envconfig:"PARAMETER_PREFIX" validate:"required"`
}

type Sampler struct {
	CmdStanPath string `yaml:"cmdstan_path" envconfig:"CMDSTAN_PATH"`
	Chains      int    `yaml:"chains" envconfig:"CHAINS" validate:"gte=1"`
	Seed        int64  `yaml:"seed" envconfig:"SEED" validate:"gte=0"`
	Warmup      int    `yaml:"warmup" envconfig:"WARMUP" validate:"gte=1"`
	Samples     int    `yaml:"samples" envconfig:"SAMPLES" validate:"gte=1"`
	Thin        int    `yaml:"thin" envconfig:"THIN" validate:"gte=1"`
}

type Output struct {
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR"`
}

type Server struct {
	Port int `yaml:"port" envconfig:"PORT" validate:"gte=1,lte=65535"`
}

type Logging struct {
	Level string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`
}

// ConfigDir returns the XDG config directory for rtestimate.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "rtestimate")
}

// DataDir returns the XDG data directory for rtestimate.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "rtestimate")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/rtestimate/config.yaml > ./config.yaml.
// An empty result with a nil error means the embedded defaults apply.
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", nil
}

// Load reads and parses a config YAML file. An empty path loads the
// embedded defaults. Environment overrides and validation are applied.
func Load(path string) (*Config, error) {
	data := DefaultConfigYAML
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Source: Source{
			URL:        "https://dl.dropboxusercontent.com/s/6mztoeb6xf78g5w/COVID-19.csv",
			Region:     "東京都",
			DateLayout: "1/2/2006",
			Columns: Columns{
				Region:    "居住都道府県",
				Date:      "確定日",
				Positive:  "人数",
				Recovered: "退院数",
			},
		},
		Model: Model{
			Population:      13_942_856,
			RecoveryLagDays: 21,
			StanFile:        "SIR.stan",
			ParameterPrefix: "R_param",
		},
		Sampler: Sampler{
			Chains:  2,
			Seed:    123,
			Warmup:  200,
			Samples: 200,
			Thin:    2,
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "info"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	return cfg, nil
}

// Validate checks field constraints declared in the struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
