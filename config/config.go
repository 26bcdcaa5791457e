// Package config loads the service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"hoopcast/logging"
	"hoopcast/ml"
)

// Config mirrors config.yaml.
type Config struct {
	Dataset struct {
		Path           string   `yaml:"path"`
		FeatureColumns []string `yaml:"feature_columns"`
		LabelColumn    string   `yaml:"label_column"`
		SeasonColumn   string   `yaml:"season_column"`
		Encoding       string   `yaml:"encoding"`
		InvalidCells   string   `yaml:"invalid_cells"`
		AutoRetrain    bool     `yaml:"auto_retrain"`
		TrainOnStart   bool     `yaml:"train_on_start"`
	} `yaml:"dataset"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Http struct {
		Port           int      `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		MaxBodyBytes   int64    `yaml:"max_body_bytes"`
	} `yaml:"http"`
	Log   logging.Config `yaml:"log"`
	Cache struct {
		Predictions int `yaml:"predictions"`
	} `yaml:"cache"`
	LLM struct {
		APIKey    string        `yaml:"api_key"`
		Model     string        `yaml:"model"`
		Timeout   time.Duration `yaml:"timeout"`
		MaxTokens int           `yaml:"max_tokens"`
	} `yaml:"llm"`
}

// Environment overrides.
const (
	EnvDatasetPath = "HOOPCAST_DATASET_PATH"
	EnvPort        = "PORT"
	EnvLLMKey      = "HOOPCAST_LLM_API_KEY"
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	var c Config
	c.Dataset.Path = "data/ncaa.csv"
	c.Dataset.FeatureColumns = []string{"AdjEM", "AdjO", "AdjD", "AdjT", "Luck"}
	c.Dataset.LabelColumn = "Win"
	c.Dataset.InvalidCells = string(ml.CellDrop)
	c.Http.Port = 5000
	c.Http.AllowedOrigins = []string{"*"}
	c.Http.MaxBodyBytes = 1 << 20
	c.Log.Level = "info"
	c.Cache.Predictions = 1024
	c.LLM.Model = "deepseek-chat"
	c.LLM.Timeout = 10 * time.Second
	c.LLM.MaxTokens = 200
	return &c
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	config := Default()
	file, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(config); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvDatasetPath); ok && v != "" {
		c.Dataset.Path = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		c.Http.Port = port
	}
	if v, ok := lookup(EnvLLMKey); ok && v != "" {
		c.LLM.APIKey = v
	}
	return nil
}

// Validate checks the fields the service cannot start without.
func (c *Config) Validate() error {
	if c.Dataset.Path == "" {
		return errors.New("dataset.path is required")
	}
	if len(c.Dataset.FeatureColumns) == 0 {
		return errors.New("dataset.feature_columns must not be empty")
	}
	seen := make(map[string]bool, len(c.Dataset.FeatureColumns))
	for _, name := range c.Dataset.FeatureColumns {
		if name == "" {
			return errors.New("dataset.feature_columns contains an empty name")
		}
		if seen[name] {
			return fmt.Errorf("dataset.feature_columns lists %q twice", name)
		}
		seen[name] = true
	}
	if c.Dataset.LabelColumn == "" {
		return errors.New("dataset.label_column is required")
	}
	if seen[c.Dataset.LabelColumn] {
		return fmt.Errorf("label column %q is also a feature", c.Dataset.LabelColumn)
	}
	if _, err := ml.ParseCellPolicy(c.Dataset.InvalidCells); err != nil {
		return fmt.Errorf("dataset.invalid_cells: %w", err)
	}
	if c.Http.Port <= 0 || c.Http.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.Http.Port)
	}
	return nil
}

// CellPolicy returns the parsed dataset.invalid_cells value.
func (c *Config) CellPolicy() ml.CellPolicy {
	policy, _ := ml.ParseCellPolicy(c.Dataset.InvalidCells)
	return policy
}
