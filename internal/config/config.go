package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	LLM        LLMConfig        `yaml:"llm"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Experiment ExperimentConfig `yaml:"experiment"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	// mysql（生产）/ sqlite（本地、测试）
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	Charset  string `yaml:"charset"`
	// sqlite 文件路径
	Path string `yaml:"path"`
	// 非空时直接作为 DSN 使用（覆盖上面的拼接）
	DSN string `yaml:"dsn"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// json / console
	Format string `yaml:"format"`
}

type LLMConfig struct {
	TimeoutSeconds int                       `yaml:"timeout_seconds"`
	Providers      map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	// openai（任意 OpenAI 兼容的 chat/completions 端点）/ gemini
	Kind         string `yaml:"kind"`
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	APIKeyEnv    string `yaml:"api_key_env"`
	DefaultModel string `yaml:"default_model"`
	// 本地模型（如 ollama）不需要鉴权
	NoAuth bool `yaml:"no_auth"`
}

// PricingConfig key 为 "provider/model"，也可以是 "provider/*"
type PricingConfig map[string]Rate

type Rate struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

type ExperimentConfig struct {
	PromptVersion string  `yaml:"prompt_version"`
	Temperature   float64 `yaml:"temperature"`
	Persona       string  `yaml:"persona"`
	EntryOrder    string  `yaml:"entry_order"`
	NeedleFact    string  `yaml:"needle_fact"`
	// 0 表示使用全部日志
	MaxEntries int `yaml:"max_entries"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	config.applyDefaults()
	config.applyEnvOverrides()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Charset == "" {
		c.Database.Charset = "utf8mb4"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}
	if c.Experiment.PromptVersion == "" {
		c.Experiment.PromptVersion = "v1"
	}
	if c.Experiment.Persona == "" {
		c.Experiment.Persona = "goggins"
	}
	if c.Experiment.EntryOrder == "" {
		c.Experiment.EntryOrder = "chronological"
	}
	if c.Experiment.NeedleFact == "" {
		c.Experiment.NeedleFact = "shin splints on Tuesday"
	}
}

// applyEnvOverrides 密钥不落配置文件：api_key_env 指向的环境变量优先
func (c *Config) applyEnvOverrides() {
	for name, p := range c.LLM.Providers {
		if p.APIKeyEnv != "" {
			if v := strings.TrimSpace(os.Getenv(p.APIKeyEnv)); v != "" {
				p.APIKey = v
			}
		}
		if p.Kind == "" {
			p.Kind = "openai"
		}
		c.LLM.Providers[name] = p
	}
	if dsn := strings.TrimSpace(os.Getenv("CONTEXT_LAB_DB_DSN")); dsn != "" {
		c.Database.DSN = dsn
	}
}
