// Package config provides application settings loaded from environment variables.
//
// Settings are created via New() which handles:
// - Environment variable parsing with validation
// - Default value application
// - Provider-specific configuration lookup
//
// LoadFile overlays a YAML file on top of settings built by New.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds all application configuration.
type Settings struct {
	LLM      LLMConfig      `yaml:"llm"`
	Verifier VerifierConfig `yaml:"verifier"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Storage  StorageConfig  `yaml:"storage"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	MaxTokens   uint32  `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// VerifierConfig holds verification and agreement configuration.
type VerifierConfig struct {
	ContentLimit int `yaml:"content_limit"`
	// Validators is the number of independent re-executions that must
	// agree with the first one. Zero accepts the first result.
	Validators  int `yaml:"validators"`
	MaxParallel int `yaml:"max_parallel"`
}

// FetchConfig holds page retrieval configuration.
type FetchConfig struct {
	Backend   string        `yaml:"backend"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
	ChromeURL string        `yaml:"chrome_url"`
}

// StorageConfig holds record log configuration.
type StorageConfig struct {
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Fetch backends.
const (
	FetchHTTP    = "http"
	FetchBrowser = "browser"
)

// Storage drivers. The SQL names are database/sql driver names.
const (
	StorageMemory   = "memory"
	StorageSqlite3  = "sqlite3"
	StorageSqlite   = "sqlite"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// providerInfo holds configuration for a specific LLM provider.
type providerInfo struct {
	modelEnv     string
	defaultModel string
	apiKeyEnv    string
}

// Supported providers and their configuration.
var providers = map[string]providerInfo{
	"openai":    {"OPENAI_MODEL", "gpt-4o", "OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_MODEL", "claude-sonnet-4-20250514", "ANTHROPIC_API_KEY"},
	"deepseek":  {"DEEPSEEK_MODEL", "deepseek-chat", "DEEPSEEK_API_KEY"},
	"gemini":    {"GEMINI_MODEL", "gemini-2.5-flash", "GEMINI_API_KEY"},
}

// Provider aliases map to canonical names.
var providerAliases = map[string]string{
	"claude": "anthropic",
	"google": "gemini",
	"gpt":    "openai",
}

// New creates settings for the specified provider, loading values from environment variables.
// Returns an error if the provider is unknown or environment variables contain invalid values.
func New(provider string) (Settings, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return Settings{}, err
	}

	maxTokens, err := getEnvUint32("LLM_MAX_TOKENS", 4096)
	if err != nil {
		return Settings{}, err
	}

	// Greedy sampling unless configured
	temperature, err := getEnvFloat64("LLM_TEMPERATURE", 0)
	if err != nil {
		return Settings{}, err
	}

	contentLimit, err := getEnvInt("VERIFIER_CONTENT_LIMIT", 10000)
	if err != nil {
		return Settings{}, err
	}

	validators, err := getEnvInt("VERIFIER_VALIDATORS", 0)
	if err != nil {
		return Settings{}, err
	}

	maxParallel, err := getEnvInt("VERIFIER_MAX_PARALLEL", 0)
	if err != nil {
		return Settings{}, err
	}

	timeout, err := getEnvDuration("FETCH_TIMEOUT", 30*time.Second)
	if err != nil {
		return Settings{}, err
	}

	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return Settings{}, err
	}

	logJSON, err := getEnvBool("LOG_JSON", false)
	if err != nil {
		return Settings{}, err
	}

	driver := getEnvString("STORAGE_DRIVER", StorageSqlite3)

	// Get model from environment or use default
	model := os.Getenv(info.modelEnv)
	if model == "" {
		model = info.defaultModel
	}

	settings := Settings{
		LLM: LLMConfig{
			Provider:    provider,
			Model:       model,
			MaxTokens:   maxTokens,
			Temperature: temperature,
		},
		Verifier: VerifierConfig{
			ContentLimit: contentLimit,
			Validators:   validators,
			MaxParallel:  maxParallel,
		},
		Fetch: FetchConfig{
			Backend:   getEnvString("FETCH_BACKEND", FetchHTTP),
			Timeout:   timeout,
			UserAgent: os.Getenv("FETCH_USER_AGENT"),
			ChromeURL: os.Getenv("FETCH_CHROME_URL"),
		},
		Storage: StorageConfig{
			Driver:        driver,
			DSN:           getEnvString("STORAGE_DSN", defaultDSN(driver)),
			RedisAddr:     getEnvString("REDIS_ADDR", "localhost:6379"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       redisDB,
			RedisPrefix:   getEnvString("REDIS_PREFIX", "urlverify"),
		},
		Server: ServerConfig{
			Addr: getEnvString("SERVER_ADDR", ":8080"),
		},
		Log: LogConfig{
			Level: getEnvString("LOG_LEVEL", "info"),
			JSON:  logJSON,
		},
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// DataDir returns the directory holding the record database:
// $XDG_DATA_HOME/urlverify, else ~/.local/share/urlverify, else
// .urlverify in the working directory.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "urlverify")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "share", "urlverify")
	}
	return ".urlverify"
}

// defaultDSN returns the DSN used when none is configured. Only the
// SQLite drivers have one.
func defaultDSN(driver string) string {
	switch driver {
	case StorageSqlite3, StorageSqlite:
		return filepath.Join(DataDir(), "records.db")
	}
	return ""
}

// LoadFile overlays the YAML file at path on s. Keys absent from the file
// keep their current values. A provider change without a model selects the
// new provider's default model; a storage driver change without a DSN
// selects the new driver's default DSN.
func LoadFile(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	previous := s.LLM
	previousDriver := s.Storage.Driver
	var overlay struct {
		LLM struct {
			Model *string `yaml:"model"`
		} `yaml:"llm"`
		Storage struct {
			DSN *string `yaml:"dsn"`
		} `yaml:"storage"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	s.LLM.Provider = normalizeProvider(s.LLM.Provider)
	if s.LLM.Provider != previous.Provider && overlay.LLM.Model == nil {
		model, err := ModelFor(s.LLM.Provider)
		if err != nil {
			return err
		}
		s.LLM.Model = model
	}
	if s.Storage.Driver != previousDriver && overlay.Storage.DSN == nil {
		s.Storage.DSN = defaultDSN(s.Storage.Driver)
	}
	return s.Validate()
}

// Validate checks that enumerated settings hold known values.
func (s Settings) Validate() error {
	if _, err := getProviderInfo(s.LLM.Provider); err != nil {
		return err
	}
	if s.Verifier.ContentLimit <= 0 {
		return fmt.Errorf("content limit must be positive, got %d", s.Verifier.ContentLimit)
	}
	if s.Verifier.Validators < 0 {
		return fmt.Errorf("validators must not be negative, got %d", s.Verifier.Validators)
	}
	switch s.Fetch.Backend {
	case FetchHTTP, FetchBrowser:
	default:
		return fmt.Errorf("unknown fetch backend: %q", s.Fetch.Backend)
	}
	switch s.Storage.Driver {
	case StorageMemory, StorageRedis:
	case StorageSqlite3, StorageSqlite, StoragePostgres:
		if s.Storage.DSN == "" {
			return fmt.Errorf("storage driver %s requires a DSN", s.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage driver: %q", s.Storage.Driver)
	}
	return nil
}

// normalizeProvider converts provider aliases to canonical names.
func normalizeProvider(provider string) string {
	provider = strings.ToLower(provider)
	if canonical, ok := providerAliases[provider]; ok {
		return canonical
	}
	return provider
}

// getProviderInfo returns configuration for a provider.
func getProviderInfo(provider string) (providerInfo, error) {
	info, ok := providers[provider]
	if !ok {
		return providerInfo{}, fmt.Errorf("unknown provider: %q", provider)
	}
	return info, nil
}

// APIKeyFor returns the API key for a provider from environment variables.
func APIKeyFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	key := os.Getenv(info.apiKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%s environment variable not set", info.apiKeyEnv)
	}
	return key, nil
}

// ModelFor returns the model for a provider, checking environment first.
func ModelFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	if val := os.Getenv(info.modelEnv); val != "" {
		return val, nil
	}
	return info.defaultModel, nil
}

// Environment variable helpers with proper error handling

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}

func getEnvUint32(key string, defaultVal uint32) (uint32, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return uint32(i), nil
}

func getEnvFloat64(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return f, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return d, nil
}
