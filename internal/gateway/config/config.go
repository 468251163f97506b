package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	Env         string
	DatabaseURL string

	OpenAI ProviderConfig
	Gemini ProviderConfig
	Retry  RetryConfig

	// OutputTokenEstimate is the assumed output size used for admission.
	OutputTokenEstimate int
	// NewUserPromotion is credited once when a user is first seen.
	NewUserPromotion string

	Files FilesConfig
	Log   LogConfig

	SettingsPath string
	Settings     Settings
}

type ProviderConfig struct {
	APIKey  string
	BaseURL string
	RPS     float64
	Burst   int
}

// RetryConfig counts total attempts per provider call; the delay before
// attempt n is BackoffInitial^n seconds.
type RetryConfig struct {
	MaxAttempts    int
	BackoffInitial float64
	Unit           time.Duration
}

type FilesConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLExpiry time.Duration
}

// CanUseS3 reports whether the object store settings are complete.
func (c FilesConfig) CanUseS3() bool {
	return c.Enabled && c.Endpoint != "" && c.AccessKey != "" && c.SecretKey != "" && c.Bucket != ""
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load reads .env, the environment and the settings document at
// settingsPath (empty uses the built-in defaults).
func Load(settingsPath string) (*Config, error) {
	_ = godotenv.Load()

	env := firstNonEmpty(strings.TrimSpace(os.Getenv("APP_ENV")), "local")
	settingsPath = firstNonEmpty(strings.TrimSpace(settingsPath), strings.TrimSpace(os.Getenv("SETTINGS_FILE")))
	settings, err := LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:        NormalizePort(firstNonEmpty(os.Getenv("PORT"), ":8080")),
		Env:         env,
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		OpenAI: ProviderConfig{
			APIKey:  strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			BaseURL: strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
			RPS:     envFloat("OPENAI_RPS", 0),
			Burst:   envInt("OPENAI_BURST", 1),
		},
		Gemini: ProviderConfig{
			APIKey: strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
			RPS:    envFloat("GEMINI_RPS", 0),
			Burst:  envInt("GEMINI_BURST", 1),
		},
		Retry: RetryConfig{
			MaxAttempts:    envInt("MAX_PROMPT_RETRIES", 3),
			BackoffInitial: envFloat("BACKOFF_INITIAL", 2),
			Unit:           time.Second,
		},
		OutputTokenEstimate: envInt("OUTPUT_TOKEN_ESTIMATE", 2000),
		NewUserPromotion:    firstNonEmpty(strings.TrimSpace(os.Getenv("NEW_USER_PROMOTION")), "1.00"),
		Files:               loadFilesConfig(env),
		Log: LogConfig{
			Level:      firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_LEVEL")), "info"),
			Format:     firstNonEmpty(strings.TrimSpace(os.Getenv("LOG_FORMAT")), "text"),
			File:       strings.TrimSpace(os.Getenv("LOG_FILE")),
			MaxSizeMB:  envInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: envInt("LOG_MAX_BACKUPS", 3),
			MaxAgeDays: envInt("LOG_MAX_AGE_DAYS", 28),
		},
		SettingsPath: settingsPath,
		Settings:     settings,
	}, nil
}

// NormalizePort accepts "8080" or ":8080".
func NormalizePort(port string) string {
	port = strings.TrimSpace(port)
	if port == "" || strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func loadFilesConfig(env string) FilesConfig {
	if strings.EqualFold(env, "local") {
		return localFilesConfig()
	}
	endpoint := strings.TrimSpace(os.Getenv("FILES_S3_ENDPOINT"))
	return FilesConfig{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("FILES_S3_REGION")), "us-east-1"),
		AccessKey: strings.TrimSpace(os.Getenv("FILES_S3_ACCESS_KEY")),
		SecretKey: strings.TrimSpace(os.Getenv("FILES_S3_SECRET_KEY")),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("FILES_S3_BUCKET")), "ensemble-files"),
		UseSSL:    envBool("FILES_S3_USE_SSL", true),
		URLExpiry: time.Duration(envInt("FILES_S3_URL_EXPIRY_SECONDS", 3600)) * time.Second,
	}
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
