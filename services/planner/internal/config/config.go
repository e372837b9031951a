package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the config file read by the planner service. PLANNER_CONFIG
// overrides the default.
var ConfigPath = configPathFromEnv()

func configPathFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("PLANNER_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// StorageBackend is one of memory, redis, sqlite, postgres.
	StorageBackend string `yaml:"storageBackend"`
	RedisAddr      string `yaml:"redisAddr"`
	RedisPassword  string `yaml:"redisPassword"`
	RedisPrefix    string `yaml:"redisPrefix"`
	SQLitePath     string `yaml:"sqlitePath"`
	DatabaseURL    string `yaml:"databaseURL"`

	AIProvider  string `yaml:"aiProvider"`
	AIAPIKey    string `yaml:"aiApiKey"`
	AIBaseURL   string `yaml:"aiBaseURL"`
	AIModel     string `yaml:"aiModel"`
	AIPlanModel string `yaml:"aiPlanModel"`

	// ObjectStore is one of none, file, minio.
	ObjectStore          string `yaml:"objectStore"`
	FileStorePath        string `yaml:"fileStorePath"`
	MinioEndpoint        string `yaml:"minioEndpoint"`
	MinioAccessKey       string `yaml:"minioAccessKey"`
	MinioSecretKey       string `yaml:"minioSecretKey"`
	MinioBucket          string `yaml:"minioBucket"`
	MinioUseSSL          bool   `yaml:"minioUseSSL"`
	PresignExpirySeconds int    `yaml:"presignExpirySeconds"`

	AuthRateLimitPerMinute int      `yaml:"authRateLimitPerMinute"`
	AIRateLimitPerMinute   int      `yaml:"aiRateLimitPerMinute"`
	TrustedProxyCIDRs      []string `yaml:"trustedProxyCidrs"`
	CORSAllowedOrigins     []string `yaml:"corsAllowedOrigins"`

	MaxUploadBytes     int64    `yaml:"maxUploadBytes"`
	AllowedExtensions  []string `yaml:"allowedExtensions"`
	ExtractConcurrency int      `yaml:"extractConcurrency"`
	ExtractMaxChars    int      `yaml:"extractMaxChars"`
	DisablePdftotext   bool     `yaml:"disablePdftotext"`
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if v := os.Getenv("PLANNER_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PLANNER_STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("PLANNER_SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("PLANNER_AI_PROVIDER"); v != "" {
		cfg.AIProvider = strings.TrimSpace(v)
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.AIAPIKey = v
	}
	if v := os.Getenv("PLANNER_AI_API_KEY"); v != "" {
		cfg.AIAPIKey = v
	}
	if v := os.Getenv("PLANNER_AI_BASE_URL"); v != "" {
		cfg.AIBaseURL = v
	}
	if v := os.Getenv("PLANNER_AI_MODEL"); v != "" {
		cfg.AIModel = v
	}
	if v := os.Getenv("PLANNER_AI_PLAN_MODEL"); v != "" {
		cfg.AIPlanModel = v
	}
	if v := os.Getenv("PLANNER_OBJECT_STORE"); v != "" {
		cfg.ObjectStore = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("PLANNER_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("PLANNER_AI_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AIRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("PLANNER_AUTH_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AuthRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("PLANNER_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitList(v)
	}
	if v := os.Getenv("PLANNER_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitList(v)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "memory"
	}
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = "examprep"
	}
	if cfg.AIProvider == "" {
		cfg.AIProvider = "gemini"
	}
	if cfg.AIPlanModel == "" {
		cfg.AIPlanModel = cfg.AIModel
	}
	if cfg.ObjectStore == "" {
		cfg.ObjectStore = "none"
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{".pdf", ".txt", ".md", ".html", ".htm", ".epub", ".png", ".jpg", ".jpeg"}
	}
	if cfg.PresignExpirySeconds == 0 {
		cfg.PresignExpirySeconds = 900
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.StorageBackend {
	case "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for storageBackend=redis (set in config.yaml or REDIS_ADDR)")
		}
	case "sqlite":
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return errors.New("config: sqlitePath is required for storageBackend=sqlite (set in config.yaml)")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for storageBackend=postgres (set in config.yaml or DATABASE_URL)")
		}
	default:
		return fmt.Errorf("config: unknown storageBackend %q", cfg.StorageBackend)
	}
	switch cfg.AIProvider {
	case "gemini":
		if cfg.AIAPIKey == "" {
			return errors.New("config: aiApiKey is required for aiProvider=gemini (set in config.yaml or GEMINI_API_KEY)")
		}
	case "ollama":
	case "openai-compat":
		if cfg.AIBaseURL == "" {
			return errors.New("config: aiBaseURL is required for aiProvider=openai-compat")
		}
	default:
		return fmt.Errorf("config: unknown aiProvider %q", cfg.AIProvider)
	}
	if strings.TrimSpace(cfg.AIModel) == "" {
		return errors.New("config: aiModel is required (set in config.yaml or PLANNER_AI_MODEL)")
	}
	switch cfg.ObjectStore {
	case "none":
	case "file":
		if strings.TrimSpace(cfg.FileStorePath) == "" {
			return errors.New("config: fileStorePath is required for objectStore=file")
		}
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for objectStore=minio")
		}
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return errors.New("config: minio credentials required (MINIO_ACCESS_KEY + MINIO_SECRET_KEY)")
		}
	default:
		return fmt.Errorf("config: unknown objectStore %q", cfg.ObjectStore)
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	if (cfg.AIRateLimitPerMinute > 0 || cfg.AuthRateLimitPerMinute > 0) && cfg.RedisAddr == "" {
		return errors.New("config: rate limiting requires redisAddr (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.AIRateLimitPerMinute < 0 || cfg.AuthRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.ExtractConcurrency < 0 || cfg.ExtractMaxChars < 0 {
		return errors.New("config: extractConcurrency and extractMaxChars must be >= 0")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
