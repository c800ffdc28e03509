package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"chimera/internal/workflow"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port           string           `yaml:"port"`
	Env            string           `yaml:"env"`
	Preset         string           `yaml:"preset"`
	TraceDir       string           `yaml:"traceDir"`
	AllowedOrigins []string         `yaml:"allowedOrigins"`
	Backends       []BackendConfig  `yaml:"backends"`
	Roles          RoleConfig       `yaml:"roles"`
	Checkpoint     CheckpointConfig `yaml:"checkpoint"`
}

// BackendConfig describes one completion backend registered under Name.
type BackendConfig struct {
	Name        string        `yaml:"name"`
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"apiKey"`
	BaseURL     string        `yaml:"baseURL"`
	RPS         float64       `yaml:"rps"`
	Burst       int           `yaml:"burst"`
	MaxAttempts int           `yaml:"maxAttempts"`
	RetryDelay  time.Duration `yaml:"retryDelay"`
}

// RoleConfig names the backend serving each single-backend stage. Empty
// roles fall back to the first registered backend.
type RoleConfig struct {
	Clarifier string `yaml:"clarifier"`
	Planner   string `yaml:"planner"`
	Reviewer  string `yaml:"reviewer"`
	Refiner   string `yaml:"refiner"`
}

type CheckpointConfig struct {
	Driver     string        `yaml:"driver"`
	Dir        string        `yaml:"dir"`
	DSN        string        `yaml:"dsn"`
	SQLitePath string        `yaml:"sqlitePath"`
	Cache      bool          `yaml:"cache"`
	CacheSize  int           `yaml:"cacheSize"`
	CacheTTL   time.Duration `yaml:"cacheTTL"`
	S3         S3Config      `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"useSSL"`
}

func (c S3Config) CanUse() bool {
	return c.Endpoint != "" && c.AccessKey != "" && c.SecretKey != "" && c.Bucket != ""
}

const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderScripted  = "scripted"

	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverS3       = "s3"

	groqChatURL = "https://api.groq.com/openai/v1/chat/completions"
)

var ErrInvalid = errors.New("invalid config")

// Load reads .env, then the environment, then the YAML file named by
// CHIMERA_CONFIG if set. YAML keys override environment values.
func Load() (*Config, error) {
	_ = godotenv.Load()
	cfg := fromEnv()
	if path := strings.TrimSpace(os.Getenv("CHIMERA_CONFIG")); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() *Config {
	env := firstNonEmpty(strings.TrimSpace(os.Getenv("APP_ENV")), "local")
	cfg := &Config{
		Port:           normalizePort(os.Getenv("PORT")),
		Env:            env,
		Preset:         strings.TrimSpace(os.Getenv("CHIMERA_PRESET")),
		TraceDir:       strings.TrimSpace(os.Getenv("CHIMERA_TRACE_DIR")),
		AllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		Backends:       backendsFromEnv(),
		Roles: RoleConfig{
			Clarifier: strings.TrimSpace(os.Getenv("CHIMERA_CLARIFIER")),
			Planner:   strings.TrimSpace(os.Getenv("CHIMERA_PLANNER")),
			Reviewer:  strings.TrimSpace(os.Getenv("CHIMERA_REVIEWER")),
			Refiner:   strings.TrimSpace(os.Getenv("CHIMERA_REFINER")),
		},
		Checkpoint: CheckpointConfig{
			Driver:     strings.ToLower(strings.TrimSpace(os.Getenv("CHECKPOINT_STORE"))),
			Dir:        strings.TrimSpace(os.Getenv("CHECKPOINT_DIR")),
			DSN:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
			SQLitePath: strings.TrimSpace(os.Getenv("CHECKPOINT_SQLITE_PATH")),
			Cache:      parseBool(os.Getenv("CHECKPOINT_CACHE"), true),
			S3:         s3FromEnv(env),
		},
	}
	if isLocal(env) && cfg.Checkpoint.Driver == "" {
		cfg.Checkpoint = localCheckpoint(cfg.Checkpoint)
	}
	return cfg
}

// backendsFromEnv registers one backend per provider key found.
func backendsFromEnv() []BackendConfig {
	var out []BackendConfig
	if key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		out = append(out, BackendConfig{Name: "claude", Provider: ProviderAnthropic, APIKey: key, Model: os.Getenv("ANTHROPIC_MODEL")})
	}
	if key := firstNonEmpty(strings.TrimSpace(os.Getenv("GEMINI_API_KEY")), strings.TrimSpace(os.Getenv("GOOGLE_API_KEY"))); key != "" {
		out = append(out, BackendConfig{Name: "gemini", Provider: ProviderGemini, APIKey: key, Model: os.Getenv("GEMINI_MODEL")})
	}
	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		out = append(out, BackendConfig{Name: "openai", Provider: ProviderOpenAI, APIKey: key, Model: os.Getenv("OPENAI_MODEL")})
	}
	if key := strings.TrimSpace(os.Getenv("GROQ_API_KEY")); key != "" {
		out = append(out, BackendConfig{
			Name: "groq", Provider: ProviderOpenAI, APIKey: key, BaseURL: groqChatURL,
			Model: firstNonEmpty(strings.TrimSpace(os.Getenv("GROQ_MODEL")), "llama-3.3-70b-versatile"),
		})
	}
	return out
}

func s3FromEnv(env string) S3Config {
	return S3Config{
		Endpoint:  resolveS3Endpoint(env),
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("CHECKPOINT_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("CHECKPOINT_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("CHECKPOINT_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("CHECKPOINT_S3_BUCKET")), "chimera-checkpoints"),
		Prefix:    strings.TrimSpace(os.Getenv("CHECKPOINT_S3_PREFIX")),
		UseSSL:    !isLocal(env) && parseBool(os.Getenv("CHECKPOINT_S3_USE_SSL"), true),
	}
}

func resolveS3Endpoint(env string) string {
	if isLocal(env) {
		return firstNonEmpty(strings.TrimSpace(os.Getenv("CHECKPOINT_MINIO_ENDPOINT")), strings.TrimSpace(os.Getenv("CHECKPOINT_S3_ENDPOINT")))
	}
	return strings.TrimSpace(os.Getenv("CHECKPOINT_S3_ENDPOINT"))
}

func (c *Config) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var overlay Config
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.merge(overlay)
	return nil
}

// merge copies the non-zero fields of o onto c.
func (c *Config) merge(o Config) {
	if o.Port != "" {
		c.Port = normalizePort(o.Port)
	}
	if o.Env != "" {
		c.Env = o.Env
	}
	if o.Preset != "" {
		c.Preset = o.Preset
	}
	if o.TraceDir != "" {
		c.TraceDir = o.TraceDir
	}
	if len(o.AllowedOrigins) > 0 {
		c.AllowedOrigins = o.AllowedOrigins
	}
	if len(o.Backends) > 0 {
		c.Backends = o.Backends
	}
	if o.Roles.Clarifier != "" {
		c.Roles.Clarifier = o.Roles.Clarifier
	}
	if o.Roles.Planner != "" {
		c.Roles.Planner = o.Roles.Planner
	}
	if o.Roles.Reviewer != "" {
		c.Roles.Reviewer = o.Roles.Reviewer
	}
	if o.Roles.Refiner != "" {
		c.Roles.Refiner = o.Roles.Refiner
	}
	if o.Checkpoint.Driver != "" {
		cache := c.Checkpoint.Cache
		c.Checkpoint = o.Checkpoint
		c.Checkpoint.Cache = o.Checkpoint.Cache || cache
	}
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = ":8080"
	}
	if c.Preset == "" {
		c.Preset = workflow.DefaultPreset
	}
	if c.Checkpoint.Driver == "" {
		c.Checkpoint.Driver = DriverMemory
	}
	c.Checkpoint.Driver = strings.ToLower(c.Checkpoint.Driver)
	if c.Checkpoint.Driver == DriverFile && c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = "tmp/checkpoints"
	}
	if c.Checkpoint.Driver == DriverSQLite && c.Checkpoint.SQLitePath == "" {
		c.Checkpoint.SQLitePath = "tmp/checkpoints.db"
	}
	if len(c.Backends) == 0 && isLocal(c.Env) {
		// Offline development: two scripted teams so the whole graph runs.
		c.Backends = []BackendConfig{
			{Name: "claude", Provider: ProviderScripted},
			{Name: "gemini", Provider: ProviderScripted},
		}
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		b.Name = strings.ToLower(strings.TrimSpace(b.Name))
		b.Provider = strings.ToLower(strings.TrimSpace(b.Provider))
		if b.MaxAttempts <= 0 {
			b.MaxAttempts = 3
		}
		if b.RetryDelay <= 0 {
			b.RetryDelay = 500 * time.Millisecond
		}
	}
}

func (c *Config) Validate() error {
	if _, err := workflow.PresetByName(c.Preset); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("%w: no backends configured (set ANTHROPIC_API_KEY, GEMINI_API_KEY, OPENAI_API_KEY or CHIMERA_CONFIG)", ErrInvalid)
	}
	seen := map[string]bool{}
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("%w: backend name is required", ErrInvalid)
		}
		if seen[b.Name] {
			return fmt.Errorf("%w: duplicate backend %q", ErrInvalid, b.Name)
		}
		seen[b.Name] = true
		switch b.Provider {
		case ProviderGemini, ProviderAnthropic, ProviderOpenAI, ProviderScripted:
		default:
			return fmt.Errorf("%w: backend %s: unknown provider %q", ErrInvalid, b.Name, b.Provider)
		}
	}
	for role, team := range map[string]string{
		"clarifier": c.Roles.Clarifier, "planner": c.Roles.Planner,
		"reviewer": c.Roles.Reviewer, "refiner": c.Roles.Refiner,
	} {
		if team != "" && !seen[strings.ToLower(team)] {
			return fmt.Errorf("%w: %s role names unknown backend %q", ErrInvalid, role, team)
		}
	}
	switch c.Checkpoint.Driver {
	case DriverMemory, DriverFile, DriverSQLite:
	case DriverPostgres:
		if c.Checkpoint.DSN == "" {
			return fmt.Errorf("%w: postgres checkpoint store needs DATABASE_URL", ErrInvalid)
		}
	case DriverS3:
		if !c.Checkpoint.S3.CanUse() {
			return fmt.Errorf("%w: s3 checkpoint store needs endpoint, keys and bucket", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown checkpoint store %q", ErrInvalid, c.Checkpoint.Driver)
	}
	return nil
}

func normalizePort(raw string) string {
	p := strings.TrimSpace(raw)
	if p == "" || strings.HasPrefix(p, ":") {
		return p
	}
	return ":" + p
}

func isLocal(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "local")
}

func parseBool(raw string, def bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
