package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var defaultExtensions = []string{".docx", ".xlsx", ".pptx", ".doc", ".xls", ".ppt", ".pdf"}

// CatalogueTag is one row of the catalogue tag table.
type CatalogueTag struct {
	Section string   `yaml:"section"`
	Tags    []string `yaml:"tags"`
}

type Config struct {
	ServerPort      string        `yaml:"server_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RedisAddr string `yaml:"redis_addr"`
	RedisPass string `yaml:"redis_password"`
	RedisDB   int    `yaml:"redis_db"`
	// TaskTTL applies to status, result and bid mapping keys; 0 keeps them forever.
	TaskTTL time.Duration `yaml:"task_ttl"`

	ScratchDir        string   `yaml:"scratch_dir"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	MaxUploadBytes    int64    `yaml:"max_upload_bytes"`
	RejectInFlight    bool     `yaml:"reject_in_flight"`

	ConsumersPerFamily int           `yaml:"consumers_per_family"`
	PollTimeout        time.Duration `yaml:"poll_timeout"`
	Backoff            time.Duration `yaml:"backoff"`
	ProcessTimeout     time.Duration `yaml:"process_timeout"`

	CompletionURL     string        `yaml:"completion_url"`
	CompletionModel   string        `yaml:"completion_model"`
	CompletionAPIKey  string        `yaml:"completion_api_key"`
	CompletionTimeout time.Duration `yaml:"completion_timeout"`

	BaseTwoStage   bool           `yaml:"base_two_stage"`
	ScoreTwoStage  bool           `yaml:"score_two_stage"`
	ScoreSchemaRef string         `yaml:"score_schema_ref"`
	CatalogueTags  []CatalogueTag `yaml:"catalogue_tags"`

	LibreOffice        string        `yaml:"libreoffice"`
	PDFToText          string        `yaml:"pdftotext"`
	ConvertTimeout     time.Duration `yaml:"convert_timeout"`
	ConvertRetries     int           `yaml:"convert_retries"`
	ConvertRetryDelay  time.Duration `yaml:"convert_retry_delay"`
	NativeSpreadsheets bool          `yaml:"native_spreadsheets"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func Default() *Config {
	return &Config{
		ServerPort:      "8080",
		ShutdownTimeout: 30 * time.Second,

		RedisAddr: "localhost:6379",
		TaskTTL:   24 * time.Hour,

		AllowedExtensions: append([]string(nil), defaultExtensions...),
		MaxUploadBytes:    100 << 20,
		RejectInFlight:    true,

		ConsumersPerFamily: 1,
		PollTimeout:        2 * time.Second,
		Backoff:            5 * time.Second,
		ProcessTimeout:     10 * time.Minute,

		CompletionURL:     "http://localhost:8000/v1/chat/completions",
		CompletionTimeout: 5 * time.Minute,

		BaseTwoStage:  true,
		ScoreTwoStage: true,

		LibreOffice:       "libreoffice",
		PDFToText:         "pdftotext",
		ConvertTimeout:    120 * time.Second,
		ConvertRetries:    2,
		ConvertRetryDelay: 3 * time.Second,

		LogLevel:  "info",
		LogFormat: "console",
	}
}

// Load starts from defaults, applies the YAML file at path when it exists
// and then the environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		case len(data) > 0:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse yaml: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.AllowedExtensions = normalizeExtensions(cfg.AllowedExtensions)
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ServerPort = getEnv("SERVER_PORT", c.ServerPort)
	c.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPass = getEnv("REDIS_PASSWORD", c.RedisPass)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.TaskTTL = getEnvDuration("TASK_TTL", c.TaskTTL)

	c.ScratchDir = getEnv("SCRATCH_DIR", c.ScratchDir)
	c.AllowedExtensions = getEnvList("ALLOWED_EXTENSIONS", c.AllowedExtensions)
	c.MaxUploadBytes = int64(getEnvInt("MAX_UPLOAD_BYTES", int(c.MaxUploadBytes)))
	c.RejectInFlight = getEnvBool("REJECT_IN_FLIGHT", c.RejectInFlight)

	c.ConsumersPerFamily = getEnvInt("WORKER_COUNT", c.ConsumersPerFamily)
	c.PollTimeout = getEnvDuration("POLL_TIMEOUT", c.PollTimeout)
	c.Backoff = getEnvDuration("WORKER_BACKOFF", c.Backoff)
	c.ProcessTimeout = getEnvDuration("PROCESS_TIMEOUT", c.ProcessTimeout)

	c.CompletionURL = getEnv("EXTRACT_API_URL", c.CompletionURL)
	c.CompletionModel = getEnv("EXTRACT_API_MODEL", c.CompletionModel)
	c.CompletionAPIKey = getEnv("EXTRACT_API_KEY", c.CompletionAPIKey)
	c.CompletionTimeout = getEnvDuration("EXTRACT_API_TIMEOUT", c.CompletionTimeout)

	c.BaseTwoStage = getEnvBool("BASE_TWO_STAGE", c.BaseTwoStage)
	c.ScoreTwoStage = getEnvBool("SCORE_TWO_STAGE", c.ScoreTwoStage)
	c.ScoreSchemaRef = getEnv("DB_STRUCT_PATH", c.ScoreSchemaRef)

	c.LibreOffice = getEnv("LIBREOFFICE_BIN", c.LibreOffice)
	c.PDFToText = getEnv("PDFTOTEXT_BIN", c.PDFToText)
	c.ConvertTimeout = getEnvDuration("CONVERT_TIMEOUT", c.ConvertTimeout)
	c.ConvertRetries = getEnvInt("CONVERT_RETRIES", c.ConvertRetries)
	c.ConvertRetryDelay = getEnvDuration("CONVERT_RETRY_DELAY", c.ConvertRetryDelay)
	c.NativeSpreadsheets = getEnvBool("NATIVE_SPREADSHEETS", c.NativeSpreadsheets)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

func (c *Config) Validate() error {
	var errs []error
	if c.ServerPort == "" {
		errs = append(errs, errors.New("server_port is required"))
	}
	if c.RedisAddr == "" {
		errs = append(errs, errors.New("redis_addr is required"))
	}
	if c.TaskTTL < 0 {
		errs = append(errs, fmt.Errorf("invalid task_ttl: %s (must be >= 0)", c.TaskTTL))
	}
	if len(c.AllowedExtensions) == 0 {
		errs = append(errs, errors.New("allowed_extensions must not be empty"))
	}
	if c.MaxUploadBytes < 1 {
		errs = append(errs, fmt.Errorf("invalid max_upload_bytes: %d (must be >= 1)", c.MaxUploadBytes))
	}
	if c.ConsumersPerFamily < 1 {
		errs = append(errs, fmt.Errorf("invalid consumers_per_family: %d (must be >= 1)", c.ConsumersPerFamily))
	}
	if c.PollTimeout < time.Second {
		errs = append(errs, fmt.Errorf("invalid poll_timeout: %s (must be >= 1s)", c.PollTimeout))
	}
	if c.CompletionURL == "" {
		errs = append(errs, errors.New("completion_url is required"))
	}
	if c.ConvertRetries < 0 {
		errs = append(errs, fmt.Errorf("invalid convert_retries: %d (must be >= 0)", c.ConvertRetries))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"backoff", c.Backoff},
		{"process_timeout", c.ProcessTimeout},
		{"completion_timeout", c.CompletionTimeout},
		{"convert_timeout", c.ConvertTimeout},
		{"shutdown_timeout", c.ShutdownTimeout},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s: %s (must be > 0)", d.name, d.v))
		}
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("invalid log_format: %q (console or json)", c.LogFormat))
	}
	return errors.Join(errs...)
}

func normalizeExtensions(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	normalized := make([]string, 0, len(in))
	for _, ext := range in {
		e := strings.ToLower(strings.TrimSpace(ext))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		normalized = append(normalized, e)
	}
	return normalized
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		return strings.Split(v, ",")
	}
	return fallback
}
