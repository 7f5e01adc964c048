package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"comex-platform/internal/models"
	"comex-platform/internal/sources"
	"comex-platform/pkg/database"
)

// Config is the application configuration.
// Values come from defaults, then the YAML file named by CONFIG_FILE, then the environment.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Ingestion  IngestionConfig  `yaml:"ingestion"`
	API        APIConfig        `yaml:"api"`
	BulkFile   BulkFileConfig   `yaml:"bulk_file"`
	Scraper    ScraperConfig    `yaml:"scraper"`
	Normalizer NormalizerConfig `yaml:"normalizer"`
	Catalog    CatalogConfig    `yaml:"catalog"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type IngestionConfig struct {
	MonthsBack int      `yaml:"months_back"`
	Kinds      []string `yaml:"kinds"`
	Workers    int      `yaml:"workers"`
	BatchSize  int      `yaml:"batch_size"`

	// Interval schedules runs inside the server; zero leaves runs to the API and CLI
	Interval time.Duration `yaml:"interval"`
}

type APIConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Token         string        `yaml:"token"`
	Timeout       time.Duration `yaml:"timeout"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	RateLimit     float64       `yaml:"rate_limit"`
	RateBurst     int           `yaml:"rate_burst"`
	ProductCode   string        `yaml:"product_code"`
	Country       string        `yaml:"country"`
	Region        string        `yaml:"region"`
}

type BulkFileConfig struct {
	BaseURLs []string      `yaml:"base_urls"`
	CacheDir string        `yaml:"cache_dir"`
	MinBytes int64         `yaml:"min_bytes"`
	Timeout  time.Duration `yaml:"timeout"`
}

// StepConfig overrides the timeout and retries of one scraper state.
// Retries is a pointer so an omitted key keeps the scraper-wide count.
type StepConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Retries *int          `yaml:"retries"`
}

type ScraperConfig struct {
	Enabled         bool                  `yaml:"enabled"`
	PortalURL       string                `yaml:"portal_url"`
	DownloadDir     string                `yaml:"download_dir"`
	Headless        bool                  `yaml:"headless"`
	Selectors       sources.Selectors     `yaml:"selectors"`
	DateLayout      string                `yaml:"date_layout"`
	ImportValue     string                `yaml:"import_value"`
	ExportValue     string                `yaml:"export_value"`
	StepTimeout     time.Duration         `yaml:"step_timeout"`
	StepRetries     int                   `yaml:"step_retries"`
	RetryInterval   time.Duration         `yaml:"retry_interval"`
	Steps           map[string]StepConfig `yaml:"steps"`
	DownloadTimeout time.Duration         `yaml:"download_timeout"`
	PollInterval    time.Duration         `yaml:"poll_interval"`
}

type NormalizerConfig struct {
	// AliasesFile extends the built-in column alias table
	AliasesFile string `yaml:"aliases_file"`
}

type CatalogConfig struct {
	Expiration time.Duration `yaml:"expiration"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "comex",
			Database:        "comex",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: time.Minute,
		},
		Logging: LoggingConfig{Level: "info"},
		Ingestion: IngestionConfig{
			MonthsBack: 1,
			Kinds:      []string{"import", "export"},
			Workers:    1,
			BatchSize:  500,
		},
		API: APIConfig{
			Timeout:       30 * time.Second,
			ProbeTimeout:  5 * time.Second,
			MaxRetries:    3,
			RetryInterval: time.Second,
			RateLimit:     5,
			RateBurst:     1,
		},
		BulkFile: BulkFileConfig{
			CacheDir: "data/cache",
			MinBytes: 1024,
			Timeout:  10 * time.Minute,
		},
		Scraper: ScraperConfig{
			DownloadDir:     "data/downloads",
			Headless:        true,
			DateLayout:      "02/01/2006",
			ImportValue:     "Importação",
			ExportValue:     "Exportação",
			StepTimeout:     45 * time.Second,
			StepRetries:     3,
			RetryInterval:   2 * time.Second,
			DownloadTimeout: 5 * time.Minute,
			PollInterval:    2 * time.Second,
		},
		Catalog: CatalogConfig{Expiration: 24 * time.Hour},
	}
}

// LoadConfig reads .env (if present), the optional YAML file and the environment
func LoadConfig() (*Config, error) {
	// A missing .env is normal outside development
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	env := envReader{errs: &errs}

	env.setString("SERVER_HOST", &c.Server.Host)
	env.setInt("SERVER_PORT", &c.Server.Port)
	env.setDuration("SERVER_READ_TIMEOUT", &c.Server.ReadTimeout)
	env.setDuration("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeout)
	env.setDuration("SERVER_IDLE_TIMEOUT", &c.Server.IdleTimeout)

	env.setString("DB_HOST", &c.Database.Host)
	env.setInt("DB_PORT", &c.Database.Port)
	env.setString("DB_USER", &c.Database.User)
	env.setString("DB_PASSWORD", &c.Database.Password)
	env.setString("DB_NAME", &c.Database.Database)
	env.setString("DB_SSLMODE", &c.Database.SSLMode)
	env.setInt("DB_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	env.setInt("DB_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)

	env.setString("LOG_LEVEL", &c.Logging.Level)

	env.setInt("INGEST_MONTHS_BACK", &c.Ingestion.MonthsBack)
	env.setList("INGEST_KINDS", &c.Ingestion.Kinds)
	env.setInt("INGEST_WORKERS", &c.Ingestion.Workers)
	env.setInt("INGEST_BATCH_SIZE", &c.Ingestion.BatchSize)
	env.setDuration("INGEST_INTERVAL", &c.Ingestion.Interval)

	env.setString("COMEX_API_URL", &c.API.BaseURL)
	env.setString("COMEX_API_TOKEN", &c.API.Token)
	env.setDuration("COMEX_API_TIMEOUT", &c.API.Timeout)
	env.setFloat("COMEX_API_RATE_LIMIT", &c.API.RateLimit)

	env.setList("BULK_BASE_URLS", &c.BulkFile.BaseURLs)
	env.setString("BULK_CACHE_DIR", &c.BulkFile.CacheDir)

	env.setBool("SCRAPER_ENABLED", &c.Scraper.Enabled)
	env.setString("SCRAPER_PORTAL_URL", &c.Scraper.PortalURL)
	env.setString("SCRAPER_DOWNLOAD_DIR", &c.Scraper.DownloadDir)
	env.setBool("SCRAPER_HEADLESS", &c.Scraper.Headless)

	env.setString("NORMALIZER_ALIASES_FILE", &c.Normalizer.AliasesFile)

	return errors.Join(errs...)
}

// Validate checks the configuration for values the components cannot work with
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Database.Host == "" || c.Database.Database == "" {
		errs = append(errs, errors.New("database host and name are required"))
	}
	if c.Ingestion.MonthsBack <= 0 {
		errs = append(errs, fmt.Errorf("ingestion months_back must be positive, got %d", c.Ingestion.MonthsBack))
	}
	if c.Ingestion.Workers <= 0 {
		errs = append(errs, fmt.Errorf("ingestion workers must be positive, got %d", c.Ingestion.Workers))
	}
	if c.Ingestion.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("ingestion batch_size must be positive, got %d", c.Ingestion.BatchSize))
	}
	if _, err := c.Kinds(); err != nil {
		errs = append(errs, err)
	}
	if c.API.BaseURL == "" && len(c.BulkFile.BaseURLs) == 0 && !c.Scraper.Enabled {
		errs = append(errs, errors.New("no source configured: set an API URL, bulk base URLs or enable the scraper"))
	}
	if c.Scraper.Enabled {
		if c.Scraper.PortalURL == "" {
			errs = append(errs, errors.New("scraper portal_url is required when the scraper is enabled"))
		}
		if c.Scraper.Selectors.Form == "" || c.Scraper.Selectors.ExportButton == "" {
			errs = append(errs, errors.New("scraper selectors form and export_button are required"))
		}
		for name := range c.Scraper.Steps {
			if !knownStep(name) {
				errs = append(errs, fmt.Errorf("unknown scraper step %q", name))
			}
		}
	}

	return errors.Join(errs...)
}

// Kinds parses the configured operation kinds
func (c *Config) Kinds() ([]models.OperationKind, error) {
	return models.ParseOperationKinds(strings.Join(c.Ingestion.Kinds, ","))
}

// PostgresConfig converts to the pkg/database connection settings
func (c *Config) PostgresConfig() *database.Config {
	return &database.Config{
		Host:            c.Database.Host,
		Port:            c.Database.Port,
		User:            c.Database.User,
		Password:        c.Database.Password,
		Database:        c.Database.Database,
		SSLMode:         c.Database.SSLMode,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
	}
}

// APISourceConfig converts to the API client settings
func (c *Config) APISourceConfig() sources.APIConfig {
	return sources.APIConfig{
		BaseURL:       c.API.BaseURL,
		Token:         c.API.Token,
		Timeout:       c.API.Timeout,
		ProbeTimeout:  c.API.ProbeTimeout,
		MaxRetries:    c.API.MaxRetries,
		RetryInterval: c.API.RetryInterval,
		RateLimit:     c.API.RateLimit,
		RateBurst:     c.API.RateBurst,
		ProductCode:   c.API.ProductCode,
		Country:       c.API.Country,
		Region:        c.API.Region,
	}
}

// BulkSourceConfig converts to the bulk file retriever settings
func (c *Config) BulkSourceConfig() sources.BulkFileConfig {
	return sources.BulkFileConfig{
		BaseURLs: c.BulkFile.BaseURLs,
		CacheDir: c.BulkFile.CacheDir,
		MinBytes: c.BulkFile.MinBytes,
		Timeout:  c.BulkFile.Timeout,
	}
}

// ScraperSourceConfig converts to the portal scraper settings
func (c *Config) ScraperSourceConfig() sources.ScraperConfig {
	steps := make(map[sources.ScraperState]sources.StepPolicy, len(c.Scraper.Steps))
	for name, step := range c.Scraper.Steps {
		steps[sources.ScraperState(name)] = sources.StepPolicy{Timeout: step.Timeout, Retries: step.Retries}
	}
	return sources.ScraperConfig{
		PortalURL:       c.Scraper.PortalURL,
		DownloadDir:     c.Scraper.DownloadDir,
		Selectors:       c.Scraper.Selectors,
		DateLayout:      c.Scraper.DateLayout,
		ImportValue:     c.Scraper.ImportValue,
		ExportValue:     c.Scraper.ExportValue,
		StepTimeout:     c.Scraper.StepTimeout,
		StepRetries:     c.Scraper.StepRetries,
		RetryInterval:   c.Scraper.RetryInterval,
		Steps:           steps,
		DownloadTimeout: c.Scraper.DownloadTimeout,
		PollInterval:    c.Scraper.PollInterval,
	}
}

func knownStep(name string) bool {
	switch sources.ScraperState(name) {
	case sources.StateNavigatingToForm, sources.StateFillingFilters, sources.StateAwaitingResults,
		sources.StateTriggeringExport, sources.StateAwaitingDownload:
		return true
	}
	return false
}

// envReader overrides config fields from environment variables and collects parse errors
type envReader struct {
	errs *[]error
}

func (e envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e envReader) fail(key, value string, err error) {
	*e.errs = append(*e.errs, fmt.Errorf("invalid %s=%q: %w", key, value, err))
}

func (e envReader) setString(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e envReader) setInt(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e envReader) setFloat(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e envReader) setBool(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e envReader) setDuration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (e envReader) setList(key string, dst *[]string) {
	if v, ok := e.lookup(key); ok {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}
}
