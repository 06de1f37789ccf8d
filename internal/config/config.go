package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	defaultSourceBaseURL  = "https://data-eng-plants-api.herokuapp.com/plants/"
	defaultPlantCount     = 51
	defaultRequestTimeout = 100 * time.Second
	defaultSchema         = "delta"
	defaultSSLMode        = "disable"
	defaultArchiveBackend = "s3"
	defaultReadingTable   = "reading"
	defaultArchiveTZ      = "Europe/London"
	defaultAPIPort        = 8080
	defaultAPILimit       = 200
)

// DefaultArchiveTables lists the tables archived when ARCHIVE_TABLES is unset.
var DefaultArchiveTables = []string{"reading", "town", "country", "timezone", "location", "botanist", "plant"}

// Config holds runtime configuration for the watcher, archiver and api services.
type Config struct {
	Database       DatabaseConfig
	Source         SourceConfig
	Archive        ArchiveConfig
	API            APIConfig
	Log            LogConfig
	PushgatewayURL string
	DryRun         bool
}

// DatabaseConfig describes the relational store connection.
type DatabaseConfig struct {
	Host     string `env:"DB_HOST" validate:"required"`
	Port     int    `env:"DB_PORT" validate:"required,min=1,max=65535"`
	User     string `env:"DB_USER" validate:"required"`
	Password string `env:"DB_PASSWORD" validate:"required"`
	Name     string `env:"DB_NAME" validate:"required"`
	SSLMode  string `env:"DB_SSLMODE"`
	Schema   string `env:"DB_SCHEMA" validate:"required"`
}

// SourceConfig describes the plant sensor API.
type SourceConfig struct {
	BaseURL        string        `env:"SOURCE_BASE_URL" validate:"required,url"`
	PlantCount     int           `env:"SOURCE_PLANT_COUNT" validate:"min=1"`
	RequestTimeout time.Duration `env:"SOURCE_REQUEST_TIMEOUT"`
	Concurrency    int           `env:"SOURCE_CONCURRENCY" validate:"min=0"`
}

// ArchiveConfig describes the object storage sink used by the archiver.
type ArchiveConfig struct {
	Backend      string   `env:"ARCHIVE_BACKEND" validate:"oneof=s3 minio"`
	Bucket       string   `env:"BUCKET_NAME" validate:"required"`
	AccessKey    string   `env:"ACCESS_KEY" validate:"required"`
	SecretKey    string   `env:"SECRET_ACCESS_KEY" validate:"required"`
	Region       string   `env:"AWS_REGION"`
	Endpoint     string   `env:"ARCHIVE_ENDPOINT" validate:"required_if=Backend minio"`
	UseSSL       bool     `env:"ARCHIVE_USE_SSL"`
	WorkDir      string   `env:"ARCHIVE_WORK_DIR"`
	Tables       []string `env:"ARCHIVE_TABLES" validate:"min=1,dive,required"`
	ReadingTable string   `env:"ARCHIVE_READING_TABLE" validate:"required"`
	VerifyUpload bool     `env:"ARCHIVE_VERIFY_UPLOAD"`
	Timezone     string   `env:"ARCHIVE_TIMEZONE"`
}

// APIConfig holds settings for the read-only query API.
type APIConfig struct {
	Port         int
	BearerToken  string
	DefaultLimit int
}

// LogConfig controls logger level and the optional per-run log file.
type LogConfig struct {
	Level string
	Dir   string
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// Load reads configuration from environment variables (optionally .env).
// Database and source settings are validated; archive settings are only
// checked by ValidateArchive.
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Config{
		Database: DatabaseConfig{
			Host:     lookup("DB_HOST"),
			User:     lookup("DB_USER"),
			Password: lookup("DB_PASSWORD"),
			Name:     lookup("DB_NAME"),
			SSLMode:  lookupDefault("DB_SSLMODE", defaultSSLMode),
			Schema:   lookupDefault("DB_SCHEMA", defaultSchema),
		},
		Source: SourceConfig{
			BaseURL: lookupDefault("SOURCE_BASE_URL", defaultSourceBaseURL),
		},
		Archive: ArchiveConfig{
			Backend:      strings.ToLower(lookupDefault("ARCHIVE_BACKEND", defaultArchiveBackend)),
			Bucket:       lookup("BUCKET_NAME"),
			AccessKey:    lookup("ACCESS_KEY"),
			SecretKey:    lookup("SECRET_ACCESS_KEY"),
			Region:       lookupDefault("AWS_REGION", "eu-west-2"),
			Endpoint:     lookup("ARCHIVE_ENDPOINT"),
			WorkDir:      lookupDefault("ARCHIVE_WORK_DIR", os.TempDir()),
			Tables:       DefaultArchiveTables,
			ReadingTable: lookupDefault("ARCHIVE_READING_TABLE", defaultReadingTable),
			Timezone:     lookupDefault("ARCHIVE_TIMEZONE", defaultArchiveTZ),
		},
		API: APIConfig{
			BearerToken: lookup("API_BEARER_TOKEN"),
		},
		Log: LogConfig{
			Level: lookupDefault("LOG_LEVEL", "info"),
			Dir:   lookup("LOG_DIR"),
		},
		PushgatewayURL: lookup("PUSHGATEWAY_URL"),
		DryRun:         lookupBool("DRY_RUN"),
	}

	var err error
	if cfg.Database.Port, err = lookupInt("DB_PORT", 0); err != nil {
		return cfg, err
	}
	if cfg.Source.PlantCount, err = lookupInt("SOURCE_PLANT_COUNT", defaultPlantCount); err != nil {
		return cfg, err
	}
	if cfg.Source.Concurrency, err = lookupInt("SOURCE_CONCURRENCY", 0); err != nil {
		return cfg, err
	}
	if cfg.Source.RequestTimeout, err = lookupDuration("SOURCE_REQUEST_TIMEOUT", defaultRequestTimeout); err != nil {
		return cfg, err
	}
	if cfg.Source.RequestTimeout <= 0 {
		return cfg, errors.New("SOURCE_REQUEST_TIMEOUT must be positive")
	}
	if cfg.API.Port, err = lookupInt("API_PORT", defaultAPIPort); err != nil {
		return cfg, err
	}
	if cfg.API.DefaultLimit, err = lookupInt("API_DEFAULT_LIMIT", defaultAPILimit); err != nil {
		return cfg, err
	}
	if tables := lookup("ARCHIVE_TABLES"); tables != "" {
		cfg.Archive.Tables = splitList(tables)
	}
	cfg.Archive.UseSSL = lookupBool("ARCHIVE_USE_SSL")
	cfg.Archive.VerifyUpload = lookupBool("ARCHIVE_VERIFY_UPLOAD")

	if err := check(cfg.Database); err != nil {
		return cfg, err
	}
	if err := check(cfg.Source); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ValidateArchive checks the settings only the archiver needs.
func (c Config) ValidateArchive() error {
	if err := check(c.Archive); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.Archive.Timezone); err != nil {
		return fmt.Errorf("invalid ARCHIVE_TIMEZONE: %w", err)
	}
	return nil
}

// URL returns the postgres connection string for pgx.
func (d DatabaseConfig) URL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Name,
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{d.SSLMode}}.Encode()
	}
	return u.String()
}

// ListenAddr returns the host:port string for the HTTP server.
func (a APIConfig) ListenAddr() string {
	return fmt.Sprintf(":%d", a.Port)
}

// check validates a config section and reports every failing setting by its
// environment variable name.
func check(section any) error {
	err := validate.Struct(section)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required", "required_if":
			errs = append(errs, fmt.Errorf("%s is required", fe.Field()))
		case "oneof":
			errs = append(errs, fmt.Errorf("%s must be one of: %s", fe.Field(), fe.Param()))
		default:
			errs = append(errs, fmt.Errorf("invalid %s: failed %q check", fe.Field(), fe.Tag()))
		}
	}
	return errors.Join(errs...)
}

func lookup(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func lookupDefault(key, def string) string {
	if v := lookup(key); v != "" {
		return v
	}
	return def
}

func lookupBool(key string) bool {
	v := lookup(key)
	return v == "1" || strings.EqualFold(v, "true")
}

func lookupInt(key string, def int) (int, error) {
	v := lookup(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func lookupDuration(key string, def time.Duration) (time.Duration, error) {
	v := lookup(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
