package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverCSV      = "csv"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	StoreDriver string
	DataDir     string
	SQLitePath  string

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	RawDataset     string
	CleanedDataset string
	ReferenceYear  int
	RequiredFields []string
	CatalogPath    string

	MaxConcurrency int
	MaxRetries     int
	RetryDelayMs   int

	LogLevel        string
	MetricsTextfile string
	ReportXLSXPath  string
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	return &Config{
		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", DriverCSV)),
		DataDir:     getEnv("DATA_DIR", "./data"),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/carsales.db"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "carsales"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "carsales123"),
		PostgresDB:       getEnv("POSTGRES_DB", "carsales"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RawDataset:     getEnv("RAW_DATASET", "car_info"),
		CleanedDataset: getEnv("CLEANED_DATASET", "car_sales_cleaned"),
		ReferenceYear:  getEnvInt("REFERENCE_YEAR", time.Now().Year()),
		RequiredFields: getEnvList("REQUIRED_FIELDS", []string{"make", "model", "trim", "body", "transmission"}),
		CatalogPath:    getEnv("CATALOG_PATH", ""),

		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 4),
		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		RetryDelayMs:   getEnvInt("RETRY_DELAY_MS", 500),

		LogLevel:        getEnv("LOG_LEVEL", "info"),
		MetricsTextfile: getEnv("METRICS_TEXTFILE", ""),
		ReportXLSXPath:  getEnv("REPORT_XLSX_PATH", ""),
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

// RetryDelay returns the base back-off delay for store connections.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
