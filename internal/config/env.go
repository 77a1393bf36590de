package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// QueueConfig defines queue connectivity, names and delivery tuning.
type QueueConfig struct {
	RedisURL      string
	Namespace     string
	Stream        string
	Group         string
	Lease         time.Duration
	Block         time.Duration
	MaxDeliveries int
}

// StorageConfig defines the on-disk layout and the optional S3 mirror.
type StorageConfig struct {
	InputDir     string
	OutputDir    string
	WorkDir      string
	OrphanMaxAge time.Duration
	S3Bucket     string
	S3Prefix     string
}

// WorkerConfig defines worker behavior and limits.
type WorkerConfig struct {
	Enabled          bool
	Concurrency      int
	OperationTimeout time.Duration
	SweepInterval    time.Duration

	// BinaryMaxInflight caps concurrent runs of any one external program;
	// BinaryLimits overrides it per program. Zero means unlimited.
	BinaryMaxInflight int
	BinaryLimits      map[string]int

	// ExtractMaxBytes and ExtractMaxEntries bound in-process zip extraction.
	ExtractMaxBytes   int64
	ExtractMaxEntries int
}

// HTTPConfig defines the public HTTP surface.
type HTTPConfig struct {
	Enabled        bool
	Port           string
	PublicBaseURL  string
	MaxUploadBytes int64
	StaticDir      string
}

// BinariesConfig names the external programs conversions shell out to.
type BinariesConfig struct {
	ImageMagick string
	HeifConvert string
	Ghostscript string
	PDFUnite    string
	PDFSeparate string
	PDFInfo     string
	FFmpeg      string
	Unzip       string
}

// Config is the top-level configuration.
type Config struct {
	Logging   LoggingConfig
	Axiom     AxiomConfig
	Queue     QueueConfig
	Storage   StorageConfig
	Worker    WorkerConfig
	HTTP      HTTPConfig
	Binaries  BinariesConfig
	ToolsFile string
}

// Load reads an optional .env file and then the environment.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/convertqueue.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_convertqueue",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Queue = QueueConfig{
		RedisURL:      redisURL(),
		Namespace:     getEnv("QUEUE_NAMESPACE", "convert"),
		Stream:        getEnv("QUEUE_STREAM", "file-conversions"),
		Group:         getEnv("QUEUE_GROUP", "workers"),
		Lease:         parseDuration(getEnv("QUEUE_LEASE", "60s"), 60*time.Second),
		Block:         parseDuration(getEnv("QUEUE_BLOCK", "2s"), 2*time.Second),
		MaxDeliveries: parseInt(getEnv("QUEUE_MAX_DELIVERIES", "3"), 3),
	}

	output := getEnv("STORAGE_OUTPUT", filepath.Join("tmp", "output"))
	cfg.Storage = StorageConfig{
		InputDir:     getEnv("STORAGE_INPUT", filepath.Join("tmp", "input")),
		OutputDir:    output,
		WorkDir:      getEnv("STORAGE_WORK", filepath.Join(output, ".work")),
		OrphanMaxAge: parseDuration(getEnv("ORPHAN_MAX_AGE", "1h"), time.Hour),
		S3Bucket:     getEnv("OUTPUT_S3_BUCKET", ""),
		S3Prefix:     getEnv("OUTPUT_S3_PREFIX", "outputs/"),
	}

	cfg.Worker = WorkerConfig{
		Enabled:          parseBool(getEnv("RUN_DISPATCHER", "true")),
		Concurrency:      parseInt(getEnv("WORKER_CONCURRENCY", "2"), 2),
		OperationTimeout: parseDuration(getEnv("OPERATION_TIMEOUT", "5m"), 5*time.Minute),
		SweepInterval:    parseDuration(getEnv("SWEEP_INTERVAL", "10m"), 10*time.Minute),

		BinaryMaxInflight: parseInt(getEnv("BINARY_MAX_INFLIGHT", "0"), 0),
		BinaryLimits:      parseLimits(getEnv("BINARY_LIMITS", "")),

		ExtractMaxBytes:   parseInt64(getEnv("ZIP_MAX_BYTES", "2147483648"), 2<<30),
		ExtractMaxEntries: parseInt(getEnv("ZIP_MAX_ENTRIES", "10000"), 10000),
	}

	port := getEnv("PORT", "3000")
	cfg.HTTP = HTTPConfig{
		Enabled:        parseBool(getEnv("RUN_API", "true")),
		Port:           port,
		PublicBaseURL:  strings.TrimRight(getEnv("BASE_URL", "http://localhost:"+port), "/"),
		MaxUploadBytes: parseInt64(getEnv("MAX_FILE_SIZE", "104857600"), 100<<20),
		StaticDir:      getEnv("STATIC_DIR", "public"),
	}

	cfg.Binaries = BinariesConfig{
		ImageMagick: getEnv("IMAGEMAGICK_BIN", "convert"),
		HeifConvert: getEnv("HEIF_CONVERT_BIN", "heif-convert"),
		Ghostscript: getEnv("GS_BIN", "gs"),
		PDFUnite:    getEnv("PDFUNITE_BIN", "pdfunite"),
		PDFSeparate: getEnv("PDFSEPARATE_BIN", "pdfseparate"),
		PDFInfo:     getEnv("PDFINFO_BIN", "pdfinfo"),
		FFmpeg:      getEnv("FFMPEG_BIN", "ffmpeg"),
		Unzip:       getEnv("UNZIP_BIN", "unzip"),
	}

	cfg.ToolsFile = getEnv("TOOLS_FILE", "")

	return cfg
}

// redisURL prefers REDIS_URL and otherwise builds one from REDIS_HOST/REDIS_PORT.
func redisURL() string {
	if u := os.Getenv("REDIS_URL"); u != "" {
		return u
	}
	host := getEnv("REDIS_HOST", "127.0.0.1")
	port := parseInt(getEnv("REDIS_PORT", "6379"), 6379)
	return fmt.Sprintf("redis://%s:%d", host, port)
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseInt64(s string, def int64) int64 {
	if s == "" {
		return def
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return def
}

// parseLimits reads "ffmpeg=1,gs=2". Malformed entries are skipped.
func parseLimits(s string) map[string]int {
	out := map[string]int{}
	for _, item := range strings.Split(s, ",") {
		name, n, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil || v < 0 {
			continue
		}
		out[strings.TrimSpace(name)] = v
	}
	return out
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
