// Package config resolves service configuration. Sources are applied in
// order: built-in defaults, the TOML file, a .env file, VODFORGE_*
// environment variables and finally command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	EnvPrefix = "VODFORGE_"

	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultDataPath        = "data/bookkeeping.json"
	DefaultChunkSize       = 5 << 20
	DefaultSegmentSeconds  = 10
	DefaultQueueWorkers    = 2
	DefaultQueueSize       = 64
	DefaultTaskTimeout     = 30 * time.Minute
	DefaultJanitorSchedule = "@every 30m"
	DefaultRetention       = 48 * time.Hour
)

const (
	StorageDriverJSON     = "json"
	StorageDriverPostgres = "postgres"
	KVDriverMemory        = "memory"
	KVDriverRedis         = "redis"
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Paths     PathsConfig     `toml:"paths"`
	Upload    UploadConfig    `toml:"upload"`
	Transcode TranscodeConfig `toml:"transcode"`
	Queue     QueueConfig     `toml:"queue"`
	Storage   StorageConfig   `toml:"storage"`
	KV        KVConfig        `toml:"kv"`
	Janitor   JanitorConfig   `toml:"janitor"`
	Object    ObjectConfig    `toml:"object_storage"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr            string        `toml:"addr"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	TLSCert         string        `toml:"tls_cert"`
	TLSKey          string        `toml:"tls_key"`
	AllowedOrigins  []string      `toml:"allowed_origins"`
	RateRPS         float64       `toml:"rate_rps"`
	RateBurst       int           `toml:"rate_burst"`
}

// PathsConfig holds the on-disk roots. IndexPath is the bbolt hash index;
// KeyInfoPath is the HLS key-info file and may be empty.
type PathsConfig struct {
	ChunkRoot    string `toml:"chunk_root"`
	VideoRoot    string `toml:"video_root"`
	TempRoot     string `toml:"temp_root"`
	ManifestRoot string `toml:"manifest_root"`
	IndexPath    string `toml:"index_path"`
	KeyInfoPath  string `toml:"key_info_path"`
}

type UploadConfig struct {
	ChunkSize        int64  `toml:"chunk_size"`
	MergeParallelism int    `toml:"merge_parallelism"`
	DigestAlgorithm  string `toml:"digest_algorithm"`
}

type TranscodeConfig struct {
	FFmpegPath     string `toml:"ffmpeg_path"`
	FFprobePath    string `toml:"ffprobe_path"`
	SegmentSeconds int    `toml:"segment_seconds"`
	Parallelism    int    `toml:"parallelism"`
}

type QueueConfig struct {
	Workers int           `toml:"workers"`
	Size    int           `toml:"size"`
	Timeout time.Duration `toml:"timeout"`
}

type StorageConfig struct {
	Driver          string        `toml:"driver"`
	DataPath        string        `toml:"data_path"`
	PostgresDSN     string        `toml:"postgres_dsn"`
	MaxConns        int           `toml:"max_conns"`
	MinConns        int           `toml:"min_conns"`
	AcquireTimeout  time.Duration `toml:"acquire_timeout"`
	MaxConnLifetime time.Duration `toml:"max_conn_lifetime"`
	MaxConnIdle     time.Duration `toml:"max_conn_idle"`
	HealthInterval  time.Duration `toml:"health_interval"`
	AppName         string        `toml:"app_name"`
}

type KVConfig struct {
	Driver        string        `toml:"driver"`
	Addr          string        `toml:"addr"`
	Addrs         []string      `toml:"addrs"`
	Username      string        `toml:"username"`
	Password      string        `toml:"password"`
	DB            int           `toml:"db"`
	MasterName    string        `toml:"master_name"`
	PoolSize      int           `toml:"pool_size"`
	Timeout       time.Duration `toml:"timeout"`
	KeyPrefix     string        `toml:"key_prefix"`
	TLSCA         string        `toml:"tls_ca"`
	TLSCert       string        `toml:"tls_cert"`
	TLSKey        string        `toml:"tls_key"`
	TLSServerName string        `toml:"tls_server_name"`
	TLSSkipVerify bool          `toml:"tls_skip_verify"`
}

type JanitorConfig struct {
	Enabled   bool          `toml:"enabled"`
	Schedule  string        `toml:"schedule"`
	Retention time.Duration `toml:"retention"`
}

// ObjectConfig enables rendition publishing when both Endpoint and Bucket
// are set.
type ObjectConfig struct {
	Endpoint    string `toml:"endpoint"`
	Region      string `toml:"region"`
	AccessKey   string `toml:"access_key"`
	SecretKey   string `toml:"secret_key"`
	Bucket      string `toml:"bucket"`
	UseSSL      bool   `toml:"use_ssl"`
	Prefix      string `toml:"prefix"`
	Concurrency int    `toml:"concurrency"`
}

// Default returns the configuration used when no source overrides a value.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Server: ServerConfig{
			Addr:            DefaultAddr,
			ShutdownTimeout: DefaultShutdownTimeout,
			AllowedOrigins:  []string{"*"},
		},
		Paths: PathsConfig{
			ChunkRoot:    "data/chunks",
			VideoRoot:    "data/videos",
			TempRoot:     "data/tmp",
			ManifestRoot: "data/m3u8",
			IndexPath:    "data/index.db",
		},
		Upload:    UploadConfig{ChunkSize: DefaultChunkSize},
		Transcode: TranscodeConfig{SegmentSeconds: DefaultSegmentSeconds},
		Queue: QueueConfig{
			Workers: DefaultQueueWorkers,
			Size:    DefaultQueueSize,
			Timeout: DefaultTaskTimeout,
		},
		Storage: StorageConfig{
			Driver:   StorageDriverJSON,
			DataPath: DefaultDataPath,
			AppName:  "vodforge",
		},
		KV: KVConfig{Driver: KVDriverMemory, Timeout: 2 * time.Second},
		Janitor: JanitorConfig{
			Enabled:   true,
			Schedule:  DefaultJanitorSchedule,
			Retention: DefaultRetention,
		},
	}
}

// LoadFile decodes the TOML file at path over cfg. Keys that do not map to
// a field are rejected so typos do not pass silently.
func LoadFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(strings.TrimSpace(c.Server.Addr) != "", "server addr is required")
	check((c.Server.TLSCert == "") == (c.Server.TLSKey == ""), "tls cert and key must be set together")
	check(c.Server.RateRPS >= 0, "rate rps must not be negative")
	check(c.Server.RateBurst >= 0, "rate burst must not be negative")
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.Log.Format))
	}

	for name, root := range map[string]string{
		"chunk_root":    c.Paths.ChunkRoot,
		"video_root":    c.Paths.VideoRoot,
		"temp_root":     c.Paths.TempRoot,
		"manifest_root": c.Paths.ManifestRoot,
	} {
		check(strings.TrimSpace(root) != "", "paths.%s is required", name)
	}
	if c.Paths.KeyInfoPath != "" {
		if _, err := os.Stat(c.Paths.KeyInfoPath); err != nil {
			errs = append(errs, fmt.Errorf("key info file: %w", err))
		}
	}

	check(c.Upload.ChunkSize > 0, "upload chunk size must be positive")
	switch strings.ToLower(c.Upload.DigestAlgorithm) {
	case "", "md5", "sha256", "blake2b":
	default:
		errs = append(errs, fmt.Errorf("unsupported digest algorithm %q", c.Upload.DigestAlgorithm))
	}
	check(c.Transcode.SegmentSeconds > 0, "segment seconds must be positive")
	check(c.Queue.Workers > 0, "queue workers must be positive")
	check(c.Queue.Size > 0, "queue size must be positive")
	check(c.Queue.Timeout > 0, "queue timeout must be positive")

	switch c.Storage.Driver {
	case StorageDriverJSON:
	case StorageDriverPostgres:
		check(strings.TrimSpace(c.Storage.PostgresDSN) != "", "postgres storage selected without DSN")
		check(c.Storage.MinConns <= c.Storage.MaxConns || c.Storage.MaxConns == 0, "postgres min conns exceeds max conns")
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.Storage.Driver))
	}

	switch c.KV.Driver {
	case KVDriverMemory:
	case KVDriverRedis:
		check(strings.TrimSpace(c.KV.Addr) != "" || len(c.KV.Addrs) > 0, "redis kv selected without addr")
		check((c.KV.TLSCert == "") == (c.KV.TLSKey == ""), "redis tls cert and key must be set together")
	default:
		errs = append(errs, fmt.Errorf("unsupported kv driver %q", c.KV.Driver))
	}

	if c.Janitor.Enabled {
		check(c.Janitor.Retention > 0, "janitor retention must be positive")
	}
	if (c.Object.Endpoint == "") != (c.Object.Bucket == "") {
		errs = append(errs, fmt.Errorf("object storage needs both endpoint and bucket"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}
