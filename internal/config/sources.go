package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LookupFunc reads an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// setting is one overridable value. The flag is -name and the environment
// variable is VODFORGE_ followed by the upper-cased name with dashes
// replaced by underscores.
type setting struct {
	name   string
	usage  string
	isBool bool
	apply  func(cfg *Config, raw string) error
}

// EnvName returns the environment variable for a flag name.
func EnvName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func stringSetting(name, usage string, field func(*Config) *string) setting {
	return setting{name: name, usage: usage, apply: func(cfg *Config, raw string) error {
		*field(cfg) = strings.TrimSpace(raw)
		return nil
	}}
}

func secretSetting(name, usage string, field func(*Config) *string) setting {
	return setting{name: name, usage: usage, apply: func(cfg *Config, raw string) error {
		*field(cfg) = raw
		return nil
	}}
}

func intSetting(name, usage string, field func(*Config) *int) setting {
	return setting{name: name, usage: usage, apply: func(cfg *Config, raw string) error {
		value, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*field(cfg) = value
		return nil
	}}
}

func int64Setting(name, usage string, field func(*Config) *int64) setting {
	return setting{name: name, usage: usage, apply: func(cfg *Config, raw string) error {
		value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return err
		}
		*field(cfg) = value
		return nil
	}}
}

func floatSetting(name, usage string, field func(*Config) *float64) setting {
	return setting{name: name, usage: usage, apply: func(cfg *Config, raw string) error {
		value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return err
		}
		*field(cfg) = value
		return nil
	}}
}

func durationSetting(name, usage string, field func(*Config) *time.Duration) setting {
	return setting{name: name, usage: usage, apply: func(cfg *Config, raw string) error {
		value, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*field(cfg) = value
		return nil
	}}
}

func boolSetting(name, usage string, field func(*Config) *bool) setting {
	return setting{name: name, usage: usage, isBool: true, apply: func(cfg *Config, raw string) error {
		value, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*field(cfg) = value
		return nil
	}}
}

func listSetting(name, usage string, field func(*Config) *[]string) setting {
	return setting{name: name, usage: usage, apply: func(cfg *Config, raw string) error {
		*field(cfg) = splitAndTrim(raw)
		return nil
	}}
}

var settings = []setting{
	stringSetting("log-level", "log level (debug, info, warn, error)", func(c *Config) *string { return &c.Log.Level }),
	stringSetting("log-format", "log format (json or text)", func(c *Config) *string { return &c.Log.Format }),

	stringSetting("addr", "HTTP listen address", func(c *Config) *string { return &c.Server.Addr }),
	durationSetting("shutdown-timeout", "graceful shutdown timeout", func(c *Config) *time.Duration { return &c.Server.ShutdownTimeout }),
	stringSetting("tls-cert", "path to TLS certificate file", func(c *Config) *string { return &c.Server.TLSCert }),
	stringSetting("tls-key", "path to TLS private key file", func(c *Config) *string { return &c.Server.TLSKey }),
	listSetting("allowed-origins", "comma separated CORS origins", func(c *Config) *[]string { return &c.Server.AllowedOrigins }),
	floatSetting("rate-rps", "global request rate limit in requests per second (0 disables)", func(c *Config) *float64 { return &c.Server.RateRPS }),
	intSetting("rate-burst", "global rate limit burst allowance", func(c *Config) *int { return &c.Server.RateBurst }),

	stringSetting("chunk-root", "directory holding in-flight chunk uploads", func(c *Config) *string { return &c.Paths.ChunkRoot }),
	stringSetting("video-root", "directory holding merged videos", func(c *Config) *string { return &c.Paths.VideoRoot }),
	stringSetting("temp-root", "directory for transcode intermediates", func(c *Config) *string { return &c.Paths.TempRoot }),
	stringSetting("manifest-root", "directory for HLS renditions", func(c *Config) *string { return &c.Paths.ManifestRoot }),
	stringSetting("index-path", "bbolt hash index file (empty disables the index)", func(c *Config) *string { return &c.Paths.IndexPath }),
	stringSetting("key-info-path", "HLS key info file for segment encryption", func(c *Config) *string { return &c.Paths.KeyInfoPath }),

	int64Setting("chunk-size", "upload chunk size in bytes", func(c *Config) *int64 { return &c.Upload.ChunkSize }),
	intSetting("merge-parallelism", "concurrent chunk copies per merge", func(c *Config) *int { return &c.Upload.MergeParallelism }),
	stringSetting("digest-algorithm", "verify merged files against their hash (md5, sha256, blake2b)", func(c *Config) *string { return &c.Upload.DigestAlgorithm }),

	stringSetting("ffmpeg-path", "ffmpeg binary", func(c *Config) *string { return &c.Transcode.FFmpegPath }),
	stringSetting("ffprobe-path", "ffprobe binary", func(c *Config) *string { return &c.Transcode.FFprobePath }),
	intSetting("segment-seconds", "target HLS segment duration", func(c *Config) *int { return &c.Transcode.SegmentSeconds }),
	intSetting("transcode-parallelism", "concurrent ffmpeg processes per job", func(c *Config) *int { return &c.Transcode.Parallelism }),

	intSetting("queue-workers", "background workers", func(c *Config) *int { return &c.Queue.Workers }),
	intSetting("queue-size", "maximum queued background tasks", func(c *Config) *int { return &c.Queue.Size }),
	durationSetting("queue-timeout", "timeout for one background task", func(c *Config) *time.Duration { return &c.Queue.Timeout }),

	stringSetting("storage-driver", "bookkeeping driver (json or postgres)", func(c *Config) *string { return &c.Storage.Driver }),
	stringSetting("data", "path to the JSON bookkeeping file (empty keeps it in memory)", func(c *Config) *string { return &c.Storage.DataPath }),
	secretSetting("postgres-dsn", "Postgres connection string", func(c *Config) *string { return &c.Storage.PostgresDSN }),
	intSetting("postgres-max-conns", "maximum connections in the Postgres pool", func(c *Config) *int { return &c.Storage.MaxConns }),
	intSetting("postgres-min-conns", "minimum idle connections in the Postgres pool", func(c *Config) *int { return &c.Storage.MinConns }),
	durationSetting("postgres-acquire-timeout", "timeout when acquiring a Postgres connection", func(c *Config) *time.Duration { return &c.Storage.AcquireTimeout }),
	durationSetting("postgres-max-conn-lifetime", "maximum lifetime of a pooled connection", func(c *Config) *time.Duration { return &c.Storage.MaxConnLifetime }),
	durationSetting("postgres-max-conn-idle", "maximum idle time of a pooled connection", func(c *Config) *time.Duration { return &c.Storage.MaxConnIdle }),
	durationSetting("postgres-health-interval", "interval between pool health checks", func(c *Config) *time.Duration { return &c.Storage.HealthInterval }),
	stringSetting("postgres-app-name", "application_name reported to Postgres", func(c *Config) *string { return &c.Storage.AppName }),

	stringSetting("kv-driver", "key-value driver (memory or redis)", func(c *Config) *string { return &c.KV.Driver }),
	stringSetting("redis-addr", "Redis address", func(c *Config) *string { return &c.KV.Addr }),
	listSetting("redis-addrs", "comma separated Redis cluster or sentinel addresses", func(c *Config) *[]string { return &c.KV.Addrs }),
	stringSetting("redis-username", "Redis username", func(c *Config) *string { return &c.KV.Username }),
	secretSetting("redis-password", "Redis password", func(c *Config) *string { return &c.KV.Password }),
	intSetting("redis-db", "Redis database number", func(c *Config) *int { return &c.KV.DB }),
	stringSetting("redis-master-name", "Redis sentinel master name", func(c *Config) *string { return &c.KV.MasterName }),
	intSetting("redis-pool-size", "maximum Redis connections", func(c *Config) *int { return &c.KV.PoolSize }),
	durationSetting("redis-timeout", "Redis dial, read and write timeout", func(c *Config) *time.Duration { return &c.KV.Timeout }),
	stringSetting("redis-key-prefix", "prefix for every Redis key", func(c *Config) *string { return &c.KV.KeyPrefix }),
	stringSetting("redis-tls-ca", "path to Redis TLS CA certificate", func(c *Config) *string { return &c.KV.TLSCA }),
	stringSetting("redis-tls-cert", "path to Redis TLS client certificate", func(c *Config) *string { return &c.KV.TLSCert }),
	stringSetting("redis-tls-key", "path to Redis TLS client key", func(c *Config) *string { return &c.KV.TLSKey }),
	stringSetting("redis-tls-server-name", "override Redis TLS server name", func(c *Config) *string { return &c.KV.TLSServerName }),
	boolSetting("redis-tls-skip-verify", "skip Redis TLS verification", func(c *Config) *bool { return &c.KV.TLSSkipVerify }),

	boolSetting("janitor-enabled", "run the scheduled cleanup of stale uploads", func(c *Config) *bool { return &c.Janitor.Enabled }),
	stringSetting("janitor-schedule", "cron schedule for the cleanup sweep", func(c *Config) *string { return &c.Janitor.Schedule }),
	durationSetting("janitor-retention", "age after which stale uploads are removed", func(c *Config) *time.Duration { return &c.Janitor.Retention }),

	stringSetting("object-endpoint", "object storage endpoint (e.g. http://127.0.0.1:9000)", func(c *Config) *string { return &c.Object.Endpoint }),
	stringSetting("object-region", "object storage region", func(c *Config) *string { return &c.Object.Region }),
	stringSetting("object-access-key", "object storage access key", func(c *Config) *string { return &c.Object.AccessKey }),
	secretSetting("object-secret-key", "object storage secret key", func(c *Config) *string { return &c.Object.SecretKey }),
	stringSetting("object-bucket", "object storage bucket name", func(c *Config) *string { return &c.Object.Bucket }),
	boolSetting("object-use-ssl", "enable TLS for object storage requests", func(c *Config) *bool { return &c.Object.UseSSL }),
	stringSetting("object-prefix", "object key prefix for published renditions", func(c *Config) *string { return &c.Object.Prefix }),
	intSetting("object-concurrency", "concurrent object uploads per rendition set", func(c *Config) *int { return &c.Object.Concurrency }),
}

// Load resolves the configuration for a process started with args.
// lookup defaults to os.LookupEnv.
func Load(args []string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	flags := flag.NewFlagSet("vodforge", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to TOML config file (env "+EnvPrefix+"CONFIG)")
	envFile := flags.String("env-file", ".env", "path to a .env file; missing files are ignored")

	type pendingFlag struct {
		setting setting
		value   string
	}
	var pending []pendingFlag
	for _, s := range settings {
		s := s
		record := func(value string) error {
			pending = append(pending, pendingFlag{setting: s, value: value})
			return nil
		}
		usage := fmt.Sprintf("%s (env %s)", s.usage, EnvName(s.name))
		if s.isBool {
			flags.BoolFunc(s.name, usage, record)
		} else {
			flags.Func(s.name, usage, record)
		}
	}
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	dotenv, err := readDotEnv(*envFile)
	if err != nil {
		return Config{}, err
	}
	env := func(key string) (string, bool) {
		if value, ok := lookup(key); ok {
			return value, true
		}
		value, ok := dotenv[key]
		return value, ok
	}

	cfg := Default()
	path := *configPath
	if path == "" {
		path, _ = env(EnvPrefix + "CONFIG")
	}
	if path = strings.TrimSpace(path); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}
	for _, p := range pending {
		if err := p.setting.apply(&cfg, p.value); err != nil {
			return Config{}, fmt.Errorf("config: flag -%s: %w", p.setting.name, err)
		}
	}
	if cfg.Storage.Driver == StorageDriverPostgres && strings.TrimSpace(cfg.Storage.PostgresDSN) == "" {
		if dsn, ok := env("DATABASE_URL"); ok {
			cfg.Storage.PostgresDSN = strings.TrimSpace(dsn)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, env LookupFunc) error {
	var errs []error
	for _, s := range settings {
		key := EnvName(s.name)
		raw, ok := env(key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := s.apply(cfg, raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func readDotEnv(path string) (map[string]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
