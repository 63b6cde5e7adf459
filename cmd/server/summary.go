package main

import (
	"net/url"
	"strings"

	"vodforge/internal/config"
)

// startupSummary is the one structured log line describing which drivers
// and roots the process runs with. Secrets never appear in it.
type startupSummary struct {
	groups []summaryGroup
}

type summaryGroup struct {
	name   string
	fields map[string]any
}

func newStartupSummary(cfg config.Config) startupSummary {
	var summary startupSummary

	summary.add("http", map[string]any{
		"addr":            cfg.Server.Addr,
		"tls":             cfg.Server.TLSCert != "",
		"allowed_origins": cfg.Server.AllowedOrigins,
		"rate_rps":        cfg.Server.RateRPS,
	})

	datastore := map[string]any{"driver": cfg.Storage.Driver}
	switch cfg.Storage.Driver {
	case config.StorageDriverPostgres:
		datastore["dsn"] = redactDSN(cfg.Storage.PostgresDSN)
		if cfg.Storage.MaxConns > 0 {
			datastore["max_conns"] = cfg.Storage.MaxConns
		}
	default:
		path := cfg.Storage.DataPath
		if path == "" {
			path = "(memory)"
		}
		datastore["path"] = path
	}
	summary.add("datastore", datastore)

	kvFields := map[string]any{"driver": cfg.KV.Driver}
	if cfg.KV.Driver == config.KVDriverRedis {
		kvFields["addr"] = firstNonEmpty(cfg.KV.Addr, strings.Join(cfg.KV.Addrs, ","))
		if cfg.KV.MasterName != "" {
			kvFields["master_name"] = cfg.KV.MasterName
		}
		kvFields["tls"] = cfg.KV.TLSCA != "" || cfg.KV.TLSCert != ""
	}
	summary.add("kv", kvFields)

	summary.add("paths", map[string]any{
		"chunks":    cfg.Paths.ChunkRoot,
		"videos":    cfg.Paths.VideoRoot,
		"temp":      cfg.Paths.TempRoot,
		"manifests": cfg.Paths.ManifestRoot,
		"index":     cfg.Paths.IndexPath,
	})

	summary.add("queue", map[string]any{
		"workers": cfg.Queue.Workers,
		"size":    cfg.Queue.Size,
		"timeout": cfg.Queue.Timeout.String(),
	})

	janitorFields := map[string]any{"enabled": cfg.Janitor.Enabled}
	if cfg.Janitor.Enabled {
		janitorFields["schedule"] = cfg.Janitor.Schedule
		janitorFields["retention"] = cfg.Janitor.Retention.String()
	}
	summary.add("janitor", janitorFields)

	publishFields := map[string]any{"enabled": cfg.Object.Endpoint != "" && cfg.Object.Bucket != ""}
	if publishFields["enabled"] == true {
		publishFields["endpoint"] = cfg.Object.Endpoint
		publishFields["bucket"] = cfg.Object.Bucket
	}
	summary.add("publish", publishFields)

	return summary
}

func (s *startupSummary) add(name string, fields map[string]any) {
	s.groups = append(s.groups, summaryGroup{name: name, fields: fields})
}

// LogArgs flattens the summary into slog key/value pairs.
func (s startupSummary) LogArgs() []any {
	args := make([]any, 0, len(s.groups)*2)
	for _, group := range s.groups {
		args = append(args, group.name, group.fields)
	}
	return args
}

// redactDSN masks the password in URL-form DSNs. Keyword/value DSNs are
// reduced to a placeholder since they cannot be parsed reliably.
func redactDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ""
	}
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		return "(redacted)"
	}
	return parsed.Redacted()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
