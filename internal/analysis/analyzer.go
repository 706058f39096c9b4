// Package analysis inspects an extracted bot to work out which external
// database it expects and how it is configured.
package analysis

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/narvanalabs/botrunner/internal/models"
)

// Database kinds reported in ExternalConfig.DatabaseKind.
const (
	KindMongoDB  = "mongodb"
	KindPostgres = "postgres"
	KindMySQL    = "mysql"
	KindRedis    = "redis"
)

// driverKinds maps npm package names to the database they talk to.
var driverKinds = map[string]string{
	"mongoose":      KindMongoDB,
	"mongodb":       KindMongoDB,
	"pg":            KindPostgres,
	"postgres":      KindPostgres,
	"sequelize":     KindPostgres,
	"mysql":         KindMySQL,
	"mysql2":        KindMySQL,
	"redis":         KindRedis,
	"ioredis":       KindRedis,
	"@redis/client": KindRedis,
}

// envKeys lists variables that carry a connection string, most specific first.
var envKeys = []string{
	"DATABASE_URL",
	"MONGODB_URI",
	"MONGO_URI",
	"MONGO_URL",
	"POSTGRES_URL",
	"PG_CONNECTION_STRING",
	"MYSQL_URL",
	"REDIS_URL",
}

// Analyzer derives an ExternalConfig from a manifest and an optional .env file.
type Analyzer struct {
	logger *slog.Logger
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{logger: logger}
}

// Analyze returns nil when the bot shows no sign of needing a database.
// manifest is the raw package.json; envFile is the raw .env content and may
// be empty.
func (a *Analyzer) Analyze(ctx context.Context, manifest, envFile []byte) (*models.ExternalConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kind := DetectDatabase(manifest)
	env := ParseEnv(envFile)

	var cfg *models.ExternalConfig
	for _, key := range envKeys {
		if v := env[key]; v != "" {
			cfg = &models.ExternalConfig{
				RequiresDatabase: true,
				DatabaseKind:     kind,
				ConnectionString: v,
				EnvKey:           key,
			}
			break
		}
	}

	if cfg == nil && kind != "" {
		cfg = &models.ExternalConfig{RequiresDatabase: true, DatabaseKind: kind}
	}
	if cfg != nil && cfg.DatabaseKind == "" {
		cfg.DatabaseKind = kindFromURL(cfg.ConnectionString)
	}

	if cfg != nil {
		a.logger.Debug("detected external database",
			"kind", cfg.DatabaseKind,
			"env_key", cfg.EnvKey,
			"has_connection_string", cfg.ConnectionString != "",
		)
	}
	return cfg, nil
}

// DetectDatabase returns the database kind implied by the manifest's
// dependencies, or "" if none is recognized.
func DetectDatabase(manifest []byte) string {
	if len(manifest) == 0 || !gjson.ValidBytes(manifest) {
		return ""
	}
	found := make(map[string]bool)
	for name := range Dependencies(manifest) {
		if kind, ok := driverKinds[name]; ok {
			found[kind] = true
		}
	}
	// A primary store wins over a cache.
	for _, kind := range []string{KindMongoDB, KindPostgres, KindMySQL, KindRedis} {
		if found[kind] {
			return kind
		}
	}
	return ""
}

// Dependencies merges "dependencies" and "devDependencies" of a manifest.
// Runtime dependencies win on conflict.
func Dependencies(manifest []byte) map[string]string {
	out := make(map[string]string)
	if len(manifest) == 0 || !gjson.ValidBytes(manifest) {
		return out
	}
	for _, field := range []string{"devDependencies", "dependencies"} {
		gjson.GetBytes(manifest, field).ForEach(func(key, value gjson.Result) bool {
			out[key.String()] = value.String()
			return true
		})
	}
	return out
}

// ParseEnv parses dotenv content: KEY=VALUE lines, optional "export "
// prefix, # comments and single or double quoted values.
func ParseEnv(data []byte) map[string]string {
	env := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		if n := len(value); n >= 2 && (value[0] == '"' || value[0] == '\'') && value[n-1] == value[0] {
			value = value[1 : n-1]
		} else if i := strings.Index(value, " #"); i >= 0 {
			value = strings.TrimSpace(value[:i])
		}
		env[key] = value
	}
	return env
}

func kindFromURL(u string) string {
	switch {
	case strings.HasPrefix(u, "mongodb://"), strings.HasPrefix(u, "mongodb+srv://"):
		return KindMongoDB
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return KindPostgres
	case strings.HasPrefix(u, "mysql://"):
		return KindMySQL
	case strings.HasPrefix(u, "redis://"), strings.HasPrefix(u, "rediss://"):
		return KindRedis
	default:
		return ""
	}
}
