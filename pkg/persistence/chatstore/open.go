package chatstore

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Settings selects and configures the history backend.
type Settings struct {
	Backend    string        `mapstructure:"backend" yaml:"backend"`
	Dir        string        `mapstructure:"dir" yaml:"dir"`
	SQLitePath string        `mapstructure:"sqlite-path" yaml:"sqlite-path"`
	SQLiteDSN  string        `mapstructure:"sqlite-dsn" yaml:"sqlite-dsn,omitempty"`
	RedisAddr  string        `mapstructure:"redis-addr" yaml:"redis-addr"`
	TTL        time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// Open builds the store named by settings.Backend. An empty backend means memory.
func Open(settings Settings) (HistoryStore, error) {
	switch strings.ToLower(strings.TrimSpace(settings.Backend)) {
	case "", BackendMemory:
		return NewInMemoryHistoryStore(), nil

	case BackendFile:
		return NewFileHistoryStore(settings.Dir)

	case BackendSQLite:
		dsn := strings.TrimSpace(settings.SQLiteDSN)
		if dsn == "" {
			dbPath := strings.TrimSpace(settings.SQLitePath)
			if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, errors.Wrap(err, "create history db dir")
				}
			}
			var err error
			dsn, err = SQLiteHistoryDSNForFile(dbPath)
			if err != nil {
				return nil, err
			}
		}
		return NewSQLiteHistoryStore(dsn)

	case BackendRedis:
		return NewRedisHistoryStore(settings.RedisAddr, settings.TTL)

	default:
		return nil, errors.Errorf("unknown history backend %q", settings.Backend)
	}
}
