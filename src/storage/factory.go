package storage

import (
	"fmt"
	"strings"

	"pool-observer/src/interfaces"
	"pool-observer/src/logger"
	"pool-observer/src/models"
)

const (
	DBTypeSQLite   = "sqlite"
	DBTypePostgres = "postgres"
)

// NewStore builds the backend selected by storage.db_type. Exactly one backend
// serves a deployment; the caller still has to Initialize it.
func NewStore(cfg *models.MConfig, log *logger.Logger) (interfaces.IPoolStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.DBType)) {
	case "", DBTypeSQLite, "sqlite3":
		return NewSQLiteDB(cfg, log.Named("sqlite"))
	case DBTypePostgres, "postgresql":
		return NewPostgresDB(cfg, log.Named("postgres"))
	}
	return nil, fmt.Errorf("unsupported storage.db_type %q (want %s or %s)", cfg.Storage.DBType, DBTypeSQLite, DBTypePostgres)
}
