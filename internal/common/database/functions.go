package database

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type PostgresConfig struct {
	// libpq connection parameters, e.g. host, port, user, password, dbname, sslmode
	Connection map[string]string `validate:"required"`
}

// CreateConnectionString renders values as a libpq keyword/value connection string with keys in sorted order.
func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	keys := maps.Keys(values)
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"='"+replacer.Replace(values[k])+"'")
	}
	return strings.Join(parts, " ")
}

func OpenPgxPool(ctx context.Context, config PostgresConfig) (*pgxpool.Pool, error) {
	db, err := pgxpool.Connect(ctx, CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, errors.WithStack(err)
	}
	return db, nil
}
