package database

import (
	"context"
	"os"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dragenflow/dragenflow/internal/common/util"
)

// TestDbEnvVar names the environment variable holding a libpq connection string for an administrative postgres
// connection. Tests that need a real database skip when it is unset.
const TestDbEnvVar = "DRAGENFLOW_TEST_POSTGRES"

// TestDbAvailable reports whether WithTestDb can be used.
func TestDbAvailable() bool {
	return os.Getenv(TestDbEnvVar) != ""
}

// WithTestDb creates a dedicated database, applies migrations, runs action against it and drops the database
// afterwards.
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()
	connectionString := os.Getenv(TestDbEnvVar)
	if connectionString == "" {
		return errors.Errorf("%s is not set", TestDbEnvVar)
	}

	dbName := "test_" + util.NewULID()
	db, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer db.Close(ctx)

	if _, err = db.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		return errors.WithStack(err)
	}

	testDbPool, err := pgxpool.Connect(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()
		// disconnect all db user before cleanup
		_, err = db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			log.WithError(err).Warn("Failed to disconnect users")
		}
		if _, err = db.Exec(ctx, "DROP DATABASE "+dbName); err != nil {
			log.WithError(err).Warn("Failed to drop database")
		}
	}()

	if err := UpdateDatabase(ctx, testDbPool, migrations); err != nil {
		return errors.WithStack(err)
	}
	return action(testDbPool)
}
