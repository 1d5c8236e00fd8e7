package postgres

import (
	"embed"

	"github.com/dragenflow/dragenflow/internal/common/database"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

func Migrations() ([]database.Migration, error) {
	return database.ReadMigrations(migrationFiles, "migrations")
}
