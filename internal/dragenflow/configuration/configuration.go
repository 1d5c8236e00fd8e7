package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dragenflow/dragenflow/internal/common/config"
	"github.com/dragenflow/dragenflow/internal/common/database"
	"github.com/dragenflow/dragenflow/internal/dragenflow/command"
	"github.com/dragenflow/dragenflow/internal/dragenflow/engine"
	"github.com/dragenflow/dragenflow/internal/dragenflow/pipeline"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository/badger"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository/sqlite"
	"github.com/dragenflow/dragenflow/internal/dragenflow/scheduler/simulator"
	"github.com/dragenflow/dragenflow/internal/dragenflow/scheduler/slurm"
)

const (
	RepositoryMemory   = "memory"
	RepositoryPostgres = "postgres"
	RepositoryRedis    = "redis"
	RepositoryBadger   = "badger"
	RepositorySqlite   = "sqlite"

	SchedulerSlurm     = "slurm"
	SchedulerSimulator = "simulator"
)

type Configuration struct {
	// Serves /health, /metrics and /admin
	Http       HttpConfig
	Repository RepositoryConfig
	Scheduler  SchedulerConfig
	Engine     engine.Config
	Tools      command.Tools
	Dragen     pipeline.Config
	// Bound on how long the poll loop may take to stop on shutdown
	ShutdownTimeout time.Duration `validate:"required"`
}

type HttpConfig struct {
	Port uint16 `validate:"required"`
}

// RepositoryConfig selects where machines and tasks are stored. Only the block named by Kind is read.
type RepositoryConfig struct {
	Kind     string `validate:"oneof=memory postgres redis badger sqlite"`
	Postgres *database.PostgresConfig
	Redis    *config.RedisConfig
	Badger   *badger.Config
	Sqlite   *sqlite.Config
}

type SchedulerConfig struct {
	Kind string `validate:"oneof=slurm simulator"`
	// Bound on every scheduler command; zero means no timeout
	CommandTimeout time.Duration
	Slurm          slurm.Config
	Simulator      simulator.Config
}

func (c Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(repositoryConfigValidation, RepositoryConfig{})
	return validate.Struct(c)
}

func repositoryConfigValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(RepositoryConfig)
	switch c.Kind {
	case RepositoryPostgres:
		if c.Postgres == nil {
			sl.ReportError(c.Postgres, "Postgres", "Postgres", "required", "")
		}
	case RepositoryRedis:
		if c.Redis == nil {
			sl.ReportError(c.Redis, "Redis", "Redis", "required", "")
		}
	case RepositoryBadger:
		if c.Badger == nil {
			sl.ReportError(c.Badger, "Badger", "Badger", "required", "")
		}
	case RepositorySqlite:
		if c.Sqlite == nil {
			sl.ReportError(c.Sqlite, "Sqlite", "Sqlite", "required", "")
		}
	}
}
