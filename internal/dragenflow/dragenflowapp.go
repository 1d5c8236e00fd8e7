package dragenflow

import (
	"io"
	"net/http"
	"time"

	goredis "github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	"github.com/dragenflow/dragenflow/internal/common/app"
	"github.com/dragenflow/dragenflow/internal/common/database"
	"github.com/dragenflow/dragenflow/internal/common/flowcontext"
	"github.com/dragenflow/dragenflow/internal/common/health"
	"github.com/dragenflow/dragenflow/internal/common/logging"
	"github.com/dragenflow/dragenflow/internal/common/serve"
	"github.com/dragenflow/dragenflow/internal/common/task"
	"github.com/dragenflow/dragenflow/internal/common/util"
	"github.com/dragenflow/dragenflow/internal/dragenflow/api"
	"github.com/dragenflow/dragenflow/internal/dragenflow/command"
	"github.com/dragenflow/dragenflow/internal/dragenflow/configuration"
	"github.com/dragenflow/dragenflow/internal/dragenflow/engine"
	"github.com/dragenflow/dragenflow/internal/dragenflow/pipeline"
	"github.com/dragenflow/dragenflow/internal/dragenflow/process"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository/badger"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository/memory"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository/postgres"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository/redis"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository/sqlite"
	"github.com/dragenflow/dragenflow/internal/dragenflow/scheduler"
	"github.com/dragenflow/dragenflow/internal/dragenflow/scheduler/simulator"
	"github.com/dragenflow/dragenflow/internal/dragenflow/scheduler/slurm"
)

// Store is a repository that can report its health and release its connections.
type Store interface {
	repository.Repository
	health.Checker
	io.Closer
}

// Run starts the engine and its http endpoints and polls until SIGINT or SIGTERM is received.
func Run(config configuration.Configuration) error {
	ctx := app.CreateContextWithShutdown()
	fs := afero.NewOsFs()
	realClock := clock.RealClock{}

	//////////////////////////////////////////////////////////////////////////
	// Health Checks and Metrics
	//////////////////////////////////////////////////////////////////////////
	mux := http.NewServeMux()
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	health.SetupHttpMux(mux, healthChecks)
	mux.Handle("/metrics", promhttp.Handler())
	shutdownHttpServer := serve.ServeHttp(config.Http.Port, mux)
	defer shutdownHttpServer()

	//////////////////////////////////////////////////////////////////////////
	// Storage and Scheduler
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Opening %s repository", config.Repository.Kind)
	store, err := OpenRepository(ctx, config.Repository)
	if err != nil {
		return errors.WithMessage(err, "error opening repository")
	}
	defer util.CloseResource("repository", store)
	healthChecks.Add(store)

	log.Infof("Using %s scheduler", config.Scheduler.Kind)
	client, err := NewSchedulerClient(config.Scheduler, fs)
	if err != nil {
		return errors.WithMessage(err, "error creating scheduler client")
	}

	//////////////////////////////////////////////////////////////////////////
	// Engine
	//////////////////////////////////////////////////////////////////////////
	builder := command.NewBuilder(fs, config.Tools)
	metrics := engine.NewMetrics(prometheus.DefaultRegisterer)
	e := engine.New(store, client, builder, fs, realClock, config.Engine, metrics)
	defer e.Close()
	if err := e.Recover(ctx); err != nil {
		return errors.WithMessage(err, "error recovering running machines")
	}

	factory := pipeline.NewFactory(config.Dragen, builder, realClock)
	api.NewServer(e, store, client, factory).Register(mux)

	taskManager := task.NewBackgroundTaskManager("dragenflow_")
	taskManager.Register(func() { poll(ctx, e) }, config.Engine.PollInterval, "poll")
	startupCompleteCheck.MarkComplete()
	log.Infof("Polling every %s", config.Engine.PollInterval)

	<-ctx.Done()
	if timedOut := taskManager.StopAll(config.ShutdownTimeout); timedOut {
		log.Warnf("Poll loop did not stop within %s", config.ShutdownTimeout)
	}
	return nil
}

func poll(ctx *flowcontext.Context, e *engine.Engine) {
	if ctx.Err() != nil {
		return
	}
	if err := e.Tick(ctx); err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("Poll failed")
	}
}

// OpenRepository connects to the store named by config.Kind.
func OpenRepository(ctx *flowcontext.Context, config configuration.RepositoryConfig) (Store, error) {
	switch config.Kind {
	case configuration.RepositoryMemory, "":
		return memory.New()
	case configuration.RepositoryPostgres:
		if config.Postgres == nil {
			return nil, errors.New("postgres repository selected without postgres configuration")
		}
		db, err := database.OpenPgxPool(ctx, *config.Postgres)
		if err != nil {
			return nil, err
		}
		return postgres.New(db), nil
	case configuration.RepositoryRedis:
		if config.Redis == nil {
			return nil, errors.New("redis repository selected without redis configuration")
		}
		client := goredis.NewUniversalClient(config.Redis.AsUniversalOptions())
		store := redis.New(client, config.Redis.KeyPrefix)
		if err := store.Check(); err != nil {
			util.CloseResource("redis", client)
			return nil, err
		}
		return store, nil
	case configuration.RepositoryBadger:
		if config.Badger == nil {
			return nil, errors.New("badger repository selected without badger configuration")
		}
		return badger.Open(*config.Badger)
	case configuration.RepositorySqlite:
		if config.Sqlite == nil {
			return nil, errors.New("sqlite repository selected without sqlite configuration")
		}
		return sqlite.Open(ctx, *config.Sqlite)
	default:
		return nil, errors.Errorf("unknown repository kind %q", config.Kind)
	}
}

// NewSchedulerClient returns the slurm adapter, running the slurm tools on this host, or the simulator.
func NewSchedulerClient(config configuration.SchedulerConfig, fs afero.Fs) (scheduler.Client, error) {
	switch config.Kind {
	case configuration.SchedulerSlurm:
		return slurm.NewClient(process.NewLocalExecutor(config.CommandTimeout), fs, config.Slurm)
	case configuration.SchedulerSimulator, "":
		return simulator.New(config.Simulator), nil
	default:
		return nil, errors.Errorf("unknown scheduler kind %q", config.Kind)
	}
}

// MigrateDatabase brings the postgres schema up to date.
func MigrateDatabase(ctx *flowcontext.Context, config configuration.RepositoryConfig) error {
	if config.Postgres == nil {
		return errors.New("no postgres configuration")
	}
	start := time.Now()
	db, err := database.OpenPgxPool(ctx, *config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "failed to connect to database")
	}
	defer db.Close()
	migrations, err := postgres.Migrations()
	if err != nil {
		return err
	}
	if err := database.UpdateDatabase(ctx, db, migrations); err != nil {
		return errors.WithMessage(err, "failed to migrate database")
	}
	log.Infof("Database migrated in %s", time.Since(start))
	return nil
}
