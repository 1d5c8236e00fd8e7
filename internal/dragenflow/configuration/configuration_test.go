package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragenflow/dragenflow/internal/common/config"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/pipeline"
)

const defaultConfigPath = "../../../config/dragenflow"

func loadDefault(t *testing.T, overrides ...string) Configuration {
	var c Configuration
	_, err := config.LoadConfig(&c, defaultConfigPath, overrides)
	require.NoError(t, err)
	return c
}

func TestDefaultConfigIsValid(t *testing.T) {
	c := loadDefault(t)
	require.NoError(t, c.Validate())

	assert.Equal(t, RepositoryMemory, c.Repository.Kind)
	assert.Equal(t, SchedulerSimulator, c.Scheduler.Kind)
	assert.Equal(t, 10*time.Second, c.Engine.PollInterval)
	assert.Equal(t, 720*time.Hour, c.Engine.Review.Timeout)
	assert.Equal(t, []model.Status{model.Queued, model.Running, model.Complete}, c.Scheduler.Simulator.Script)
	assert.Equal(t, []string{"java", "-jar", "/opt/picard/picard.jar"}, c.Tools.Fingerprint)
	assert.Contains(t, c.Dragen.References, "hg38")
	assert.Equal(t, "hg38", c.Dragen.DefaultReference)
}

func TestUserConfigOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	override := filepath.Join(dir, "site.yaml")
	require.NoError(t, os.WriteFile(override, []byte(`
repository:
  kind: badger
  badger:
    dir: /var/lib/dragenflow
engine:
  pollInterval: 30s
`), 0o644))

	c := loadDefault(t, override)
	require.NoError(t, c.Validate())
	assert.Equal(t, RepositoryBadger, c.Repository.Kind)
	require.NotNil(t, c.Repository.Badger)
	assert.Equal(t, config.Path("/var/lib/dragenflow"), c.Repository.Badger.Dir)
	assert.Equal(t, 30*time.Second, c.Engine.PollInterval)
	assert.Equal(t, 10, c.Engine.MachineConcurrency)
}

func TestValidate(t *testing.T) {
	tests := map[string]func(c *Configuration){
		"unknown repository":         func(c *Configuration) { c.Repository.Kind = "etcd" },
		"sqlite without block":       func(c *Configuration) { c.Repository.Kind = RepositorySqlite },
		"postgres without block":     func(c *Configuration) { c.Repository.Kind = RepositoryPostgres },
		"redis without block":        func(c *Configuration) { c.Repository.Kind = RepositoryRedis },
		"unknown scheduler":          func(c *Configuration) { c.Scheduler.Kind = "pbs" },
		"no poll interval":           func(c *Configuration) { c.Engine.PollInterval = 0 },
		"no concurrency":             func(c *Configuration) { c.Engine.MachineConcurrency = 0 },
		"no http port":               func(c *Configuration) { c.Http.Port = 0 },
		"reference without fasta":    func(c *Configuration) { c.Dragen.References["hg38"] = pipelineReferenceWithoutFasta(c) },
		"no intermediate results":    func(c *Configuration) { c.Dragen.IntermediateResultsDir = "" },
		"negative job info capacity": func(c *Configuration) { c.Scheduler.Slurm.JobInfoCacheSize = -1 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := loadDefault(t)
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func pipelineReferenceWithoutFasta(c *Configuration) pipeline.Reference {
	reference := c.Dragen.References["hg38"]
	reference.Fasta = ""
	return reference
}
