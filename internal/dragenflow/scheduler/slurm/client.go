package slurm

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/dragenflow/dragenflow/internal/common/flowcontext"
	"github.com/dragenflow/dragenflow/internal/common/flowerrors"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/process"
	"github.com/dragenflow/dragenflow/internal/dragenflow/scheduler"
)

const (
	sbatchCommand  = "sbatch"
	scancelCommand = "scancel"
	sinfoCommand   = "sinfo"
	squeueCommand  = "squeue"
	sacctCommand   = "sacct"

	partitionsCacheKey = "partitions"
)

type Config struct {
	// Paths to the slurm tools; the bare tool name is used when empty
	Sbatch  string
	Scancel string
	Sinfo   string
	Squeue  string
	Sacct   string
	// Directory job output is written to, as slurm-<jobId>.out
	LogDirectory string
	// Appended to every sbatch invocation before --wrap, e.g. --mem=64G
	ExtraSubmitArgs []string
	// How long a partition listing is reused
	CacheTTL time.Duration
	// Number of finished jobs whose accounting record is kept in memory
	JobInfoCacheSize int `validate:"gte=0"`
	// How much of the end of a job's output is captured
	OutputTailBytes int64 `validate:"gte=0"`
}

// Client drives a Slurm cluster through its command line tools.
type Client struct {
	executor   process.Executor
	fs         afero.Fs
	config     Config
	partitions *cache.Cache
	// Accounting records of finished jobs never change, so they are cached by job id
	finished *lru.Cache
}

func NewClient(executor process.Executor, fs afero.Fs, config Config) (*Client, error) {
	size := config.JobInfoCacheSize
	if size <= 0 {
		size = 1024
	}
	finished, err := lru.New(size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	ttl := config.CacheTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &Client{
		executor:   executor,
		fs:         fs,
		config:     config,
		partitions: cache.New(ttl, 2*ttl),
		finished:   finished,
	}, nil
}

func (c *Client) Submit(ctx context.Context, partition string, task *model.Task) (string, error) {
	if task.CommandLine == "" {
		return "", errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "commandLine", Value: task.Id, Message: "task has no command line"})
	}
	argv := []string{tool(c.config.Sbatch, sbatchCommand), "--parsable", "--job-name", task.Id}
	if partition != "" {
		argv = append(argv, "--partition", partition)
	}
	if c.config.LogDirectory != "" {
		argv = append(argv, "--output", filepath.Join(c.config.LogDirectory, "slurm-%j.out"))
	}
	argv = append(argv, c.config.ExtraSubmitArgs...)
	argv = append(argv, "--wrap", task.CommandLine)

	result, err := c.executor.Execute(ctx, argv)
	if err != nil {
		return "", err
	}
	jobId, err := parseSubmission(result.Stdout)
	if err != nil {
		return "", err
	}
	flowcontext.FromContext(ctx).Log.WithField("jobId", jobId).Infof("Submitted %s to partition %q", task.Id, partition)
	return jobId, nil
}

func (c *Client) Cancel(ctx context.Context, jobId string) (bool, error) {
	_, err := c.executor.Execute(ctx, []string{tool(c.config.Scancel, scancelCommand), jobId})
	if err != nil {
		if process.IsExecutionError(err) {
			flowcontext.FromContext(ctx).Log.WithError(err).Warnf("scancel refused job %s", jobId)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) FetchJobStatus(ctx context.Context, jobId string) (model.Status, error) {
	info, err := c.FetchJobInfo(ctx, jobId)
	if err != nil {
		return model.Unknown, err
	}
	return info.Status, nil
}

func (c *Client) FetchJobInfo(ctx context.Context, jobId string) (*scheduler.JobInfo, error) {
	if cached, ok := c.finished.Get(jobId); ok {
		info := *cached.(*scheduler.JobInfo)
		return &info, nil
	}
	result, err := c.executor.Execute(ctx, []string{tool(c.config.Sacct, sacctCommand), "-j", jobId, "-p"})
	if err != nil {
		return nil, err
	}
	info, err := parseJobInfo(jobId, result.Stdout)
	if err != nil {
		return nil, err
	}
	if info.Status.IsTerminal() {
		stored := *info
		c.finished.Add(jobId, &stored)
	}
	return info, nil
}

func (c *Client) ListPartitions(ctx context.Context) ([]scheduler.PartitionInfo, error) {
	if cached, ok := c.partitions.Get(partitionsCacheKey); ok {
		return append([]scheduler.PartitionInfo{}, cached.([]scheduler.PartitionInfo)...), nil
	}
	result, err := c.executor.Execute(ctx, []string{tool(c.config.Sinfo, sinfoCommand), "-o", "%all"})
	if err != nil {
		return nil, err
	}
	partitions, err := parsePartitions(result.Stdout)
	if err != nil {
		return nil, err
	}
	c.partitions.SetDefault(partitionsCacheKey, partitions)
	return append([]scheduler.PartitionInfo{}, partitions...), nil
}

func (c *Client) ListQueue(ctx context.Context) ([]scheduler.QueueInfo, error) {
	result, err := c.executor.Execute(ctx, []string{tool(c.config.Squeue, squeueCommand), "-o", "%all"})
	if err != nil {
		return nil, err
	}
	return parseQueue(result.Stdout)
}

// ReadOutput returns the tail of the job's output file. It returns "" if no log directory is configured, since
// slurm then writes to the submitting process's working directory.
func (c *Client) ReadOutput(_ context.Context, jobId string) (string, error) {
	if c.config.LogDirectory == "" {
		return "", nil
	}
	path := filepath.Join(c.config.LogDirectory, "slurm-"+jobId+".out")
	f, err := c.fs.Open(path)
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer f.Close()

	if tail := c.config.OutputTailBytes; tail > 0 {
		stat, err := f.Stat()
		if err != nil {
			return "", errors.WithStack(err)
		}
		if stat.Size() > tail {
			if _, err := f.Seek(stat.Size()-tail, io.SeekStart); err != nil {
				return "", errors.WithStack(err)
			}
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func tool(configured string, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}
