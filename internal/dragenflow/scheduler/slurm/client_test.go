package slurm

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/process"
	"github.com/dragenflow/dragenflow/internal/dragenflow/process/fake"
	"github.com/dragenflow/dragenflow/internal/dragenflow/scheduler"
)

const sinfoOutput = `AVAIL|ACTIVE_FEATURES|CPUS|TIMELIMIT|MEMORY|HOSTNAMES|STATE|NODES |REASON |NODELIST |PARTITION |PARTITION |CLUSTER 
up|(null)|32|infinite|64000|dragen01|idle|1 |none |dragen01 |broad* |broad |N/A 
up|(null)|32|infinite|64000|dragen02|mix|1 |none |dragen02 |broad* |broad |N/A 
up|(null)|16|2-00:00:00|32000|cpu01|idle|1 |none |cpu01 |cpu |cpu |N/A 
`

const squeueOutput = `ACCOUNT|JOBID|NAME|TIME_LIMIT|REASON||ST|USER|NODES|TIME|PARTITION|NODELIST(REASON)|STATE
lab|  1234 |m1.1.0|UNLIMITED|None||R|dragen| 1 |1:02:03|broad|dragen01|RUNNING
`

const sacctOutput = `JobID|JobName|Partition|Account|AllocCPUS|State|ExitCode|
1234|m1.1.0|broad|lab|32|FAILED|2:0|
1234.batch|batch||lab|32|COMPLETED|0:0|
1234.extern|extern||lab|32|COMPLETED|0:0|
`

func newTestClient(t *testing.T, config Config) (*Client, *fake.FakeExecutor, afero.Fs) {
	t.Helper()
	executor := fake.NewFakeExecutor()
	fs := afero.NewMemMapFs()
	client, err := NewClient(executor, fs, config)
	require.NoError(t, err)
	return client, executor, fs
}

func TestListPartitions_AggregatesNodeRows(t *testing.T) {
	client, executor, _ := newTestClient(t, Config{})
	executor.Respond([]string{"sinfo", "-o", "%all"}, sinfoOutput)

	partitions, err := client.ListPartitions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []scheduler.PartitionInfo{
		{Name: "broad", Available: "up", TimeLimit: "infinite", Nodes: 2, Default: true},
		{Name: "cpu", Available: "up", TimeLimit: "2-00:00:00", Nodes: 1, Default: false},
	}, partitions)
}

func TestListPartitions_IsCached(t *testing.T) {
	client, executor, _ := newTestClient(t, Config{CacheTTL: time.Hour})
	executor.Respond([]string{"sinfo", "-o", "%all"}, sinfoOutput)

	first, err := client.ListPartitions(context.Background())
	require.NoError(t, err)
	first[0].Name = "mutated"

	second, err := client.ListPartitions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "broad", second[0].Name)
	assert.Equal(t, 1, executor.CallCount())
}

func TestListQueue(t *testing.T) {
	client, executor, _ := newTestClient(t, Config{Squeue: "/usr/bin/squeue"})
	executor.Respond([]string{"/usr/bin/squeue", "-o", "%all"}, squeueOutput)

	queue, err := client.ListQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, scheduler.QueueInfo{
		JobId:     "1234",
		Name:      "m1.1.0",
		User:      "dragen",
		Partition: "broad",
		State:     "RUNNING",
		Nodes:     1,
		Time:      "1:02:03",
		NodeList:  "dragen01",
	}, queue[0])
}

func TestListQueue_HeaderOnly(t *testing.T) {
	client, executor, _ := newTestClient(t, Config{})
	executor.Respond([]string{"squeue", "-o", "%all"}, "ACCOUNT|JOBID|NAME|USER|PARTITION|ST\n")

	queue, err := client.ListQueue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestFetchJobInfo_TopLevelRowWins(t *testing.T) {
	client, executor, _ := newTestClient(t, Config{})
	executor.Respond([]string{"sacct", "-j", "1234", "-p"}, sacctOutput)

	info, err := client.FetchJobInfo(context.Background(), "1234")
	require.NoError(t, err)
	assert.Equal(t, &scheduler.JobInfo{
		JobId:     "1234",
		Name:      "m1.1.0",
		Partition: "broad",
		Account:   "lab",
		AllocCPUs: 32,
		State:     "FAILED",
		Status:    model.Failed,
		ExitCode:  2,
		Signal:    0,
	}, info)

	status, err := client.FetchJobStatus(context.Background(), "1234")
	require.NoError(t, err)
	assert.Equal(t, model.Failed, status)
	// Finished jobs are answered from the cache
	assert.Equal(t, 1, executor.CallCount())
}

func TestFetchJobInfo_RunningIsNotCached(t *testing.T) {
	client, executor, _ := newTestClient(t, Config{})
	executor.Respond([]string{"sacct", "-j", "77", "-p"}, "JobID|JobName|State|ExitCode|\n77|x|RUNNING|0:0|\n")

	for i := 0; i < 2; i++ {
		status, err := client.FetchJobStatus(context.Background(), "77")
		require.NoError(t, err)
		assert.Equal(t, model.Running, status)
	}
	assert.Equal(t, 2, executor.CallCount())
}

func TestFetchJobInfo_CancelledBy(t *testing.T) {
	client, executor, _ := newTestClient(t, Config{})
	executor.Respond([]string{"sacct", "-j", "9", "-p"}, "JobID|JobName|State|ExitCode|\n9|x|CANCELLED by 1000|0:15|\n")

	info, err := client.FetchJobInfo(context.Background(), "9")
	require.NoError(t, err)
	assert.Equal(t, model.Cancelled, info.Status)
	assert.Equal(t, 15, info.Signal)
}

func TestFetchJobInfo_ParseErrors(t *testing.T) {
	tests := map[string]string{
		"empty":           "",
		"header only":     "JobID|JobName|State|ExitCode|\n",
		"only sub steps":  "JobID|JobName|State|ExitCode|\n5.batch|batch|COMPLETED|0:0|\n",
		"missing columns": "JobID|JobName|\n5|x|\n",
		"bad exit code":   "JobID|JobName|State|ExitCode|\n5|x|FAILED|abc|\n",
		"no state":        "JobID|JobName|State|ExitCode|\n5|x||0:0|\n",
	}
	for name, output := range tests {
		t.Run(name, func(t *testing.T) {
			client, executor, _ := newTestClient(t, Config{})
			executor.Respond([]string{"sacct", "-j", "5", "-p"}, output)
			_, err := client.FetchJobInfo(context.Background(), "5")
			require.Error(t, err)
			var parseErr *scheduler.ParseError
			assert.True(t, errors.As(err, &parseErr))
			assert.True(t, scheduler.IsTransient(err))
		})
	}
}

func TestFetchJobInfo_TimeoutIsTransient(t *testing.T) {
	client, executor, _ := newTestClient(t, Config{})
	executor.RespondWith([]string{"sacct", "-j", "5", "-p"}, fake.Response{
		Err: errors.WithStack(&process.TimeoutError{Argv: []string{"sacct"}, Timeout: time.Second}),
	})
	_, err := client.FetchJobInfo(context.Background(), "5")
	assert.True(t, scheduler.IsTransient(err))
}

func TestSubmit(t *testing.T) {
	client, executor, _ := newTestClient(t, Config{
		LogDirectory:    "/logs",
		ExtraSubmitArgs: []string{"--mem=64G"},
	})
	task := &model.Task{Id: "m1.1.0", CommandLine: "dragen -f -r '/refs/a b'"}
	argv := []string{
		"sbatch", "--parsable", "--job-name", "m1.1.0", "--partition", "broad",
		"--output", "/logs/slurm-%j.out", "--mem=64G", "--wrap", "dragen -f -r '/refs/a b'",
	}
	executor.Respond(argv, "4321;cluster1\n")

	jobId, err := client.Submit(context.Background(), "broad", task)
	require.NoError(t, err)
	assert.Equal(t, "4321", jobId)
	assert.Equal(t, [][]string{argv}, executor.Calls)
}

func TestSubmit_DefaultPartitionAndErrors(t *testing.T) {
	client, executor, _ := newTestClient(t, Config{})
	task := &model.Task{Id: "m1.0.0", CommandLine: "true"}
	argv := []string{"sbatch", "--parsable", "--job-name", "m1.0.0", "--wrap", "true"}

	executor.Respond(argv, "Submitted batch job 12\n")
	_, err := client.Submit(context.Background(), "", task)
	assert.True(t, scheduler.IsTransient(err))

	executor.RespondWith(argv, fake.Response{Err: errors.WithStack(&process.LaunchError{Argv: argv, Err: errors.New("not found")})})
	_, err = client.Submit(context.Background(), "", task)
	assert.True(t, process.IsLaunchError(err))

	_, err = client.Submit(context.Background(), "", &model.Task{Id: "x"})
	assert.Error(t, err)
}

func TestCancel(t *testing.T) {
	client, executor, _ := newTestClient(t, Config{})
	ok, err := client.Cancel(context.Background(), "55")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"scancel", "55"}, executor.Calls[0])

	executor.RespondWith([]string{"scancel", "56"}, fake.Response{
		Result: &process.Result{ExitCode: 1},
		Err:    errors.WithStack(&process.ExecutionError{Argv: []string{"scancel", "56"}, Result: &process.Result{ExitCode: 1}}),
	})
	ok, err = client.Cancel(context.Background(), "56")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadOutput(t *testing.T) {
	client, _, fs := newTestClient(t, Config{LogDirectory: "/logs", OutputTailBytes: 8})
	require.NoError(t, afero.WriteFile(fs, "/logs/slurm-42.out", []byte("line one\nSuccess\n"), 0o644))

	out, err := client.ReadOutput(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "Success", out)

	_, err = client.ReadOutput(context.Background(), "43")
	assert.Error(t, err)

	noDir, _, _ := newTestClient(t, Config{})
	out, err = noDir.ReadOutput(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestParseTable_Whitespace(t *testing.T) {
	table, err := parseTable("squeue", "JOBID NAME USER PARTITION ST\n  7 demux bob broad PD\n")
	require.NoError(t, err)
	require.Len(t, table.rows, 1)
	assert.Equal(t, "demux", table.get(table.rows[0], "NAME"))
	assert.Equal(t, "", table.get(table.rows[0], "MISSING"))

	queue, err := parseQueue("JOBID NAME USER PARTITION ST NODES\n  7 demux bob broad PD 2\n")
	require.NoError(t, err)
	assert.Equal(t, "7", queue[0].JobId)
	assert.Equal(t, "PD", queue[0].State)
	assert.Equal(t, 2, queue[0].Nodes)
}

func TestParsePartitions_Errors(t *testing.T) {
	_, err := parsePartitions("")
	assert.True(t, scheduler.IsTransient(err))

	_, err = parsePartitions("AVAIL|NODES\nup|1\n")
	assert.True(t, scheduler.IsTransient(err))

	_, err = parsePartitions("PARTITION|NODES\nbroad|many\n")
	assert.True(t, scheduler.IsTransient(err))
}
