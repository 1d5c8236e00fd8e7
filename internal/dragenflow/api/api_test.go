package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/dragenflow/dragenflow/internal/common/flowcontext"
	"github.com/dragenflow/dragenflow/internal/dragenflow/command"
	"github.com/dragenflow/dragenflow/internal/dragenflow/engine"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/pipeline"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository/memory"
	"github.com/dragenflow/dragenflow/internal/dragenflow/scheduler/simulator"
)

type fixture struct {
	client *Client
	engine *engine.Engine
	repo   *memory.Repository
	sim    *simulator.Simulator
}

func newFixture(t *testing.T) *fixture {
	repo, err := memory.New()
	require.NoError(t, err)
	sim := simulator.New(simulator.DefaultConfig())
	fs := afero.NewMemMapFs()
	clock := clocktesting.NewFakeClock(time.Date(2023, 7, 3, 9, 0, 0, 0, time.UTC))
	builder := command.NewBuilder(fs, command.Tools{
		Dragen:      "dragen",
		Fingerprint: []string{"picard"},
		GsUtil:      "gsutil",
	})
	e := engine.New(repo, sim, builder, fs, clock, engine.DefaultConfig(), nil)
	t.Cleanup(e.Close)
	factory := pipeline.NewFactory(pipeline.Config{
		AnalysisRoot:           "/seq/dragen",
		AggregationRoot:        "/seq/aggregation",
		IntermediateResultsDir: "/staging",
		Partition:              "dragen",
		GsBucket:               "gs://crams/",
		DefaultReference:       "hg38",
		References: map[string]pipeline.Reference{
			"hg38": {Path: "/ref/hg38", Fasta: "/ref/hg38.fa", HaplotypeDatabase: "/ref/hap.txt"},
		},
	}, builder, clock)

	mux := http.NewServeMux()
	NewServer(e, repo, sim, factory).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &fixture{
		client: NewClient(server.URL+"/", 5*time.Second),
		engine: e,
		repo:   repo,
		sim:    sim,
	}
}

func responseKind(t *testing.T, err error) (int, string) {
	var responseErr *ResponseError
	require.True(t, errors.As(err, &responseErr), "expected a ResponseError, got %v", err)
	return responseErr.StatusCode, responseErr.Kind
}

func TestCreateAggregation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	machine, err := f.client.CreateAggregation(ctx, []byte("sampleKey: SM-1\n"), "agg-1", true)
	require.NoError(t, err)
	assert.Equal(t, "agg-1", machine.Id)
	assert.Equal(t, "Agg_SM-1", machine.Name)
	assert.Equal(t, model.Running, machine.Status)
	assert.Equal(t, pipeline.AggregationState, machine.CurrentStateName())

	require.NoError(t, f.engine.Tick(flowcontext.Background()))

	details, err := f.client.GetMachine(ctx, "agg-1")
	require.NoError(t, err)
	assert.Equal(t, "agg-1", details.Machine.Id)
	require.Len(t, details.Tasks, 1)
	assert.Equal(t, model.KindAggregate, details.Tasks[0].Kind)
	assert.Contains(t, details.Tasks[0].CommandLine, "dragen -f -r /ref/hg38")
	assert.Equal(t, 1, f.sim.Submissions())

	_, err = f.client.CreateAggregation(ctx, []byte("sampleKey: SM-1\n"), "agg-1", false)
	status, kind := responseKind(t, err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "alreadyExists", kind)
}

func TestCreateRun_Invalid(t *testing.T) {
	f := newFixture(t)
	tests := map[string]string{
		"missing fields": "runName: r1\n",
		"unknown field":  "runName: r1\nrunDir: /seq\n",
		"not yaml":       "{{{",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := f.client.CreateRun(context.Background(), []byte(body), "", false)
			status, kind := responseKind(t, err)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, "invalidArgument", kind)
		})
	}
}

func TestCreateRun_JsonBody(t *testing.T) {
	f := newFixture(t)
	body := `{"runName": "r1", "runDirectory": "/seq/runs/r1", "flowcell": "FC1", "sampleSheet": "/sheets/r1.csv",
"samples": [{"name": "SM-1", "lane": 1}]}`
	machine, err := f.client.CreateRun(context.Background(), []byte(body), "", false)
	require.NoError(t, err)
	assert.NotEmpty(t, machine.Id)
	assert.Equal(t, model.NotStarted, machine.Status)
	assert.Len(t, machine.States, 3)
}

func TestStartAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.client.CreateAggregation(ctx, []byte("sampleKey: SM-2\n"), "agg-2", false)
	require.NoError(t, err)

	machines, err := f.client.GetMachines(ctx, model.NotStarted)
	require.NoError(t, err)
	require.Len(t, machines, 1)

	machine, err := f.client.StartMachine(ctx, "agg-2")
	require.NoError(t, err)
	assert.Equal(t, model.Running, machine.Status)

	machine, err = f.client.CancelMachine(ctx, "agg-2")
	require.NoError(t, err)
	assert.Equal(t, model.Cancelled, machine.Status)

	_, err = f.client.StartMachine(ctx, "agg-2")
	status, kind := responseKind(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalidArgument", kind)

	_, err = f.client.StartMachine(ctx, "missing")
	status, kind = responseKind(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "notFound", kind)

	all, err := f.client.GetMachines(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = f.client.GetMachines(ctx, "SIDEWAYS")
	status, _ = responseKind(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestReviewDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := flowcontext.Background()
	review := model.StateDefinition{
		Name: "Review",
		Tasks: []model.TaskSpec{{
			Name:          "review",
			Kind:          model.KindWaitForReview,
			WaitForReview: &model.WaitForReviewParams{},
		}},
	}
	for _, id := range []string{"approved", "rejected"} {
		_, err := f.engine.CreateMachine(ctx, id, id, []model.StateDefinition{review})
		require.NoError(t, err)
		_, err = f.engine.StartMachine(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, f.engine.Tick(ctx))

	task, err := f.client.ApproveReview(ctx, model.TaskId("approved", 0, 0), "alice", "looks good")
	require.NoError(t, err)
	assert.Equal(t, model.Complete, task.Status)
	assert.Equal(t, "alice", task.Review.Reviewer)

	task, err = f.client.RejectReview(ctx, model.TaskId("rejected", 0, 0), "bob", "contaminated")
	require.NoError(t, err)
	assert.Equal(t, model.Failed, task.Status)
	assert.Equal(t, "rejected by bob: contaminated", task.Result.Reason)

	_, err = f.client.ApproveReview(ctx, model.TaskId("approved", 0, 0), "", "")
	status, _ := responseKind(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSchedulerViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sim.Enqueue("manual-job", "dragen")

	partitions, err := f.client.ListPartitions(ctx)
	require.NoError(t, err)
	require.Len(t, partitions, 1)
	assert.Equal(t, "dragen", partitions[0].Name)
	assert.True(t, partitions[0].Default)

	jobs, err := f.client.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "manual-job", jobs[0].Name)
}

func TestSubmissionsToggle(t *testing.T) {
	f := newFixture(t)
	enabled, err := f.client.SetSubmissionsEnabled(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.False(t, f.engine.Admin().SubmissionsEnabled())

	enabled, err = f.client.SetSubmissionsEnabled(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	err := f.client.do(context.Background(), http.MethodDelete, "/api/partitions", nil, nil, &Partitions{})
	status, _ := responseKind(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}
