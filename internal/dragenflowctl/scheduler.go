package dragenflowctl

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/dragenflow/dragenflow/internal/common/util"
)

func (a *App) Partitions() error {
	ctx, cancel := a.context()
	defer cancel()
	partitions, err := a.client().ListPartitions(ctx)
	if err != nil {
		return errors.WithMessage(err, "error listing partitions")
	}
	table := util.NewTable("PARTITION", "AVAIL", "TIMELIMIT", "NODES", "DEFAULT")
	for _, p := range partitions {
		table.Row(p.Name, p.Available, p.TimeLimit, p.Nodes, p.Default)
	}
	fmt.Fprint(a.Out, table.String())
	return nil
}

func (a *App) Queue() error {
	ctx, cancel := a.context()
	defer cancel()
	jobs, err := a.client().ListQueue(ctx)
	if err != nil {
		return errors.WithMessage(err, "error listing the scheduler queue")
	}
	if len(jobs) == 0 {
		fmt.Fprintln(a.Out, "No queued or running jobs")
		return nil
	}
	table := util.NewTable("JOBID", "NAME", "USER", "PARTITION", "STATE", "TIME", "NODES")
	for _, j := range jobs {
		table.Row(j.JobId, j.Name, j.User, j.Partition, j.State, valueOr(j.Time, "-"), j.Nodes)
	}
	fmt.Fprint(a.Out, table.String())
	return nil
}

// SetSubmissions turns submission of new scheduler jobs on or off on the server.
func (a *App) SetSubmissions(enabled bool) error {
	ctx, cancel := a.context()
	defer cancel()
	enabled, err := a.client().SetSubmissionsEnabled(ctx, enabled)
	if err != nil {
		return errors.WithMessage(err, "error changing submissions")
	}
	if enabled {
		fmt.Fprintln(a.Out, "Submissions enabled")
	} else {
		fmt.Fprintln(a.Out, "Submissions disabled")
	}
	return nil
}
