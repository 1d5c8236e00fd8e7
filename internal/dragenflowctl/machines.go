package dragenflowctl

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/dragenflow/dragenflow/internal/common/util"
	"github.com/dragenflow/dragenflow/internal/dragenflow/api"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
)

const timeLayout = "2006-01-02 15:04:05"

// CreateRun creates a sequencing run machine from the YAML request at path.
func (a *App) CreateRun(path string, id string, start bool) error {
	return a.create(path, "run", func(body []byte) (*model.Machine, error) {
		ctx, cancel := a.context()
		defer cancel()
		return a.client().CreateRun(ctx, body, id, start)
	})
}

// CreateAggregation creates an aggregation machine from the YAML request at path.
func (a *App) CreateAggregation(path string, id string, start bool) error {
	return a.create(path, "aggregation", func(body []byte) (*model.Machine, error) {
		ctx, cancel := a.context()
		defer cancel()
		return a.client().CreateAggregation(ctx, body, id, start)
	})
}

func (a *App) create(path string, kind string, send func(body []byte) (*model.Machine, error)) error {
	body, err := afero.ReadFile(a.Fs, path)
	if err != nil {
		return errors.Wrapf(err, "error reading %s request %s", kind, path)
	}
	machine, err := send(body)
	if err != nil {
		return errors.WithMessagef(err, "error creating %s machine from %s", kind, path)
	}
	fmt.Fprintf(a.Out, "Created machine %s (%s) in status %s\n", machine.Id, machine.Name, machine.Status)
	return nil
}

func (a *App) StartMachine(id string) error {
	ctx, cancel := a.context()
	defer cancel()
	machine, err := a.client().StartMachine(ctx, id)
	if err != nil {
		return errors.WithMessagef(err, "error starting machine %s", id)
	}
	fmt.Fprintf(a.Out, "Machine %s is %s in state %s\n", machine.Id, machine.Status, machine.CurrentStateName())
	return nil
}

func (a *App) CancelMachine(id string) error {
	ctx, cancel := a.context()
	defer cancel()
	machine, err := a.client().CancelMachine(ctx, id)
	if err != nil {
		return errors.WithMessagef(err, "error cancelling machine %s", id)
	}
	fmt.Fprintf(a.Out, "Machine %s is %s\n", machine.Id, machine.Status)
	return nil
}

// GetMachine prints one machine followed by a row per materialised task.
func (a *App) GetMachine(id string) error {
	ctx, cancel := a.context()
	defer cancel()
	details, err := a.client().GetMachine(ctx, id)
	if err != nil {
		return errors.WithMessagef(err, "error getting machine %s", id)
	}
	m := details.Machine
	fmt.Fprintf(a.Out, "Machine:  %s\nName:     %s\nStatus:   %s\nState:    %s (%d of %d)\nCreated:  %s\n",
		m.Id, m.Name, m.Status, m.CurrentStateName(), m.CurrentState+1, len(m.States), m.CreatedAt.Format(timeLayout))
	if m.FailureReason != "" {
		fmt.Fprintf(a.Out, "Failure:  %s\n", m.FailureReason)
	}
	if len(details.Tasks) == 0 {
		return nil
	}
	fmt.Fprintln(a.Out)
	table := util.NewTable("TASK", "STATE", "KIND", "STATUS", "JOB", "DETAIL")
	for _, t := range details.Tasks {
		table.Row(t.Id, t.StateName, t.Kind, t.Status, valueOr(t.ExternalJobId, "-"), taskDetail(t))
	}
	fmt.Fprint(a.Out, table.String())
	return nil
}

// GetMachines prints a row per machine with status, or per machine of any status if status is empty.
func (a *App) GetMachines(status string) error {
	var filter model.Status
	if status != "" {
		parsed, err := model.ParseStatus(status)
		if err != nil {
			return err
		}
		filter = parsed
	}
	ctx, cancel := a.context()
	defer cancel()
	machines, err := a.client().GetMachines(ctx, filter)
	if err != nil {
		return errors.WithMessage(err, "error listing machines")
	}
	if len(machines) == 0 {
		fmt.Fprintln(a.Out, "No machines found")
		return nil
	}
	table := util.NewTable("ID", "NAME", "STATUS", "STATE", "UPDATED")
	for _, m := range machines {
		table.Row(m.Id, m.Name, m.Status, valueOr(m.CurrentStateName(), "-"), m.UpdatedAt.Format(timeLayout))
	}
	fmt.Fprint(a.Out, table.String())
	return nil
}

func (a *App) ApproveReview(taskId string, reviewer string, comment string) error {
	return a.decide(taskId, func(c *api.Client) (*model.Task, error) {
		ctx, cancel := a.context()
		defer cancel()
		return c.ApproveReview(ctx, taskId, reviewer, comment)
	})
}

func (a *App) RejectReview(taskId string, reviewer string, comment string) error {
	return a.decide(taskId, func(c *api.Client) (*model.Task, error) {
		ctx, cancel := a.context()
		defer cancel()
		return c.RejectReview(ctx, taskId, reviewer, comment)
	})
}

func (a *App) decide(taskId string, send func(c *api.Client) (*model.Task, error)) error {
	task, err := send(a.client())
	if err != nil {
		return errors.WithMessagef(err, "error recording review of %s", taskId)
	}
	fmt.Fprintf(a.Out, "Task %s is %s\n", task.Id, task.Status)
	return nil
}

func taskDetail(t *model.Task) string {
	switch {
	case t.Result != nil && t.Result.Reason != "":
		return t.Result.Reason
	case t.Review != nil:
		return "reviewed by " + t.Review.Reviewer + " at " + t.Review.DecidedAt.Format(timeLayout)
	case t.WaitPath != "":
		return "waiting for " + t.WaitPath
	case t.Result != nil:
		return fmt.Sprintf("exit code %d after %s", t.Result.ExitCode, t.Result.CompletedAt.Sub(t.CreatedAt).Round(time.Second))
	default:
		return strings.TrimSpace(t.Name)
	}
}

func valueOr(s string, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
