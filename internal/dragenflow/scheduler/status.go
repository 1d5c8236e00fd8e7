package scheduler

import (
	"strings"

	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
)

var slurmStates = map[string]model.Status{
	"PENDING":       model.Queued,
	"PD":            model.Queued,
	"CONFIGURING":   model.Queued,
	"CF":            model.Queued,
	"REQUEUED":      model.Queued,
	"RQ":            model.Queued,
	"REQUEUE_HOLD":  model.Queued,
	"RH":            model.Queued,
	"REQUEUE_FED":   model.Queued,
	"RF":            model.Queued,
	"RESV_DEL_HOLD": model.Queued,
	"RD":            model.Queued,
	"RUNNING":       model.Running,
	"R":             model.Running,
	"COMPLETING":    model.Running,
	"CG":            model.Running,
	"SUSPENDED":     model.Running,
	"S":             model.Running,
	"STAGE_OUT":     model.Running,
	"SO":            model.Running,
	"SIGNALING":     model.Running,
	"SI":            model.Running,
	"RESIZING":      model.Running,
	"RS":            model.Running,
	"STOPPED":       model.Running,
	"ST":            model.Running,
	"COMPLETED":     model.Complete,
	"CD":            model.Complete,
	"FAILED":        model.Failed,
	"F":             model.Failed,
	"TIMEOUT":       model.Failed,
	"TO":            model.Failed,
	"NODE_FAIL":     model.Failed,
	"NF":            model.Failed,
	"OUT_OF_MEMORY": model.Failed,
	"OOM":           model.Failed,
	"BOOT_FAIL":     model.Failed,
	"BF":            model.Failed,
	"DEADLINE":      model.Failed,
	"DL":            model.Failed,
	"PREEMPTED":     model.Failed,
	"PR":            model.Failed,
	"SPECIAL_EXIT":  model.Failed,
	"SE":            model.Failed,
	"CANCELLED":     model.Cancelled,
	"CA":            model.Cancelled,
	"REVOKED":       model.Cancelled,
	"RV":            model.Cancelled,
}

// ResolveStatus maps a scheduler state string to a Status. Only the first word counts, so "CANCELLED by 1000"
// resolves like "CANCELLED". A trailing "+" (sacct truncation) is ignored. Anything unrecognised is Unknown.
func ResolveStatus(raw string) model.Status {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return model.Unknown
	}
	state := strings.ToUpper(strings.TrimSuffix(fields[0], "+"))
	if status, ok := slurmStates[state]; ok {
		return status
	}
	return model.Unknown
}
