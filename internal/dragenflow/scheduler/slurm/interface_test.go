package slurm

import "github.com/dragenflow/dragenflow/internal/dragenflow/scheduler"

var _ scheduler.Client = &Client{}
var _ scheduler.OutputReader = &Client{}
