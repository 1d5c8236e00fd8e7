package slurm

import (
	"strconv"
	"strings"

	"github.com/dragenflow/dragenflow/internal/dragenflow/scheduler"
)

// table is tool output with a header row. Columns are addressed by header name; when a name repeats (sinfo's
// %all prints PARTITION twice) the first occurrence wins.
type table struct {
	command string
	columns map[string]int
	rows    [][]string
}

func parseTable(command string, output string) (*table, error) {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, scheduler.NewParseError(command, output, "no output")
	}

	split := splitWhitespace
	if strings.Contains(lines[0], "|") {
		split = splitPipes
	}

	t := &table{command: command, columns: map[string]int{}}
	for i, name := range split(lines[0]) {
		name = strings.ToUpper(name)
		if _, seen := t.columns[name]; name != "" && !seen {
			t.columns[name] = i
		}
	}
	for _, line := range lines[1:] {
		t.rows = append(t.rows, split(line))
	}
	return t, nil
}

func splitPipes(line string) []string {
	cells := strings.Split(strings.TrimRight(line, "\r"), "|")
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}

func splitWhitespace(line string) []string {
	return strings.Fields(line)
}

func (t *table) require(names ...string) error {
	for _, name := range names {
		if _, ok := t.columns[name]; !ok {
			return scheduler.NewParseError(t.command, "", "missing column %s", name)
		}
	}
	return nil
}

// get returns the named cell of row, or "" if the row is too short or the column absent.
func (t *table) get(row []string, name string) string {
	i, ok := t.columns[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func (t *table) getInt(row []string, name string) (int, error) {
	value := t.get(row, name)
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, scheduler.NewParseError(t.command, "", "column %s: %q is not a number", name, value)
	}
	return n, nil
}

// parsePartitions aggregates sinfo's one-row-per-node output into one entry per partition, in order of first
// appearance.
func parsePartitions(output string) ([]scheduler.PartitionInfo, error) {
	t, err := parseTable(sinfoCommand, output)
	if err != nil {
		return nil, err
	}
	if err := t.require("PARTITION", "NODES"); err != nil {
		return nil, err
	}

	var partitions []scheduler.PartitionInfo
	index := map[string]int{}
	for _, row := range t.rows {
		name := t.get(row, "PARTITION")
		if name == "" {
			return nil, scheduler.NewParseError(sinfoCommand, output, "row without a partition name")
		}
		isDefault := strings.HasSuffix(name, "*")
		name = strings.TrimSuffix(name, "*")
		nodes, err := t.getInt(row, "NODES")
		if err != nil {
			return nil, err
		}
		if i, ok := index[name]; ok {
			partitions[i].Nodes += nodes
			partitions[i].Default = partitions[i].Default || isDefault
			continue
		}
		index[name] = len(partitions)
		partitions = append(partitions, scheduler.PartitionInfo{
			Name:      name,
			Available: t.get(row, "AVAIL"),
			TimeLimit: t.get(row, "TIMELIMIT"),
			Nodes:     nodes,
			Default:   isDefault,
		})
	}
	return partitions, nil
}

func parseQueue(output string) ([]scheduler.QueueInfo, error) {
	t, err := parseTable(squeueCommand, output)
	if err != nil {
		return nil, err
	}
	if err := t.require("JOBID", "NAME", "USER", "PARTITION"); err != nil {
		return nil, err
	}

	queue := make([]scheduler.QueueInfo, 0, len(t.rows))
	for _, row := range t.rows {
		jobId := strings.TrimSpace(t.get(row, "JOBID"))
		if jobId == "" {
			return nil, scheduler.NewParseError(squeueCommand, output, "row without a job id")
		}
		nodes := 0
		if t.get(row, "NODES") != "" {
			nodes, err = t.getInt(row, "NODES")
			if err != nil {
				return nil, err
			}
		}
		state := t.get(row, "STATE")
		if state == "" {
			state = t.get(row, "ST")
		}
		queue = append(queue, scheduler.QueueInfo{
			JobId:     jobId,
			Name:      t.get(row, "NAME"),
			User:      t.get(row, "USER"),
			Partition: t.get(row, "PARTITION"),
			State:     state,
			Nodes:     nodes,
			Time:      t.get(row, "TIME"),
			NodeList:  t.get(row, "NODELIST(REASON)"),
		})
	}
	return queue, nil
}

// parseJobInfo picks the row for jobId itself out of sacct output, ignoring its steps (jobId.batch, jobId.0 ...).
func parseJobInfo(jobId string, output string) (*scheduler.JobInfo, error) {
	t, err := parseTable(sacctCommand, output)
	if err != nil {
		return nil, err
	}
	if err := t.require("JOBID", "STATE", "EXITCODE"); err != nil {
		return nil, err
	}

	for _, row := range t.rows {
		if t.get(row, "JOBID") != jobId {
			continue
		}
		state := t.get(row, "STATE")
		if state == "" {
			return nil, scheduler.NewParseError(sacctCommand, output, "job %s has no state", jobId)
		}
		exitCode, signal, err := parseExitCode(t.get(row, "EXITCODE"))
		if err != nil {
			return nil, scheduler.NewParseError(sacctCommand, output, "%v", err)
		}
		info := &scheduler.JobInfo{
			JobId:     jobId,
			Name:      t.get(row, "JOBNAME"),
			Partition: t.get(row, "PARTITION"),
			Account:   t.get(row, "ACCOUNT"),
			State:     state,
			Status:    scheduler.ResolveStatus(state),
			ExitCode:  exitCode,
			Signal:    signal,
		}
		if t.get(row, "ALLOCCPUS") != "" {
			if info.AllocCPUs, err = t.getInt(row, "ALLOCCPUS"); err != nil {
				return nil, err
			}
		}
		return info, nil
	}
	return nil, scheduler.NewParseError(sacctCommand, output, "no accounting row for job %s", jobId)
}

// parseExitCode reads sacct's <code>:<signal> form.
func parseExitCode(s string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, scheduler.NewParseError(sacctCommand, s, "bad exit code %q", s)
	}
	signal := 0
	if len(parts) == 2 {
		if signal, err = strconv.Atoi(parts[1]); err != nil {
			return 0, 0, scheduler.NewParseError(sacctCommand, s, "bad exit signal %q", s)
		}
	}
	return code, signal, nil
}

// parseSubmission reads sbatch --parsable output: <jobId> or <jobId>;<cluster>.
func parseSubmission(output string) (string, error) {
	line := strings.TrimSpace(output)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	jobId := strings.SplitN(line, ";", 2)[0]
	if _, err := strconv.Atoi(jobId); err != nil {
		return "", scheduler.NewParseError(sbatchCommand, output, "expected a job id, got %q", line)
	}
	return jobId, nil
}
