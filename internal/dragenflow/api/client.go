package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/dragenflow/dragenflow/internal/common/requestid"
	"github.com/dragenflow/dragenflow/internal/common/util"
	"github.com/dragenflow/dragenflow/internal/common/xjson"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/scheduler"
)

// Client calls a running server.
type Client struct {
	baseUrl string
	http    *http.Client
}

func NewClient(baseUrl string, timeout time.Duration) *Client {
	return &Client{
		baseUrl: strings.TrimRight(baseUrl, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// CreateRun posts body, a YAML run request, and returns the new machine.
func (c *Client) CreateRun(ctx context.Context, body []byte, id string, start bool) (*model.Machine, error) {
	return c.create(ctx, "/api/machines/runs", body, id, start)
}

func (c *Client) CreateAggregation(ctx context.Context, body []byte, id string, start bool) (*model.Machine, error) {
	return c.create(ctx, "/api/machines/aggregations", body, id, start)
}

func (c *Client) create(ctx context.Context, path string, body []byte, id string, start bool) (*model.Machine, error) {
	query := url.Values{}
	if id != "" {
		query.Set("id", id)
	}
	if start {
		query.Set("start", "true")
	}
	machine := &model.Machine{}
	err := c.do(ctx, http.MethodPost, path, query, body, machine)
	return machine, err
}

func (c *Client) StartMachine(ctx context.Context, id string) (*model.Machine, error) {
	machine := &model.Machine{}
	err := c.do(ctx, http.MethodPost, "/api/machines/"+url.PathEscape(id)+"/start", nil, nil, machine)
	return machine, err
}

func (c *Client) CancelMachine(ctx context.Context, id string) (*model.Machine, error) {
	machine := &model.Machine{}
	err := c.do(ctx, http.MethodPost, "/api/machines/"+url.PathEscape(id)+"/cancel", nil, nil, machine)
	return machine, err
}

func (c *Client) GetMachine(ctx context.Context, id string) (*MachineDetails, error) {
	details := &MachineDetails{}
	err := c.do(ctx, http.MethodGet, "/api/machines/"+url.PathEscape(id), nil, nil, details)
	return details, err
}

// GetMachines lists machines with status, or every machine when status is empty.
func (c *Client) GetMachines(ctx context.Context, status model.Status) ([]*model.Machine, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", string(status))
	}
	var machines []*model.Machine
	err := c.do(ctx, http.MethodGet, "/api/machines", query, nil, &machines)
	return machines, err
}

func (c *Client) ApproveReview(ctx context.Context, taskId string, reviewer string, comment string) (*model.Task, error) {
	return c.decide(ctx, taskId, "approve", reviewer, comment)
}

func (c *Client) RejectReview(ctx context.Context, taskId string, reviewer string, comment string) (*model.Task, error) {
	return c.decide(ctx, taskId, "reject", reviewer, comment)
}

func (c *Client) decide(ctx context.Context, taskId string, action string, reviewer string, comment string) (*model.Task, error) {
	body, err := xjson.Marshal(ReviewDecision{Reviewer: reviewer, Comment: comment})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	task := &model.Task{}
	err = c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskId)+"/"+action, nil, body, task)
	return task, err
}

func (c *Client) ListPartitions(ctx context.Context) ([]scheduler.PartitionInfo, error) {
	partitions := Partitions{}
	err := c.do(ctx, http.MethodGet, "/api/partitions", nil, nil, &partitions)
	return partitions.Partitions, err
}

func (c *Client) ListQueue(ctx context.Context) ([]scheduler.QueueInfo, error) {
	queue := Queue{}
	err := c.do(ctx, http.MethodGet, "/api/queue", nil, nil, &queue)
	return queue.Jobs, err
}

func (c *Client) SetSubmissionsEnabled(ctx context.Context, enabled bool) (bool, error) {
	toggle := SubmissionsToggle{}
	query := url.Values{"enabled": []string{strconv.FormatBool(enabled)}}
	err := c.do(ctx, http.MethodPost, "/admin/submissions", query, nil, &toggle)
	return toggle.Enabled, err
}

func (c *Client) do(ctx context.Context, method string, path string, query url.Values, body []byte, out interface{}) error {
	target := c.baseUrl + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set(requestid.HeaderKey, util.NewULID())
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WithStack(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return responseError(resp.StatusCode, data)
	}
	if err := xjson.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "decoding response of %s %s", method, path)
	}
	return nil
}

// ResponseError is a failure reported by the server.
type ResponseError struct {
	StatusCode int
	// See errorResponse; empty for server side failures
	Kind    string
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func responseError(status int, data []byte) error {
	response := errorResponse{}
	if err := xjson.Unmarshal(data, &response); err != nil || response.Error == "" {
		response = errorResponse{Error: strings.TrimSpace(string(data))}
	}
	return errors.WithStack(&ResponseError{StatusCode: status, Kind: response.Kind, Message: response.Error})
}
