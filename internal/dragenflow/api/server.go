package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/dragenflow/dragenflow/internal/common/flowcontext"
	"github.com/dragenflow/dragenflow/internal/common/flowerrors"
	"github.com/dragenflow/dragenflow/internal/common/logging"
	"github.com/dragenflow/dragenflow/internal/common/requestid"
	"github.com/dragenflow/dragenflow/internal/common/xjson"
	"github.com/dragenflow/dragenflow/internal/dragenflow/engine"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
	"github.com/dragenflow/dragenflow/internal/dragenflow/pipeline"
	"github.com/dragenflow/dragenflow/internal/dragenflow/repository"
	"github.com/dragenflow/dragenflow/internal/dragenflow/scheduler"
)

const maxRequestBytes = 1 << 20

var machineStatuses = []model.Status{model.NotStarted, model.Running, model.Complete, model.Failed, model.Cancelled}

// Server exposes machine operations over http. Request bodies for new machines are YAML, which also accepts JSON;
// every response is JSON.
type Server struct {
	engine    *engine.Engine
	repo      repository.Repository
	scheduler scheduler.Client
	factory   *pipeline.Factory
}

func NewServer(
	engine *engine.Engine,
	repo repository.Repository,
	scheduler scheduler.Client,
	factory *pipeline.Factory,
) *Server {
	return &Server{
		engine:    engine,
		repo:      repo,
		scheduler: scheduler,
		factory:   factory,
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("/api/machines", s.handle(http.MethodGet, s.listMachines))
	mux.Handle("/api/machines/runs", s.handle(http.MethodPost, s.createRun))
	mux.Handle("/api/machines/aggregations", s.handle(http.MethodPost, s.createAggregation))
	mux.Handle("/api/machines/", requestid.Handler(http.HandlerFunc(s.machine)))
	mux.Handle("/api/tasks/", s.handle(http.MethodPost, s.decideReview))
	mux.Handle("/api/partitions", s.handle(http.MethodGet, s.listPartitions))
	mux.Handle("/api/queue", s.handle(http.MethodGet, s.listQueue))
	mux.Handle("/admin/submissions", requestid.Handler(http.HandlerFunc(s.submissions)))
}

type handlerFunc func(ctx *flowcontext.Context, r *http.Request) (int, interface{}, error)

func (s *Server) handle(method string, f handlerFunc) http.Handler {
	return requestid.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			writeJson(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		s.serve(w, r, f)
	}))
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, f handlerFunc) {
	ctx := flowcontext.WithLogFields(flowcontext.FromContext(r.Context()), logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	})
	status, body, err := f(ctx, r)
	if err != nil {
		status, response := errorStatus(err)
		if status == http.StatusInternalServerError {
			logging.WithStacktrace(ctx.Log, err).Error("Request failed")
		} else {
			ctx.Log.Infof("Rejected request: %v", err)
		}
		writeJson(w, status, response)
		return
	}
	writeJson(w, status, body)
}

func (s *Server) listMachines(ctx *flowcontext.Context, r *http.Request) (int, interface{}, error) {
	statuses := machineStatuses
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := model.ParseStatus(raw)
		if err != nil {
			return 0, nil, errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "status", Value: raw, Message: err.Error()})
		}
		statuses = []model.Status{status}
	}
	machines := []*model.Machine{}
	for _, status := range statuses {
		found, err := s.repo.GetMachinesByStatus(ctx, status)
		if err != nil {
			return 0, nil, err
		}
		machines = append(machines, found...)
	}
	return http.StatusOK, machines, nil
}

func (s *Server) createRun(ctx *flowcontext.Context, r *http.Request) (int, interface{}, error) {
	request := &pipeline.RunRequest{}
	if err := readYaml(r, request); err != nil {
		return 0, nil, err
	}
	definition, err := s.factory.SequencingRunMachine(request)
	if err != nil {
		return 0, nil, invalid(err)
	}
	return s.create(ctx, r, definition)
}

func (s *Server) createAggregation(ctx *flowcontext.Context, r *http.Request) (int, interface{}, error) {
	request := &pipeline.AggregationRequest{}
	if err := readYaml(r, request); err != nil {
		return 0, nil, err
	}
	definition, err := s.factory.AggregationMachine(request)
	if err != nil {
		return 0, nil, invalid(err)
	}
	return s.create(ctx, r, definition)
}

func (s *Server) create(ctx *flowcontext.Context, r *http.Request, definition *pipeline.Definition) (int, interface{}, error) {
	start, err := boolParam(r, "start")
	if err != nil {
		return 0, nil, err
	}
	machine, err := s.engine.CreateMachine(ctx, r.URL.Query().Get("id"), definition.Name, definition.States)
	if err != nil {
		return 0, nil, err
	}
	if start {
		if machine, err = s.engine.StartMachine(ctx, machine.Id); err != nil {
			return 0, nil, err
		}
	}
	return http.StatusCreated, machine, nil
}

// machine serves GET /api/machines/{id} and POST /api/machines/{id}/{start|cancel}.
func (s *Server) machine(w http.ResponseWriter, r *http.Request) {
	id, action := splitPath(strings.TrimPrefix(r.URL.Path, "/api/machines/"))
	if id == "" {
		writeJson(w, http.StatusNotFound, errorResponse{Error: "machine id required", Kind: "notFound"})
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		s.serve(w, r, func(ctx *flowcontext.Context, _ *http.Request) (int, interface{}, error) {
			return s.machineDetails(ctx, id)
		})
	case action == "start" && r.Method == http.MethodPost:
		s.serve(w, r, func(ctx *flowcontext.Context, _ *http.Request) (int, interface{}, error) {
			machine, err := s.engine.StartMachine(ctx, id)
			return http.StatusOK, machine, err
		})
	case action == "cancel" && r.Method == http.MethodPost:
		s.serve(w, r, func(ctx *flowcontext.Context, _ *http.Request) (int, interface{}, error) {
			machine, err := s.engine.CancelMachine(ctx, id)
			return http.StatusOK, machine, err
		})
	default:
		writeJson(w, http.StatusNotFound, errorResponse{Error: "no such route " + r.Method + " " + r.URL.Path})
	}
}

func (s *Server) machineDetails(ctx *flowcontext.Context, id string) (int, interface{}, error) {
	machine, err := s.repo.GetMachine(ctx, id)
	if err != nil {
		return 0, nil, err
	}
	details := MachineDetails{Machine: machine, Tasks: []*model.Task{}}
	for i := range machine.States {
		tasks, err := s.repo.GetTasksForState(ctx, id, i)
		if err != nil {
			return 0, nil, err
		}
		details.Tasks = append(details.Tasks, tasks...)
	}
	return http.StatusOK, details, nil
}

// decideReview serves POST /api/tasks/{id}/{approve|reject}.
func (s *Server) decideReview(ctx *flowcontext.Context, r *http.Request) (int, interface{}, error) {
	id, action := splitPath(strings.TrimPrefix(r.URL.Path, "/api/tasks/"))
	decision := ReviewDecision{}
	if err := readYaml(r, &decision); err != nil {
		return 0, nil, err
	}
	var task *model.Task
	var err error
	switch action {
	case "approve":
		task, err = s.engine.ApproveReview(ctx, id, decision.Reviewer, decision.Comment)
	case "reject":
		task, err = s.engine.RejectReview(ctx, id, decision.Reviewer, decision.Comment)
	default:
		return 0, nil, errors.WithStack(&flowerrors.ErrNotFound{Type: "route", Value: r.URL.Path})
	}
	return http.StatusOK, task, err
}

func (s *Server) listPartitions(ctx *flowcontext.Context, _ *http.Request) (int, interface{}, error) {
	partitions, err := s.scheduler.ListPartitions(ctx)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, Partitions{Partitions: partitions}, nil
}

func (s *Server) listQueue(ctx *flowcontext.Context, _ *http.Request) (int, interface{}, error) {
	jobs, err := s.scheduler.ListQueue(ctx)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, Queue{Jobs: jobs}, nil
}

// submissions serves GET and POST /admin/submissions?enabled=true|false.
func (s *Server) submissions(w http.ResponseWriter, r *http.Request) {
	admin := s.engine.Admin()
	s.serve(w, r, func(ctx *flowcontext.Context, r *http.Request) (int, interface{}, error) {
		switch r.Method {
		case http.MethodGet:
		case http.MethodPost:
			raw := r.URL.Query().Get("enabled")
			enabled, err := strconv.ParseBool(raw)
			if err != nil {
				return 0, nil, errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "enabled", Value: raw, Message: "must be true or false"})
			}
			admin.SetSubmissionsEnabled(enabled)
		default:
			return 0, nil, errors.WithStack(&flowerrors.ErrNotFound{Type: "route", Value: r.Method + " " + r.URL.Path})
		}
		return http.StatusOK, SubmissionsToggle{Enabled: admin.SubmissionsEnabled()}, nil
	})
}

func readYaml(r *http.Request, out interface{}) error {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxRequestBytes))
	if err != nil {
		return errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "body", Value: "", Message: err.Error()})
	}
	if err := yaml.UnmarshalStrict(data, out); err != nil {
		return errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "body", Value: "", Message: err.Error()})
	}
	return nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.WithStack(&flowerrors.ErrInvalidArgument{Name: name, Value: raw, Message: "must be true or false"})
	}
	return value, nil
}

// invalid classifies request validation failures as the caller's fault.
func invalid(err error) error {
	if flowerrors.IsNotFound(err) || flowerrors.IsInvalidArgument(err) {
		return err
	}
	return errors.WithStack(&flowerrors.ErrInvalidArgument{Name: "request", Value: "", Message: err.Error()})
}

func splitPath(path string) (string, string) {
	id, action, _ := strings.Cut(strings.Trim(path, "/"), "/")
	return id, action
}

func errorStatus(err error) (int, errorResponse) {
	response := errorResponse{Error: err.Error()}
	switch {
	case flowerrors.IsNotFound(err):
		response.Kind = "notFound"
		return http.StatusNotFound, response
	case flowerrors.IsAlreadyExists(err):
		response.Kind = "alreadyExists"
		return http.StatusConflict, response
	case flowerrors.IsConflict(err):
		response.Kind = "conflict"
		return http.StatusConflict, response
	case flowerrors.IsInvalidArgument(err):
		response.Kind = "invalidArgument"
		return http.StatusBadRequest, response
	default:
		return http.StatusInternalServerError, response
	}
}

func writeJson(w http.ResponseWriter, status int, body interface{}) {
	data, err := xjson.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
