// Package httpapi exposes SimpleWorkflow over HTTP: start a run, release it
// with the continue signal, cancel it and inspect it.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/petrijr/signalflow/pkg/api"
	"github.com/petrijr/signalflow/pkg/client"
	"github.com/petrijr/signalflow/workflows"
)

// NamespaceHeader optionally names the namespace a request targets.
const NamespaceHeader = "X-Namespace"

const maxBodyBytes = 1 << 20

// ErrorResponse is returned when an error occurs.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StartRequest is the body of POST /workflows.
type StartRequest struct {
	ID    string `json:"id,omitempty"`
	Input string `json:"input"`
}

// StartResponse identifies the started run.
type StartResponse struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// Execution is the JSON view of a workflow execution.
type Execution struct {
	WorkflowID      string     `json:"workflow_id"`
	RunID           string     `json:"run_id"`
	WorkflowType    string     `json:"workflow_type"`
	TaskQueue       string     `json:"task_queue"`
	Status          api.Status `json:"status"`
	Phase           string     `json:"phase,omitempty"`
	PendingSignal   string     `json:"pending_signal,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	Result          any        `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
}

// Event is the JSON view of a history event.
type Event struct {
	ID      int64     `json:"id"`
	At      time.Time `json:"at"`
	Type    string    `json:"type"`
	Name    string    `json:"name,omitempty"`
	Payload any       `json:"payload,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Handler serves the workflow endpoints.
type Handler struct {
	client    *client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewHandler returns a Handler starting runs on taskQueue.
func NewHandler(c *client.Client, taskQueue string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{client: c, taskQueue: taskQueue, logger: logger}
}

// Register adds the workflow routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /workflows", h.start)
	mux.HandleFunc("GET /workflows", h.list)
	mux.HandleFunc("GET /workflows/{id}", h.describe)
	mux.HandleFunc("GET /workflows/{id}/history", h.history)
	mux.HandleFunc("POST /workflows/{id}/signal/continue", h.signalContinue)
	mux.HandleFunc("POST /workflows/{id}/cancel", h.cancel)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	if !h.checkNamespace(w, r) {
		return
	}
	var req StartRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid JSON: %v", err)})
		return
	}

	handle, err := h.client.StartWorkflow(r.Context(), api.StartWorkflowOptions{
		ID:        req.ID,
		TaskQueue: h.taskQueue,
	}, workflows.WorkflowType, req.Input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/workflows/"+handle.ID)
	writeJSON(w, http.StatusCreated, StartResponse{WorkflowID: handle.ID, RunID: handle.RunID})
}

func (h *Handler) signalContinue(w http.ResponseWriter, r *http.Request) {
	if !h.checkNamespace(w, r) {
		return
	}
	var payload any
	if err := decodeBody(r, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid JSON: %v", err)})
		return
	}
	if err := h.client.SignalWorkflow(r.Context(), r.PathValue("id"), workflows.ContinueSignal, payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	if !h.checkNamespace(w, r) {
		return
	}
	if err := h.client.CancelWorkflow(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) describe(w http.ResponseWriter, r *http.Request) {
	if !h.checkNamespace(w, r) {
		return
	}
	exec, err := h.client.DescribeWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executionView(exec))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	if !h.checkNamespace(w, r) {
		return
	}
	q := r.URL.Query()
	execs, err := h.client.ListWorkflows(r.Context(), api.ExecutionFilter{
		WorkflowType: q.Get("type"),
		Status:       api.Status(q.Get("status")),
		TaskQueue:    q.Get("task_queue"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]Execution, 0, len(execs))
	for _, exec := range execs {
		out = append(out, executionView(exec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	if !h.checkNamespace(w, r) {
		return
	}
	handle, err := h.client.GetHandle(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	events, err := handle.History(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		view := Event{ID: ev.ID, At: ev.At, Type: string(ev.Type), Name: ev.Name, Payload: ev.Payload}
		if ev.Failure != nil {
			view.Error = ev.Failure.Message
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) checkNamespace(w http.ResponseWriter, r *http.Request) bool {
	ns := r.Header.Get(NamespaceHeader)
	if ns == "" || ns == workflows.Namespace {
		return true
	}
	writeJSON(w, http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("unknown namespace %q", ns)})
	return false
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrExecutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, api.ErrExecutionAlreadyStarted), errors.Is(err, api.ErrExecutionClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func executionView(exec *api.WorkflowExecution) Execution {
	view := Execution{
		WorkflowID:      exec.ID,
		RunID:           exec.RunID,
		WorkflowType:    exec.WorkflowType,
		TaskQueue:       exec.TaskQueue,
		Status:          exec.Status,
		Phase:           exec.Phase,
		PendingSignal:   exec.PendingSignal,
		CancelRequested: exec.CancelRequested,
		Result:          exec.Output,
		StartedAt:       exec.StartedAt,
	}
	if err := exec.Err(); err != nil {
		view.Error = err.Error()
	}
	if !exec.ClosedAt.IsZero() {
		closed := exec.ClosedAt
		view.ClosedAt = &closed
	}
	return view
}

// decodeBody decodes a JSON body into v. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}
