package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"opsconductor/internal/dispatch"
	"opsconductor/internal/engine"
	"opsconductor/internal/jobdef"
	"opsconductor/internal/models"
	"opsconductor/internal/serial"
	"opsconductor/internal/store"

	"github.com/gin-gonic/gin"
)

// Handler contains API handlers
type Handler struct {
	store       *store.Store
	alloc       *serial.Allocator
	dispatcher  *dispatch.Dispatcher
	coordinator *engine.Coordinator
}

// NewHandler creates a new API handler
func NewHandler(st *store.Store, alloc *serial.Allocator, d *dispatch.Dispatcher, c *engine.Coordinator) *Handler {
	return &Handler{
		store:       st,
		alloc:       alloc,
		dispatcher:  d,
		coordinator: c,
	}
}

// GetStats returns dashboard statistics
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListJobs returns a list of jobs
func (h *Handler) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	jobs, total, err := h.store.ListJobs(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// CreateJobRequest represents job creation request
type CreateJobRequest struct {
	Name                 string            `json:"name"`
	Description          string            `json:"description"`
	OnFailure            string            `json:"on_failure"`
	Concurrency          int32             `json:"concurrency"`
	ActionTimeoutSeconds int64             `json:"action_timeout_seconds"`
	BranchTimeoutSeconds int64             `json:"branch_timeout_seconds"`
	Actions              []CreateJobAction `json:"actions"`
}

// CreateJobAction is one action template in a job creation request
type CreateJobAction struct {
	Name           string `json:"name"`
	Command        string `json:"command"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
}

// CreateJob creates a new job definition
func (h *Handler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if req.OnFailure != models.OnFailureStop && req.OnFailure != models.OnFailureContinue {
		c.JSON(http.StatusBadRequest, gin.H{"error": "on_failure must be 'stop' or 'continue'"})
		return
	}
	if len(req.Actions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one action is required"})
		return
	}
	for _, action := range req.Actions {
		if action.Name == "" || action.Command == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "every action needs a name and a command"})
			return
		}
	}

	jobSerial, err := h.alloc.NextJob(c.Request.Context(), time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	job := &models.Job{
		Serial:               jobSerial,
		Name:                 req.Name,
		Description:          req.Description,
		Version:              1,
		OnFailure:            req.OnFailure,
		Concurrency:          req.Concurrency,
		ActionTimeoutSeconds: req.ActionTimeoutSeconds,
		BranchTimeoutSeconds: req.BranchTimeoutSeconds,
	}
	actions := make([]models.JobAction, len(req.Actions))
	for i, action := range req.Actions {
		actions[i] = models.JobAction{
			Name:           action.Name,
			Command:        action.Command,
			TimeoutSeconds: action.TimeoutSeconds,
		}
	}

	if err := h.store.CreateJob(c.Request.Context(), job, actions); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, job)
}

// ImportJob creates a job from a YAML definition in the request body
func (h *Handler) ImportJob(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	def, err := jobdef.Parse(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobSerial, err := h.alloc.NextJob(c.Request.Context(), time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	job, actions := def.ToModels()
	job.Serial = jobSerial

	if err := h.store.CreateJob(c.Request.Context(), job, actions); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, job)
}

// GetJob returns a single job with its actions
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.store.GetJob(c.Request.Context(), c.Param("serial"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// UpdateJob creates a new version of a job. Jobs are immutable once created,
// so edits always produce a fresh serial with a bumped version.
func (h *Handler) UpdateJob(c *gin.Context) {
	old, err := h.store.GetJob(c.Request.Context(), c.Param("serial"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.OnFailure != models.OnFailureStop && req.OnFailure != models.OnFailureContinue {
		c.JSON(http.StatusBadRequest, gin.H{"error": "on_failure must be 'stop' or 'continue'"})
		return
	}
	if len(req.Actions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one action is required"})
		return
	}

	jobSerial, err := h.alloc.NextJob(c.Request.Context(), time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	name := req.Name
	if name == "" {
		name = old.Name
	}

	job := &models.Job{
		Serial:               jobSerial,
		Name:                 name,
		Description:          req.Description,
		Version:              old.Version + 1,
		OnFailure:            req.OnFailure,
		Concurrency:          req.Concurrency,
		ActionTimeoutSeconds: req.ActionTimeoutSeconds,
		BranchTimeoutSeconds: req.BranchTimeoutSeconds,
	}
	actions := make([]models.JobAction, len(req.Actions))
	for i, action := range req.Actions {
		actions[i] = models.JobAction{
			Name:           action.Name,
			Command:        action.Command,
			TimeoutSeconds: action.TimeoutSeconds,
		}
	}

	if err := h.store.CreateJob(c.Request.Context(), job, actions); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, job)
}

// ListTargets returns all enabled targets
func (h *Handler) ListTargets(c *gin.Context) {
	targets, err := h.store.ListTargets(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets})
}

// CreateTargetRequest represents target registration
type CreateTargetRequest struct {
	Name   string `json:"name"`
	Host   string `json:"host"`
	Port   int32  `json:"port"`
	User   string `json:"user"`
	Labels string `json:"labels"`
}

// CreateTarget registers a target
func (h *Handler) CreateTarget(c *gin.Context) {
	var req CreateTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name == "" || req.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and host are required"})
		return
	}

	targetSerial, err := h.alloc.NextTarget(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	target := &models.Target{
		Serial:  targetSerial,
		Name:    req.Name,
		Host:    req.Host,
		Port:    req.Port,
		User:    req.User,
		Labels:  req.Labels,
		Enabled: true,
	}
	if err := h.store.CreateTarget(c.Request.Context(), target); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, target)
}

// SubmitRequest represents an execution submission
type SubmitRequest struct {
	JobSerial   string     `json:"job_serial"`
	Selector    string     `json:"selector"`
	RunAt       *time.Time `json:"run_at"`
	RequestedBy string     `json:"requested_by"`
}

// SubmitExecution dispatches a job, immediately or deferred
func (h *Handler) SubmitExecution(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.JobSerial == "" || req.Selector == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_serial and selector are required"})
		return
	}

	ref, err := h.dispatcher.Submit(c.Request.Context(), req.JobSerial, req.Selector, req.RunAt, req.RequestedBy)
	if err != nil {
		var resErr *engine.ResolutionError
		if errors.As(err, &resErr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	deferred := req.RunAt != nil && req.RunAt.After(time.Now())
	c.JSON(http.StatusAccepted, gin.H{
		"ref":      ref,
		"deferred": deferred,
	})
}

// FireSubmission dispatches a deferred submission now. Safe to call more than
// once; repeat calls return the execution the first call produced.
func (h *Handler) FireSubmission(c *gin.Context) {
	executionSerial, err := h.dispatcher.Fire(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution_serial": executionSerial})
}

// ListExecutions returns executions, optionally filtered by job serial
func (h *Handler) ListExecutions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	executions, total, err := h.store.ListExecutions(c.Request.Context(), c.Query("job"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"executions": executions,
		"total":      total,
		"limit":      limit,
		"offset":     offset,
	})
}

// GetExecution returns an execution with its branches
func (h *Handler) GetExecution(c *gin.Context) {
	ctx := c.Request.Context()
	executionSerial := c.Param("serial")

	status, err := h.coordinator.Status(ctx, executionSerial)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		return
	}

	branches, err := h.store.ListBranches(ctx, executionSerial)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"execution": status,
		"branches":  branches,
	})
}

// CancelExecution requests cooperative cancellation
func (h *Handler) CancelExecution(c *gin.Context) {
	ok, err := h.dispatcher.Cancel(c.Request.Context(), c.Param("serial"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "execution is already terminal"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// GetStatus returns the status snapshot of any serial in the hierarchy
func (h *Handler) GetStatus(c *gin.Context) {
	ctx := c.Request.Context()
	s := c.Param("serial")

	lineage, err := serial.Parse(s)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch lineage.Level {
	case serial.LevelJob:
		job, err := h.store.GetJob(ctx, s)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"kind": "job", "job": job})

	case serial.LevelExecution:
		status, err := h.coordinator.Status(ctx, s)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"kind": "execution", "execution": status})

	case serial.LevelBranch:
		branch, err := h.store.GetBranch(ctx, s)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "branch not found"})
			return
		}
		actions, err := h.store.ListActionResults(ctx, s)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"kind": "branch", "branch": branch, "actions": actions})

	case serial.LevelAction:
		action, err := h.store.GetActionResult(ctx, s)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "action result not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"kind": "action", "action": action})
	}
}

// SearchSerials runs a wildcard serial query, e.g. ?pattern=J2025*
func (h *Handler) SearchSerials(c *gin.Context) {
	pattern := c.Query("pattern")
	if pattern == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pattern is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	results, err := h.store.SearchSerials(c.Request.Context(), pattern, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}
