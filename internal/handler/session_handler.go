package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-assessment/internal/middleware"
	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/response"
	"github.com/stemsi/exstem-assessment/internal/service"
	"github.com/stemsi/exstem-assessment/internal/validator"
)

// SessionHandler handles the REST surface of timed sessions.
type SessionHandler struct {
	svc *service.AssessmentService
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(svc *service.AssessmentService) *SessionHandler {
	return &SessionHandler{svc: svc}
}

// CreateSession godoc
// POST /api/v1/sessions
// Registers a session for a generated test. The countdown does not start yet.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req model.CreateSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	view, err := h.svc.Create(c.Request.Context(), userID, req.Definition())
	if err != nil {
		response.FailError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, view)
}

// StartSession godoc
// POST /api/v1/sessions/:id/start
// Starts the countdown. Calling it again on a running session resumes it.
func (h *SessionHandler) StartSession(c *gin.Context) {
	userID, id, ok := sessionParams(c)
	if !ok {
		return
	}

	view, err := h.svc.Start(c.Request.Context(), userID, id)
	if err != nil {
		response.FailError(c, err)
		return
	}

	response.Success(c, http.StatusOK, view)
}

// SetAnswer godoc
// PUT /api/v1/sessions/:id/answers/:question_id
// Selects or clears (null option_index) an answer and adds time spent.
func (h *SessionHandler) SetAnswer(c *gin.Context) {
	userID, id, ok := sessionParams(c)
	if !ok {
		return
	}

	var req model.SetAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	rec, err := h.svc.SetAnswer(c.Request.Context(), userID, id, c.Param("question_id"), req)
	if err != nil {
		response.FailError(c, err)
		return
	}

	response.Success(c, http.StatusOK, rec)
}

// AddTimeSpent godoc
// POST /api/v1/sessions/:id/time
// Accumulates time spent on several questions in one call.
func (h *SessionHandler) AddTimeSpent(c *gin.Context) {
	userID, id, ok := sessionParams(c)
	if !ok {
		return
	}

	var req model.TimeSpentRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	records, err := h.svc.AddTimeSpent(c.Request.Context(), userID, id, req.Entries)
	if err != nil {
		response.FailError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"answers": records})
}

// SubmitSession godoc
// POST /api/v1/sessions/:id/submit
// Freezes the answers and scores them. Answers 202 when the result could not
// be recorded yet and a retry is scheduled.
func (h *SessionHandler) SubmitSession(c *gin.Context) {
	userID, id, ok := sessionParams(c)
	if !ok {
		return
	}

	out, err := h.svc.Submit(c.Request.Context(), userID, id)
	if err != nil {
		response.FailError(c, err)
		return
	}

	status := http.StatusOK
	if out.ResultPending {
		status = http.StatusAccepted
	}
	response.Success(c, status, out)
}

// GetState godoc
// GET /api/v1/sessions/:id/state
// Returns the state, remaining time, answers and autosave health.
// Used by clients to recover after a reload.
func (h *SessionHandler) GetState(c *gin.Context) {
	userID, id, ok := sessionParams(c)
	if !ok {
		return
	}

	view, err := h.svc.State(c.Request.Context(), userID, id)
	if err != nil {
		response.FailError(c, err)
		return
	}

	response.Success(c, http.StatusOK, view)
}

// GetResult godoc
// GET /api/v1/sessions/:id/result
func (h *SessionHandler) GetResult(c *gin.Context) {
	userID, id, ok := sessionParams(c)
	if !ok {
		return
	}

	res, err := h.svc.Result(c.Request.Context(), userID, id)
	if err != nil {
		response.FailError(c, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}

// GetReport godoc
// GET /api/v1/sessions/:id/report
// Returns the performance report, comparison summary and peer benchmark.
func (h *SessionHandler) GetReport(c *gin.Context) {
	userID, id, ok := sessionParams(c)
	if !ok {
		return
	}

	view, err := h.svc.Report(c.Request.Context(), userID, id)
	if err != nil {
		response.FailError(c, err)
		return
	}

	response.Success(c, http.StatusOK, view)
}

// GetMyAnalytics godoc
// GET /api/v1/users/me/analytics
// Aggregates every recorded session of the caller.
func (h *SessionHandler) GetMyAnalytics(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	hist, err := h.svc.History(c.Request.Context(), userID)
	if err != nil {
		response.FailError(c, err)
		return
	}

	response.Success(c, http.StatusOK, hist)
}

func requireUser(c *gin.Context) (string, bool) {
	userID := middleware.UserID(c)
	if userID == "" {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return "", false
	}
	return userID, true
}

func sessionParams(c *gin.Context) (string, uuid.UUID, bool) {
	userID, ok := requireUser(c)
	if !ok {
		return "", uuid.Nil, false
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return "", uuid.Nil, false
	}
	return userID, id, true
}
