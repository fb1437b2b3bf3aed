package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
)

// CreateConversationRequest is the request body for POST /api/v1/conversations.
// Owner defaults to the caller.
type CreateConversationRequest struct {
	Owner   string `json:"owner"`
	Project string `json:"project"`
	Message string `json:"message"`
}

// MessageRequest is the request body for POST /api/v1/conversations/:id/messages.
type MessageRequest struct {
	Message string `json:"message"`
}

// ApprovalRequest is the request body for POST /api/v1/conversations/:id/approval.
type ApprovalRequest struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// DecisionRequest is the request body for POST /api/v1/plans/:id/files/:file_id/decision.
type DecisionRequest struct {
	Action orchestrator.FileAction `json:"action"`
}

// RollbackRequest is the request body for POST /api/v1/plans/:id/rollback.
// An empty FileID rolls back the whole plan.
type RollbackRequest struct {
	FileID string `json:"file_id,omitempty"`
}

// ListResponse is the response body for GET /api/v1/conversations.
type ListResponse struct {
	Conversations []*orchestrator.Conversation `json:"conversations"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Kind    orchestrator.Kind `json:"kind,omitempty"`
	Code    orchestrator.Code `json:"code,omitempty"`
	Message string            `json:"message"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleCreateConversation(c echo.Context) error {
	var req CreateConversationRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid create request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Owner == "" {
		req.Owner = c.Request().Header.Get(OwnerHeader)
	}

	view, err := s.orch.CreateConversation(c.Request().Context(), req.Owner, req.Project, req.Message)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, view)
}

func (s *Server) handleListConversations(c echo.Context) error {
	owner := c.QueryParam("owner")
	if owner == "" {
		owner = c.Request().Header.Get(OwnerHeader)
	}
	list, err := s.orch.List(c.Request().Context(), owner)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*orchestrator.Conversation{}
	}
	return c.JSON(http.StatusOK, ListResponse{Conversations: list})
}

func (s *Server) handleGetConversation(c echo.Context) error {
	return s.reply(c, http.StatusOK)(s.orch.Get(c.Request().Context(), c.Param("id")))
}

func (s *Server) handleSendMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return s.reply(c, http.StatusOK)(s.orch.SendMessage(c.Request().Context(), c.Param("id"), req.Message))
}

func (s *Server) handleApprovePlan(c echo.Context) error {
	var req ApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return s.reply(c, http.StatusOK)(s.orch.ApprovePlan(c.Request().Context(), c.Param("id"), req.Approved, req.Feedback))
}

func (s *Server) handleCancel(c echo.Context) error {
	return s.reply(c, http.StatusOK)(s.orch.Cancel(c.Request().Context(), c.Param("id")))
}

func (s *Server) handleResume(c echo.Context) error {
	return s.reply(c, http.StatusOK)(s.orch.Resume(c.Request().Context(), c.Param("id")))
}

func (s *Server) handleGetPlan(c echo.Context) error {
	return s.reply(c, http.StatusOK)(s.orch.GetPlan(c.Request().Context(), c.Param("id")))
}

func (s *Server) handleFileDecision(c echo.Context) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !req.Action.IsValid() {
		return echo.NewHTTPError(http.StatusBadRequest, "action must be approve, skip or reject")
	}
	return s.reply(c, http.StatusOK)(s.orch.ApproveFile(c.Request().Context(), c.Param("id"), c.Param("file_id"), req.Action))
}

func (s *Server) handleRollback(c echo.Context) error {
	var req RollbackRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	return s.reply(c, http.StatusOK)(s.orch.Rollback(c.Request().Context(), c.Param("id"), req.FileID))
}

// reply writes a view or hands the error to the error handler.
func (s *Server) reply(c echo.Context, status int) func(*orchestrator.View, error) error {
	return func(view *orchestrator.View, err error) error {
		if err != nil {
			return err
		}
		return c.JSON(status, view)
	}
}

// handleError renders orchestrator and echo errors as ErrorResponse.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, resp := errorReply(err)
	label := string(resp.Kind)
	if label == "" {
		label = strconv.Itoa(status)
	}
	s.metrics.recordError(c.Request().Context(), label)

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, resp)
	}
	if err != nil {
		s.logger.Warn("writing error response", zap.Error(err))
	}
}

// errorReply builds the status and body written for err.
func errorReply(err error) (int, ErrorResponse) {
	var he *echo.HTTPError
	switch {
	case orchestrator.KindOf(err) != "":
		return StatusFor(err), ErrorResponse{
			Kind:    orchestrator.KindOf(err),
			Code:    orchestrator.CodeOf(err),
			Message: err.Error(),
		}
	case errors.As(err, &he):
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		return he.Code, ErrorResponse{Message: msg}
	default:
		return http.StatusInternalServerError, ErrorResponse{Message: "internal error"}
	}
}

// StatusFor maps an orchestrator error to an HTTP status.
func StatusFor(err error) int {
	switch orchestrator.KindOf(err) {
	case orchestrator.KindNotFound:
		return http.StatusNotFound
	case orchestrator.KindUnauthorized:
		return http.StatusForbidden
	case orchestrator.KindInvalidState, orchestrator.KindInvalidTransition, orchestrator.KindAlreadyTerminal:
		return http.StatusConflict
	case orchestrator.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
