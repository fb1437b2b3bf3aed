package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/events"
)

func (s *Server) handleConversationEvents(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.orch.Get(c.Request().Context(), id); err != nil {
		return err
	}
	return s.stream(c, events.ScopeConversation, id)
}

func (s *Server) handlePlanEvents(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.orch.GetPlan(c.Request().Context(), id); err != nil {
		return err
	}
	return s.stream(c, events.ScopeExecution, id)
}

// stream writes the scope/key stream as server-sent events until the
// client leaves or a final event is sent. Last-Event-ID resumes after that
// sequence.
func (s *Server) stream(c echo.Context, scope events.Scope, key string) error {
	if s.events == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event streaming is not enabled")
	}

	var after uint64
	if last := c.Request().Header.Get("Last-Event-ID"); last != "" {
		seq, err := strconv.ParseUint(last, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid Last-Event-ID")
		}
		after = seq
	}

	ctx := c.Request().Context()
	subject := events.Subject(scope, key)
	sub, err := s.events.Subscribe(ctx, subject, after)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	defer sub.Close()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()
	defer s.metrics.streamOpened(ctx, string(scope))()

	heartbeat := time.NewTicker(s.config.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := writeEvent(w, e); err != nil {
				s.logger.Debug("sse client gone", zap.String("subject", subject), zap.Error(err))
				return nil
			}
			w.Flush()
			s.metrics.eventSent(ctx, string(e.Type))
			if e.Type.IsFinal() {
				return nil
			}
		}
	}
}

func writeEvent(w *echo.Response, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Sequence, e.Type, data)
	return err
}
