package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/multidash/messaging-gateway/internal/core"
	"github.com/multidash/messaging-gateway/internal/metrics"
)

type Server struct {
	Store      *core.Store
	Dispatcher *core.Dispatcher
}

func NewServer(store *core.Store, dispatcher *core.Dispatcher) *Server {
	return &Server{Store: store, Dispatcher: dispatcher}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(instrument)

	s.mountHealth(r)
	s.mountMetrics(r)

	r.Post("/messages", s.sendMessage)
	r.Get("/messages", s.listMessages)
	r.Post("/messages/inbound", s.logInbound)

	r.Post("/schedules", s.createSchedule)
	r.Get("/schedules", s.listSchedules)
	r.Post("/schedules/{id}/cancel", s.cancelSchedule)
	r.Post("/schedules/{id}/reschedule", s.reschedule)
	r.Post("/scheduler/run", s.runSchedulerNow)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the core error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case core.IsValidation(err):
		status = http.StatusBadRequest
	case core.IsNotFound(err):
		status = http.StatusNotFound
	case core.IsDisabled(err):
		status = http.StatusConflict
	case core.IsConfiguration(err):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func dispatchResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case core.IsValidation(err):
		return "validation"
	case core.IsNotFound(err):
		return "not_found"
	case core.IsDisabled(err):
		return "disabled"
	case core.IsConfiguration(err):
		return "config"
	default:
		return "error"
	}
}

type sendRequest struct {
	UserIDs         []string              `json:"user_ids"`
	GroupIDs        []string              `json:"group_ids"`
	EmailRecipients []core.EmailRecipient `json:"email_recipients"`
	LineRecipients  []core.LineRecipient  `json:"line_recipients"`
	AllowBroadcast  bool                  `json:"allow_broadcast"`
	Title           *string               `json:"title"`
	Content         string                `json:"content"`
	IntegrationID   *string               `json:"integration_id"`
	Attachments     []core.Attachment     `json:"attachments"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	actorID := r.Header.Get("X-User-ID")
	if actorID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_X-User-ID"})
		return
	}
	var in sendRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	result, err := s.Dispatcher.Send(r.Context(), core.SendParams{
		ActorID:         actorID,
		UserIDs:         in.UserIDs,
		GroupIDs:        in.GroupIDs,
		EmailRecipients: in.EmailRecipients,
		LineRecipients:  in.LineRecipients,
		AllowBroadcast:  in.AllowBroadcast,
		Title:           in.Title,
		Content:         in.Content,
		IntegrationID:   in.IntegrationID,
		Attachments:     in.Attachments,
	})
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(dispatchResultLabel(err)).Inc()
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	var f core.LogFilter
	if v := r.URL.Query().Get("sender_id"); v != "" {
		f.SenderID = &v
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := core.MessageStatus(v)
		f.Status = &status
	}
	if v := r.URL.Query().Get("direction"); v != "" {
		direction := core.MessageDirection(v)
		f.Direction = &direction
	}
	if v := r.URL.Query().Get("source"); v != "" {
		source := core.MessageSource(v)
		f.Source = &source
	}
	f.Limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			f.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}

	items, err := s.Store.QueryMessageLogs(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": f.Limit, "offset": f.Offset})
}

func (s *Server) logInbound(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID  string `json:"user_id"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	row, err := s.Dispatcher.LogInbound(r.Context(), in.UserID, in.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": row})
}

type scheduleRequest struct {
	Title      *string   `json:"title"`
	Content    string    `json:"content"`
	ScheduleAt time.Time `json:"schedule_at"`
	UserIDs    []string  `json:"user_ids"`
	GroupIDs   []string  `json:"group_ids"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	adminID := r.Header.Get("X-User-ID")
	if adminID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_X-User-ID"})
		return
	}
	var in scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	msg, err := s.Dispatcher.CreateScheduledMessage(r.Context(), core.ScheduleParams{
		AdminID:    adminID,
		Title:      in.Title,
		Content:    in.Content,
		ScheduleAt: in.ScheduleAt,
		UserIDs:    in.UserIDs,
		GroupIDs:   in.GroupIDs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"scheduled_message": msg})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	adminID := r.Header.Get("X-User-ID")
	if adminID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_X-User-ID"})
		return
	}
	var status *core.ScheduleStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := core.ScheduleStatus(v)
		status = &st
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	items, err := s.Store.ListScheduledMessages(r.Context(), adminID, status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": items})
}

func (s *Server) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	adminID := r.Header.Get("X-User-ID")
	id := chi.URLParam(r, "id")
	msg, err := s.Dispatcher.CancelScheduledMessage(r.Context(), id, adminID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scheduled_message": msg})
}

func (s *Server) reschedule(w http.ResponseWriter, r *http.Request) {
	adminID := r.Header.Get("X-User-ID")
	id := chi.URLParam(r, "id")
	var in struct {
		ScheduleAt time.Time `json:"schedule_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	msg, err := s.Dispatcher.RescheduleScheduledMessage(r.Context(), id, adminID, in.ScheduleAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scheduled_message": msg})
}

// runSchedulerNow drains due messages through the exact same path as the
// recurring poll.
func (s *Server) runSchedulerNow(w http.ResponseWriter, r *http.Request) {
	if err := s.Dispatcher.ProcessDueScheduledMessages(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "scheduler run completed"})
}
