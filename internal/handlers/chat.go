package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/chat-widget/internal/models"
	"github.com/MegaGrindStone/chat-widget/internal/session"
	"github.com/tmaxmax/go-sse"
)

// SSE event types for real-time updates.
var (
	stateSSEType  = sse.Type("state")
	typingSSEType = sse.Type("typing")
	errorSSEType  = sse.Type("error")
	closeSSEType  = sse.Type("closeChat")
)

// HandleMessages accepts a user message through an HTTP POST "message" form field and submits it to the
// session. The reply is not awaited: it reaches the browser as a "state" event once the exchange ends.
//
// An empty or whitespace-only message is rejected with 400, and a message sent while a reply is pending
// is rejected with 409. On success the handler answers 202 with the rendered transcript.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if err := m.session.Submit(msg); err != nil {
		switch {
		case errors.Is(err, models.ErrEmptyMessage):
			http.Error(w, "Message is required", http.StatusBadRequest)
		case errors.Is(err, session.ErrReplyPending):
			http.Error(w, "A reply is still pending", http.StatusConflict)
		case errors.Is(err, session.ErrClosed):
			http.Error(w, "Chat is closed", http.StatusServiceUnavailable)
		default:
			m.logger.Error("Failed to submit message", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	td, err := m.transcriptData(m.session.State())
	if err != nil {
		m.logger.Error("Failed to render transcript", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	if err := m.templates.ExecuteTemplate(w, "transcript", td); err != nil {
		m.logger.Error("Failed to execute transcript template", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleCredentials replaces the API key through an HTTP POST "api_key" form field. The new key is used
// from the next exchange on; an exchange already in flight keeps the key it started with.
func (m Main) HandleCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := strings.TrimSpace(r.FormValue("api_key"))
	if key == "" {
		http.Error(w, "API key is required", http.StatusBadRequest)
		return
	}

	if err := m.credentials.SetAPIKey(r.Context(), key); err != nil {
		m.logger.Error("Failed to store api key", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleSSE streams session updates to the browser.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// ReportError publishes a failed exchange to the browser, which shows it to the user.
func (m Main) ReportError(err error) {
	info := models.ErrorInfoOf(err)

	msg := sse.Message{
		Type: errorSSEType,
	}
	msg.AppendData(info.Message)
	if err := m.sseSrv.Publish(&msg); err != nil {
		m.logger.Error("Failed to publish error", slog.String(errLoggerKey, err.Error()))
	}
}

// publishState renders state and pushes it to every connected browser.
func (m Main) publishState(state models.SessionState) {
	td, err := m.transcriptData(state)
	if err != nil {
		m.logger.Error("Failed to render transcript", slog.String(errLoggerKey, err.Error()))
		return
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "transcript", td); err != nil {
		m.logger.Error("Failed to execute transcript template", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: stateSSEType,
	}
	msg.AppendData(sb.String())
	if err := m.sseSrv.Publish(&msg); err != nil {
		m.logger.Error("Failed to publish state", slog.String(errLoggerKey, err.Error()))
		return
	}

	typing := sse.Message{
		Type: typingSSEType,
	}
	typing.AppendData(strconv.FormatBool(state.Typing()))
	if err := m.sseSrv.Publish(&typing); err != nil {
		m.logger.Error("Failed to publish typing state", slog.String(errLoggerKey, err.Error()))
	}
}
