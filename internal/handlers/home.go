package handlers

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/chat-widget/internal/models"
)

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time
}

type transcriptData struct {
	Messages []message
	Typing   bool
}

type homePageData struct {
	Transcript transcriptData
	LastError  *models.ErrorInfo
}

// HandleHome renders the chat widget with the current transcript. The system message is never shown.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := m.session.State()
	td, err := m.transcriptData(state)
	if err != nil {
		m.logger.Error("Failed to render transcript", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		Transcript: td,
		LastError:  state.LastError,
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) transcriptData(state models.SessionState) (transcriptData, error) {
	turns := state.Transcript.Turns()
	msgs := make([]message, len(turns))
	for i, turn := range turns {
		content, err := m.renderMarkdown(turn.Content)
		if err != nil {
			return transcriptData{}, fmt.Errorf("failed to render message %s: %w", turn.ID, err)
		}
		msgs[i] = message{
			ID:        turn.ID,
			Role:      string(turn.Role),
			Content:   content,
			Timestamp: turn.Timestamp,
		}
	}

	return transcriptData{
		Messages: msgs,
		Typing:   state.Typing(),
	}, nil
}
