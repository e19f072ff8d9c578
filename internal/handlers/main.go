package handlers

import (
	"context"
	"html/template"
	"log/slog"
	"time"

	chatwidget "github.com/MegaGrindStone/chat-widget"
	"github.com/MegaGrindStone/chat-widget/internal/models"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
)

// Session is the conversation core the widget renders. Submit starts an exchange and returns without
// waiting for the reply; every state change is delivered to the functions registered with Subscribe.
type Session interface {
	State() models.SessionState
	Submit(text string) error
	Subscribe(fn func(models.SessionState)) func()
}

// CredentialStore accepts an API key entered in the widget. The session reads it on its next exchange.
type CredentialStore interface {
	SetAPIKey(ctx context.Context, key string) error
}

// Main serves the chat widget. It renders the transcript, forwards submissions to the Session, and
// pushes every session state and every failed exchange to the browser through server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown

	session     Session
	credentials CredentialStore

	unsubscribe func()

	logger *slog.Logger
}

const errLoggerKey = "err"

// NewMain creates a new Main instance for the given session and credential store, and subscribes it to
// the session's state changes. It parses the required HTML templates from the embedded filesystem.
func NewMain(session Session, credentials CredentialStore, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		chatwidget.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	m := Main{
		sseSrv:      &sse.Server{},
		templates:   tmpl,
		markdown:    newMarkdown(),
		session:     session,
		credentials: credentials,
		logger:      logger.With(slog.String("module", "handlers")),
	}
	m.unsubscribe = session.Subscribe(m.publishState)

	return m, nil
}

// Shutdown detaches Main from the session and gracefully terminates the SSE server. It broadcasts a
// close message to all connected clients and waits up to 5 seconds for connections to terminate. After
// the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.unsubscribe()

	e := &sse.Message{Type: closeSSEType}
	// SSE events without data are dropped by browsers
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
