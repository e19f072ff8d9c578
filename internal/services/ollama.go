package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/chat-widget/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the completion client for a self-hosted Ollama server. Ollama
// doesn't authenticate requests, so the API key is ignored.
type Ollama struct {
	host string

	client *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL. The host parameter should be a
// valid URL pointing to an Ollama server.
func NewOllama(host string, client *http.Client, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	if client == nil {
		client = &http.Client{}
	}
	// The api client decodes the body before it looks at the status, so the transport records it.
	recording := *client
	recording.Transport = statusRecorder{base: client.Transport}

	return Ollama{
		host:   host,
		client: api.NewClient(u, &recording),
		logger: logger.With(slog.String("module", "ollama")),
	}, nil
}

// Complete sends req to the Ollama chat endpoint as a single, non-streamed exchange and returns the
// reply content.
func (o Ollama) Complete(ctx context.Context, req models.Request, _ string) (string, error) {
	msgs := make([]api.Message, len(req.Messages))
	for i, msg := range req.Messages {
		msgs[i] = api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	stream := false
	chatReq := api.ChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   &stream,
		Options: map[string]any{
			"top_p":       req.TopP,
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}

	o.logger.Debug("Request", slog.String("host", o.host), slog.String("model", req.Model),
		slog.Int("messages", len(msgs)))

	var status int
	ctx = context.WithValue(ctx, responseStatusKey{}, &status)

	var reply string
	if err := o.client.Chat(ctx, &chatReq, func(res api.ChatResponse) error {
		reply += res.Message.Content
		return nil
	}); err != nil {
		return "", classifyOllamaError(err, status)
	}

	if reply == "" {
		return "", models.MalformedResponseError(status, errNoReply)
	}

	return reply, nil
}

type responseStatusKey struct{}

// statusRecorder stores the response status code in the *int found under responseStatusKey in the
// request context.
type statusRecorder struct {
	base http.RoundTripper
}

func (s statusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	base := s.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if status, ok := req.Context().Value(responseStatusKey{}).(*int); ok {
		*status = resp.StatusCode
	}
	return resp, nil
}

// classifyOllamaError maps an api client error to a ClientError. status is the HTTP status of the
// response, or zero if none arrived.
func classifyOllamaError(err error, status int) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		msg := statusErr.ErrorMessage
		if msg == "" {
			msg = statusErr.Status
		}
		ce := models.StatusError(statusErr.StatusCode, msg)
		ce.Err = err
		return ce
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return models.NetworkError(err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) || status == 0 {
		return models.NetworkError(err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	decodeFailed := errors.As(err, &syntaxErr) || errors.As(err, &typeErr)

	// A failed response carries its status whatever the body looks like.
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		msg := http.StatusText(status)
		if !decodeFailed {
			// An {"error": ...} payload, which the api client returns as a bare error.
			msg = err.Error()
		}
		ce := models.StatusError(status, msg)
		ce.Err = err
		return ce
	}

	if decodeFailed {
		return models.MalformedResponseError(status, fmt.Errorf("error decoding response: %w", err))
	}

	return &models.ClientError{Kind: models.ErrorKindRemote, Status: status, Message: err.Error(), Err: err}
}
