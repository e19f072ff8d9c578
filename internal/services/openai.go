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
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides an implementation of the completion client for OpenAI's chat completions API, built on
// the go-openai client.
type OpenAI struct {
	baseURL string

	httpClient *http.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance. An empty baseURL selects the public OpenAI API.
func NewOpenAI(baseURL string, client *http.Client, logger *slog.Logger) OpenAI {
	if client == nil {
		client = &http.Client{}
	}
	return OpenAI{
		baseURL:    baseURL,
		httpClient: client,
		logger:     logger.With(slog.String("module", "openai")),
	}
}

// Complete sends req to the chat completions endpoint and returns the content of the first choice.
//
// The go-openai client binds the API key at construction, and the key may change between exchanges, so
// a client is created for every call.
func (o OpenAI) Complete(ctx context.Context, req models.Request, apiKey string) (string, error) {
	cfg := goopenai.DefaultConfig(apiKey)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	cfg.HTTPClient = o.httpClient
	client := goopenai.NewClientWithConfig(cfg)

	chatReq := o.chatRequest(req)

	reqJSON, err := json.Marshal(chatReq)
	if err == nil {
		o.logger.Debug("Request", slog.String("req", string(reqJSON)))
	}

	resp, err := client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", classifyOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		return "", models.MalformedResponseError(http.StatusOK, errors.New("no choices found"))
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", models.MalformedResponseError(http.StatusOK, errNoReply)
	}

	return content, nil
}

func (o OpenAI) chatRequest(req models.Request) goopenai.ChatCompletionRequest {
	msgs := make([]goopenai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		msgs[i] = goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	return goopenai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		TopP:        req.TopP,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

func classifyOpenAIError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		ce := models.StatusError(apiErr.HTTPStatusCode, apiErr.Message)
		ce.Err = err
		return ce
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		ce := models.StatusError(reqErr.HTTPStatusCode, http.StatusText(reqErr.HTTPStatusCode))
		ce.Err = err
		return ce
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return models.MalformedResponseError(http.StatusOK, fmt.Errorf("error decoding response: %w", err))
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return models.NetworkError(err)
	}

	// go-openai validates some requests locally, e.g. models it only serves through CreateCompletion.
	return &models.ClientError{Kind: models.ErrorKindRemote, Message: err.Error(), Err: err}
}
