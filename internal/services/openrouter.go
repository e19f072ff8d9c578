package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/chat-widget/internal/models"
)

// OpenRouter implements the completion client for OpenRouter, or any other endpoint that speaks the
// OpenAI chat completions wire format, using plain JSON over HTTP.
type OpenRouter struct {
	baseURL string

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openRouterMessage `json:"messages"`
	TopP        float32             `json:"top_p"`
	Temperature float32             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterResponse struct {
	Choices []openRouterChoice `json:"choices"`
}

type openRouterChoice struct {
	Message *openRouterMessage `json:"message"`
}

type openRouterError struct {
	Error struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
)

// NewOpenRouter creates a new OpenRouter instance. An empty baseURL selects the OpenRouter API; any other
// value is used as the root of an OpenAI compatible API, with requests sent to baseURL/chat/completions.
func NewOpenRouter(baseURL string, client *http.Client, logger *slog.Logger) OpenRouter {
	if baseURL == "" {
		baseURL = openRouterAPIEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}
	return OpenRouter{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		logger:  logger.With(slog.String("module", "openrouter")),
	}
}

// Complete sends req to the chat completions endpoint, authorized with apiKey as a bearer token, and
// returns the content of the first choice.
func (o OpenRouter) Complete(ctx context.Context, req models.Request, apiKey string) (string, error) {
	msgs := make([]openRouterMessage, len(req.Messages))
	for i, msg := range req.Messages {
		msgs[i] = openRouterMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	reqBody := openRouterChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		TopP:        req.TopP,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/chat-widget/")
	header.Set("X-Title", "Chat Widget")

	var res openRouterResponse
	if err := postJSON(ctx, o.client, o.logger, o.baseURL+"/chat/completions", header, reqBody, &res,
		openRouterErrorMessage); err != nil {
		return "", err
	}

	if len(res.Choices) == 0 || res.Choices[0].Message == nil || res.Choices[0].Message.Content == "" {
		return "", models.MalformedResponseError(http.StatusOK, errNoReply)
	}

	return res.Choices[0].Message.Content, nil
}

func openRouterErrorMessage(body []byte) string {
	var e openRouterError
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	return e.Error.Message
}
