package models

// Sampling parameters attached to every request.
const (
	DefaultModel       = "gpt-3.5-turbo"
	DefaultTopP        = 0.9
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 150
)

// Parameters holds the model identifier and sampling parameters of a chat completion request.
type Parameters struct {
	Model       string
	TopP        float32
	Temperature float32
	MaxTokens   int
}

// Request is a provider independent description of one chat completion request.
type Request struct {
	Parameters

	Messages []RequestMessage
}

// RequestMessage is one entry of the request's message list.
type RequestMessage struct {
	Role    Role
	Content string
}

// DefaultParameters returns the fixed sampling parameters for model. An empty model selects DefaultModel.
func DefaultParameters(model string) Parameters {
	if model == "" {
		model = DefaultModel
	}
	return Parameters{
		Model:       model,
		TopP:        DefaultTopP,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
}

// BuildRequest turns a transcript into a request. The system message always comes first, followed by the
// user and assistant turns in chronological order.
func BuildRequest(t Transcript, params Parameters) Request {
	turns := t.Turns()
	msgs := make([]RequestMessage, 0, len(turns)+1)
	msgs = append(msgs, RequestMessage{
		Role:    RoleSystem,
		Content: t.System().Content,
	})
	for _, msg := range turns {
		msgs = append(msgs, RequestMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	return Request{
		Parameters: params,
		Messages:   msgs,
	}
}

// SystemPrompt returns the content of the leading system message, if any, and the remaining messages.
func (r Request) SystemPrompt() (string, []RequestMessage) {
	if len(r.Messages) > 0 && r.Messages[0].Role == RoleSystem {
		return r.Messages[0].Content, r.Messages[1:]
	}
	return "", r.Messages
}
