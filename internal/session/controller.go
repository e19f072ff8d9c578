package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/chat-widget/internal/models"
)

// CompletionClient performs one exchange with a completion endpoint. Failures are reported as
// *models.ClientError.
type CompletionClient interface {
	Complete(ctx context.Context, req models.Request, apiKey string) (string, error)
}

// CredentialSource supplies the API key. It is read once at the start of every exchange, so a key
// replaced between sends is used by the next exchange.
type CredentialSource interface {
	APIKey(ctx context.Context) (string, error)
}

// ErrorReporter surfaces a failed exchange to the end user. It is invoked exactly once per failure,
// after observers have seen the idle state, with no controller lock held. It may call Submit to resend.
// It runs on the exchange goroutine, so Close waits for it to return.
type ErrorReporter interface {
	ReportError(err error)
}

// ReporterFunc adapts a function to an ErrorReporter.
type ReporterFunc func(err error)

// ReportError implements ErrorReporter.
func (f ReporterFunc) ReportError(err error) {
	f(err)
}

// Observer receives every state the session transitions into, in transition order.
type Observer = func(models.SessionState)

// StaticCredentials is a CredentialSource that always returns the same key.
type StaticCredentials string

// APIKey implements CredentialSource.
func (s StaticCredentials) APIKey(context.Context) (string, error) {
	return string(s), nil
}

var (
	// ErrReplyPending is returned when a message is submitted while the previous exchange is still in
	// flight. The submission is dropped, not queued.
	ErrReplyPending = errors.New("a reply is still pending")
	// ErrClosed is returned when a message is submitted after the controller was closed.
	ErrClosed = errors.New("session is closed")
)

// Options configures a Controller.
type Options struct {
	SystemPrompt string
	Greeting     string
	Parameters   models.Parameters

	// RequestTimeout bounds a single exchange. Zero means the exchange runs until the transport
	// returns.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// Controller owns a chat session: its transcript and its turn-taking state machine. A session cycles
// between models.PhaseIdle and models.PhaseAwaitingReply, with at most one exchange in flight.
type Controller struct {
	client   CompletionClient
	creds    CredentialSource
	reporter ErrorReporter

	params  models.Parameters
	timeout time.Duration

	mu     sync.Mutex
	state  models.SessionState
	closed bool

	// emitMu is held across a transition and its notification, so observers see states in
	// transition order.
	emitMu      sync.Mutex
	observersMu sync.Mutex
	observers   map[int]Observer
	nextID      int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

const errLoggerKey = "err"

// New creates an idle Controller whose transcript holds the system prompt and, if not empty, the greeting.
func New(client CompletionClient, creds CredentialSource, reporter ErrorReporter, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	params := opts.Parameters
	if params.Model == "" {
		params = models.DefaultParameters("")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Controller{
		client:   client,
		creds:    creds,
		reporter: reporter,
		params:   params,
		timeout:  opts.RequestTimeout,
		state: models.SessionState{
			Transcript: models.NewTranscript(opts.SystemPrompt, opts.Greeting),
			Phase:      models.PhaseIdle,
		},
		observers: make(map[int]Observer),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("module", "session")),
	}
}

// State returns a snapshot of the session.
func (c *Controller) State() models.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Typing reports whether a reply is being awaited.
func (c *Controller) Typing() bool {
	return c.State().Typing()
}

// Subscribe registers fn to receive every subsequent state. The returned function removes the
// registration. Observers are called synchronously, must not block for long and must not call Submit.
func (c *Controller) Subscribe(fn Observer) func() {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()

	id := c.nextID
	c.nextID++
	c.observers[id] = fn

	return func() {
		c.observersMu.Lock()
		defer c.observersMu.Unlock()
		delete(c.observers, id)
	}
}

// Submit appends text as a user message and starts an exchange with the completion endpoint. It returns
// once the exchange is started; the reply, or the failure, arrives as a later state.
//
// Text is stored verbatim. Submit returns models.ErrEmptyMessage if text is empty or whitespace only, and
// ErrReplyPending if an exchange is already in flight. In both cases nothing changes.
func (c *Controller) Submit(text string) error {
	if strings.TrimSpace(text) == "" {
		return models.ErrEmptyMessage
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.Phase == models.PhaseAwaitingReply {
		c.mu.Unlock()
		return ErrReplyPending
	}

	c.state = models.SessionState{
		Transcript: c.state.Transcript.Append(models.Message{
			Role:    models.RoleUser,
			Content: text,
		}),
		Phase: models.PhaseAwaitingReply,
	}
	state := c.state
	// Registered under mu, so Close either waits for this exchange or rejects the submission.
	c.wg.Add(1)
	c.mu.Unlock()

	c.notify(state)

	go c.exchange(state.Transcript)

	return nil
}

// Close cancels an in-flight exchange and waits for it to finish. A cancelled exchange returns the
// session to idle without reporting an error. Submissions after Close return ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func (c *Controller) exchange(transcript models.Transcript) {
	defer c.wg.Done()

	ctx := c.ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := models.BuildRequest(transcript, c.params)

	reply, err := c.complete(ctx, req)
	if err != nil {
		c.fail(err)
		return
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	c.state = models.SessionState{
		Transcript: c.state.Transcript.Append(models.Message{
			Role:    models.RoleAssistant,
			Content: reply,
		}),
		Phase: models.PhaseIdle,
	}
	state := c.state
	c.mu.Unlock()

	c.logger.Debug("Exchange completed", slog.Int("messages", state.Transcript.Len()))

	c.notify(state)
}

func (c *Controller) complete(ctx context.Context, req models.Request) (string, error) {
	apiKey, err := c.creds.APIKey(ctx)
	if err != nil {
		return "", &models.ClientError{
			Kind:    models.ErrorKindAuth,
			Message: fmt.Sprintf("failed to read credentials: %v", err),
			Err:     err,
		}
	}

	reply, err := c.client.Complete(ctx, req, apiKey)
	if err != nil {
		return "", err
	}
	if reply == "" {
		return "", models.MalformedResponseError(0, errors.New("empty reply"))
	}
	return reply, nil
}

// fail returns the session to idle, keeping the unanswered user message. Observers see the idle state
// before the error is reported, and the reporter runs with no lock held so it may submit again.
func (c *Controller) fail(err error) {
	c.emitMu.Lock()

	c.mu.Lock()
	c.state = models.SessionState{
		Transcript: c.state.Transcript,
		Phase:      models.PhaseIdle,
		LastError:  models.ErrorInfoOf(err),
	}
	state := c.state
	c.mu.Unlock()

	c.notify(state)
	c.emitMu.Unlock()

	// The widget is going away, nobody is left to show the error to.
	if c.ctx.Err() != nil {
		c.logger.Debug("Exchange cancelled", slog.String(errLoggerKey, err.Error()))
		return
	}

	c.logger.Error("Exchange failed",
		slog.String("kind", string(state.LastError.Kind)),
		slog.String(errLoggerKey, err.Error()))

	if c.reporter != nil {
		c.reporter.ReportError(err)
	}
}

// notify delivers state to every observer. Callers hold emitMu, which keeps deliveries in transition
// order.
func (c *Controller) notify(state models.SessionState) {
	c.observersMu.Lock()
	observers := make([]Observer, 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.observersMu.Unlock()

	for _, fn := range observers {
		fn(state)
	}
}
