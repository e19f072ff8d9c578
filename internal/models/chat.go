package models

// Phase is the position of a chat session in its turn-taking cycle.
type Phase string

const (
	// PhaseIdle means the session accepts a new submission.
	PhaseIdle Phase = "idle"
	// PhaseAwaitingReply means one exchange is in flight and submissions are rejected.
	PhaseAwaitingReply Phase = "awaiting_reply"
)

// ErrorInfo describes the failure of the most recent exchange, in a form safe to hand to a renderer.
type ErrorInfo struct {
	Kind    ErrorKind
	Message string
}

// SessionState is a snapshot of a chat session. Snapshots are values: holding one never blocks the
// session, and the session never changes a snapshot after it was handed out.
type SessionState struct {
	Transcript Transcript
	Phase      Phase

	// LastError is set after a failed exchange, and cleared once a new submission is accepted.
	LastError *ErrorInfo
}

// Typing reports whether the typing indicator should be visible, which is exactly while a reply is awaited.
func (s SessionState) Typing() bool {
	return s.Phase == PhaseAwaitingReply
}
