package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Message represents one conversational turn. Sequence is the position of the turn in its transcript,
// it grows monotonically and is never reused. The system message always carries sequence 0.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Sequence  int
	Timestamp time.Time
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleSystem represents the fixed instruction that defines the assistant's behavior. It is never shown
	// to the end user, but is sent first on every exchange.
	RoleSystem Role = "system"
	// RoleUser represents a message submitted by the end user.
	RoleUser Role = "user"
	// RoleAssistant represents a reply returned by the completion endpoint, or the seeded greeting.
	RoleAssistant Role = "assistant"
)

// Transcript is an append-only record of conversation turns, headed by a single immutable system message.
//
// A Transcript is a value: Append returns an extended copy and never writes into storage that an earlier
// value (or a snapshot taken from it) can observe, so transcripts can be shared freely between goroutines.
type Transcript struct {
	system Message
	turns  []Message
}

// NewTranscript creates a transcript with the given system instruction. If greeting is not empty, it is
// seeded as the first assistant turn.
func NewTranscript(systemPrompt, greeting string) Transcript {
	t := Transcript{
		system: Message{
			ID:        uuid.New().String(),
			Role:      RoleSystem,
			Content:   systemPrompt,
			Timestamp: time.Now(),
		},
	}
	if greeting != "" {
		t = t.Append(Message{Role: RoleAssistant, Content: greeting})
	}
	return t
}

// Append returns a transcript extended with msg. The ID, Sequence and Timestamp of msg are assigned here
// and any values set by the caller are overwritten. Messages with RoleSystem are ignored, the system
// instruction is fixed when the transcript is created.
func (t Transcript) Append(msg Message) Transcript {
	if msg.Role == RoleSystem {
		return t
	}

	msg.ID = uuid.New().String()
	msg.Sequence = t.Last().Sequence + 1
	msg.Timestamp = time.Now()

	// Clip forces append to allocate, so the receiver's backing array is never shared with the result.
	return Transcript{
		system: t.system,
		turns:  append(slices.Clip(t.turns), msg),
	}
}

// System returns the system message.
func (t Transcript) System() Message {
	return t.system
}

// Messages returns every message of the transcript in order, system message first. The returned slice is
// a fresh copy owned by the caller.
func (t Transcript) Messages() []Message {
	msgs := make([]Message, 0, len(t.turns)+1)
	msgs = append(msgs, t.system)
	return append(msgs, t.turns...)
}

// Turns returns the user and assistant messages in chronological order, without the system message.
func (t Transcript) Turns() []Message {
	return slices.Clone(t.turns)
}

// Len returns the number of messages, including the system message.
func (t Transcript) Len() int {
	return len(t.turns) + 1
}

// Last returns the most recent message. For a transcript without turns, it is the system message.
func (t Transcript) Last() Message {
	if len(t.turns) == 0 {
		return t.system
	}
	return t.turns[len(t.turns)-1]
}
