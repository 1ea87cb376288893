// Package chattypes defines the shared domain types for atrochat.
// It contains the session and message model, project-context types, and the
// interfaces through which the core consumes the generation backend and the
// repository source.
package chattypes

import (
	"encoding/base64"
	"strings"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	// RoleUser marks a message typed by the user.
	RoleUser Role = "user"
	// RoleModel marks a message generated by the backend.
	RoleModel Role = "model"
	// RoleSystem marks an out-of-band notice. System messages are shown in
	// the conversation but never sent to the backend as turns.
	RoleSystem Role = "system"
)

// Attachment is a file the user attached to a single message.
// Data holds a base64 data URL for images and raw text for everything else.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"type"`
	Data     string `json:"data"`
}

// IsImage reports whether the attachment should be sent as an inline binary
// part instead of being appended to the text payload.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// InlineData decodes the base64 payload of an image attachment, accepting
// both bare base64 and "data:<mime>;base64,<data>" URLs.
func (a Attachment) InlineData() ([]byte, error) {
	data := a.Data
	if idx := strings.Index(data, ","); idx >= 0 && strings.HasPrefix(data, "data:") {
		data = data[idx+1:]
	}
	return base64.StdEncoding.DecodeString(data)
}

// Message is one turn in a session's log.
//
// Content is what the UI displays; APIContent is what was actually sent to
// the backend. The two diverge exactly when context injection occurred for
// that turn. IsThinking and ThinkingSteps are streaming-time fields: the
// thinking trace is display-only and never sent back to the backend.
type Message struct {
	ID            string              `json:"id"`
	Role          Role                `json:"role"`
	Content       string              `json:"content"`
	APIContent    string              `json:"apiContent,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
	Grounding     *GroundingMetadata  `json:"groundingMetadata,omitempty"`
	URLContext    *URLContextMetadata `json:"urlContextMetadata,omitempty"`
	Attachments   []Attachment        `json:"attachments,omitempty"`
	IsThinking    bool                `json:"isThinking,omitempty"`
	ThinkingSteps []string            `json:"thinkingSteps,omitempty"`
}

// APIText returns the text this message contributes to the outgoing request:
// the API content when context was injected, the display content otherwise.
func (m *Message) APIText() string {
	if m.APIContent != "" {
		return m.APIContent
	}
	return m.Content
}

// ProjectFile is one source file used as injectable context. Content is
// always decoded text; undecodable files carry a sentinel error string put
// there by the repo source.
type ProjectFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// PendingContextUpdate is an accumulated, not-yet-sent delta of file changes
// awaiting consumption by the next outgoing turn. A session holds at most
// one; repeated syncs coalesce into it instead of replacing it.
type PendingContextUpdate struct {
	Added          []ProjectFile `json:"added"`
	Modified       []ProjectFile `json:"modified"`
	Removed        []string      `json:"removed"`
	RevisionMarker string        `json:"revisionMarker"`
}

// IsEmpty reports whether the update carries no changes at all.
func (p *PendingContextUpdate) IsEmpty() bool {
	return p == nil || (len(p.Added) == 0 && len(p.Modified) == 0 && len(p.Removed) == 0)
}

// Session is one continuous conversation plus its bound project context and
// accounting totals.
//
// BilledTokenCount and Cost are monotonically non-decreasing: past spend is
// sunk cost and is never recomputed retroactively. HistoryTokenCount and
// ProjectTokenCount are stored fields that every mutation of their inputs
// must keep consistent.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`

	BilledTokenCount int     `json:"billedTokenCount"`
	Cost             float64 `json:"cost"`

	ProjectFiles      []ProjectFile         `json:"projectFiles,omitempty"`
	ProjectTokenCount int                   `json:"projectTokenCount"`
	HistoryTokenCount int                   `json:"historyTokenCount"`
	ProjectSource     string                `json:"projectSource,omitempty"`
	ProjectRepoURL    string                `json:"projectRepoUrl,omitempty"`
	RevisionMarker    string                `json:"projectCommitSha,omitempty"`
	ContextStale      bool                  `json:"isContextStale,omitempty"`
	PendingUpdate     *PendingContextUpdate `json:"pendingContextUpdate,omitempty"`

	// LegacyTokenCount absorbs the pre-rename "tokenCount" field of old
	// persisted sessions; hydration migrates it into BilledTokenCount.
	LegacyTokenCount int `json:"tokenCount,omitempty"`
}

// MessageIndex returns the position of the message with the given id, or -1.
func (s *Session) MessageIndex(id string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// NonSystemMessageCount counts the user and model turns currently in the log.
func (s *Session) NonSystemMessageCount() int {
	n := 0
	for i := range s.Messages {
		if s.Messages[i].Role != RoleSystem {
			n++
		}
	}
	return n
}
