// Package history owns the ordered message log of a session: appends,
// edit-truncation, atomic pair deletion, and the token counter that depends
// on them.
//
// The invariant maintained by every operation here: a session's
// HistoryTokenCount equals the sum of estimated tokens over the API text of
// every user and model message currently in the log.
package history

import (
	"errors"

	"github.com/kerimsiter/atrochat/internal/tokens"
	"github.com/kerimsiter/atrochat/pkg/chattypes"
)

var (
	// ErrMessageNotFound is returned when the target message id is not in
	// the session's log.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotUserMessage is returned when delete or edit is attempted on a
	// non-user message.
	ErrNotUserMessage = errors.New("only user messages can be deleted or edited")
)

// Append adds a message to the tail of the log and updates the history token
// counter incrementally. System messages never contribute to the counter.
func Append(s *chattypes.Session, msg chattypes.Message) {
	s.Messages = append(s.Messages, msg)
	if msg.Role != chattypes.RoleSystem {
		s.HistoryTokenCount += tokens.Estimate(msg.APIText())
	}
}

// Recount recomputes the history token counter from scratch over the current
// log. Mutations that remove messages use this instead of incremental
// subtraction so each removed message's contribution is excluded exactly
// once.
func Recount(s *chattypes.Session) {
	total := 0
	for i := range s.Messages {
		if s.Messages[i].Role == chattypes.RoleSystem {
			continue
		}
		total += tokens.Estimate(s.Messages[i].APIText())
	}
	s.HistoryTokenCount = total
}

// Delete removes the user message with the given id and, if the message
// immediately following it is a model response, removes that too as an
// atomic pair. It returns how many messages were removed.
func Delete(s *chattypes.Session, messageID string) (int, error) {
	idx := s.MessageIndex(messageID)
	if idx < 0 {
		return 0, ErrMessageNotFound
	}
	if s.Messages[idx].Role != chattypes.RoleUser {
		return 0, ErrNotUserMessage
	}

	end := idx + 1
	if end < len(s.Messages) && s.Messages[end].Role == chattypes.RoleModel {
		end++
	}
	removed := end - idx
	s.Messages = append(s.Messages[:idx], s.Messages[end:]...)
	Recount(s)
	return removed, nil
}

// Truncate cuts the log to everything strictly before the user message with
// the given id, discarding that message and everything after it. It returns
// the removed user message so the caller can schedule a resend with its
// original attachments.
func Truncate(s *chattypes.Session, messageID string) (chattypes.Message, error) {
	idx := s.MessageIndex(messageID)
	if idx < 0 {
		return chattypes.Message{}, ErrMessageNotFound
	}
	if s.Messages[idx].Role != chattypes.RoleUser {
		return chattypes.Message{}, ErrNotUserMessage
	}

	edited := s.Messages[idx]
	s.Messages = s.Messages[:idx]
	Recount(s)
	return edited, nil
}
