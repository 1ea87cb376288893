package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kerimsiter/atrochat/internal/history"
	"github.com/kerimsiter/atrochat/internal/llm"
	"github.com/kerimsiter/atrochat/internal/merge"
	"github.com/kerimsiter/atrochat/internal/stream"
	"github.com/kerimsiter/atrochat/internal/tokens"
	"github.com/kerimsiter/atrochat/pkg/chattypes"
)

// User-facing error texts shown as model messages, matching the web client.
const (
	msgMissingKey = "Gemini API anahtarı ayarlanmamış. Lütfen 'atrochat config set-key' komutuyla API anahtarınızı ekleyin."
	msgInvalidKey = "API anahtarı geçersiz veya hatalı. Lütfen anahtarınızı kontrol edin."
)

// SendOptions configures one outgoing turn. The callbacks are invoked from
// the stream goroutine, outside the store lock, strictly in order.
type SendOptions struct {
	UseSearchTool bool
	UseURLTool    bool
	// OnDelta receives each new piece of visible answer text.
	OnDelta func(text string)
	// OnThought receives each new thinking-trace step.
	OnThought func(step string)
}

// Receipt identifies an accepted send. Done closes when the response stream
// has settled (finalized, cancelled or errored) and persistence has flushed.
type Receipt struct {
	MessageID string
	Done      <-chan struct{}
}

// Send appends a user turn to the active session and streams the model
// response into a placeholder message. It returns as soon as the request is
// accepted; a session with a response already in flight rejects with
// ErrSessionBusy.
//
// Context consumption happens synchronously here, before the user message is
// appended: the merge rule that fires decides whether the stale flag or the
// pending update is consumed, and the session's revision marker advances
// exactly when a pending update is consumed.
func (st *Store) Send(ctx context.Context, text string, attachments []chattypes.Attachment, opts SendOptions) (*Receipt, error) {
	st.mu.Lock()
	sess := st.active()
	if _, busy := st.streams[sess.ID]; busy {
		st.mu.Unlock()
		return nil, ErrSessionBusy
	}

	if st.cfg.GeminiAPIKey == "" {
		msg := newMessage(chattypes.RoleModel, msgMissingKey)
		history.Append(sess, msg)
		st.mu.Unlock()
		st.saver.Flush()
		done := make(chan struct{})
		close(done)
		return &Receipt{MessageID: msg.ID, Done: done}, nil
	}

	payload := merge.Build(merge.Request{
		Text:         text,
		Files:        sess.ProjectFiles,
		Pending:      sess.PendingUpdate,
		ContextStale: sess.ContextStale,
		Attachments:  attachments,
	})
	st.consumeContext(sess, payload.Rule)

	// History is captured before the new turn is appended; the new turn
	// travels as the request parts.
	turns := turnsFromLog(sess)

	userMsg := newMessage(chattypes.RoleUser, text)
	userMsg.Attachments = attachments
	if payload.APIContent != text {
		userMsg.APIContent = payload.APIContent
	}
	history.Append(sess, userMsg)

	placeholder := newMessage(chattypes.RoleModel, "")
	placeholder.IsThinking = true
	history.Append(sess, placeholder)

	streamCtx, cancel := context.WithCancel(ctx)
	handle := &streamHandle{cancel: cancel, messageID: placeholder.ID, done: make(chan struct{})}
	st.streams[sess.ID] = handle

	sessionID := sess.ID
	genOpts := chattypes.GenerationOptions{
		Model:             st.cfg.Model,
		SystemInstruction: st.cfg.SystemInstruction,
		UseSearchTool:     opts.UseSearchTool,
		UseURLTool:        opts.UseURLTool,
	}
	st.mu.Unlock()
	st.saver.Schedule()

	st.log.Debug("Dispatching turn", "session", sessionID, "rule", payload.Rule, "model", genOpts.Model)
	go st.runStream(streamCtx, sessionID, handle, turns, payload, text, genOpts, opts)
	return &Receipt{MessageID: placeholder.ID, Done: handle.done}, nil
}

// Cancel aborts the active session's in-flight stream, if any. The partial
// answer accumulated so far is kept as the final message content.
func (st *Store) Cancel() bool {
	st.mu.Lock()
	handle, ok := st.streams[st.activeID]
	st.mu.Unlock()
	if !ok {
		return false
	}
	handle.cancel()
	return true
}

// DeleteMessage removes a user message from the active session together with
// the model response that immediately follows it.
func (st *Store) DeleteMessage(messageID string) error {
	st.mu.Lock()
	sess := st.active()
	if _, busy := st.streams[sess.ID]; busy {
		st.mu.Unlock()
		return ErrSessionBusy
	}
	removed, err := history.Delete(sess, messageID)
	st.mu.Unlock()
	if err != nil {
		return err
	}

	st.log.Debug("Deleted message pair", "session", st.ActiveID(), "removed", removed)
	st.saver.Flush()
	return nil
}

// EditMessage replaces a past user message: the log is truncated to strictly
// before it, then the new text is sent as a fresh turn carrying the original
// message's attachments.
func (st *Store) EditMessage(ctx context.Context, messageID, newText string, opts SendOptions) (*Receipt, error) {
	st.mu.Lock()
	sess := st.active()
	if _, busy := st.streams[sess.ID]; busy {
		st.mu.Unlock()
		return nil, ErrSessionBusy
	}
	edited, err := history.Truncate(sess, messageID)
	st.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return st.Send(ctx, newText, edited.Attachments, opts)
}

// consumeContext applies the side of the merge protocol that mutates the
// session. Full context covers any pending changes too, since the file set
// already has them merged in; in both consuming cases the revision marker
// advances to the pending update's marker.
func (st *Store) consumeContext(sess *chattypes.Session, rule merge.Rule) {
	switch rule {
	case merge.RuleFullContext:
		sess.ContextStale = false
		if sess.PendingUpdate != nil {
			if m := sess.PendingUpdate.RevisionMarker; m != "" {
				sess.RevisionMarker = m
			}
			sess.PendingUpdate = nil
		}
	case merge.RuleDelta:
		if m := sess.PendingUpdate.RevisionMarker; m != "" {
			sess.RevisionMarker = m
		}
		sess.PendingUpdate = nil
	}
}

// runStream owns one response stream from dispatch to settle.
func (st *Store) runStream(ctx context.Context, sessionID string, handle *streamHandle, turns []chattypes.Turn, payload merge.Payload, originalText string, genOpts chattypes.GenerationOptions, opts SendOptions) {
	defer func() {
		st.mu.Lock()
		delete(st.streams, sessionID)
		st.mu.Unlock()
		st.saver.Flush()
		close(handle.done)
	}()

	pricing := st.catalog.Pricing(genOpts.Model)

	inputTokens := tokens.Estimate(payload.APIContent)
	if st.cfg.PreciseTokenCount {
		if n, err := st.backend.CountTokens(ctx, payload.APIContent, genOpts.Model); err == nil {
			inputTokens = n
		} else {
			st.log.Debug("countTokens failed, falling back to estimate", "error", err)
		}
	}
	st.withSession(sessionID, func(s *chattypes.Session) {
		s.BilledTokenCount += inputTokens
		s.Cost += tokens.Cost(inputTokens, pricing.InputPerMillion)
	})

	events, err := st.backend.StreamGenerate(ctx, turns, buildParts(payload), genOpts)
	if err != nil {
		st.settle(sessionID, handle.messageID, stream.Result{State: stream.StateErrored, Err: err}, originalText, pricing.OutputPerMillion)
		return
	}

	acc := stream.New()
	var printedText, printedSteps int
	result := acc.Consume(ctx, events, func(a *stream.Accumulator) {
		content := a.Content()
		steps := a.Steps()
		// Streaming ticks update the in-memory message only; persistence
		// waits for the settle flush.
		st.mu.Lock()
		if s := st.find(sessionID); s != nil {
			if i := s.MessageIndex(handle.messageID); i >= 0 {
				s.Messages[i].Content = content
				s.Messages[i].ThinkingSteps = steps
			}
		}
		st.mu.Unlock()
		if opts.OnThought != nil {
			for ; printedSteps < len(steps); printedSteps++ {
				opts.OnThought(steps[printedSteps])
			}
		}
		if opts.OnDelta != nil && len(content) > printedText {
			opts.OnDelta(content[printedText:])
			printedText = len(content)
		}
	})

	st.settle(sessionID, handle.messageID, result, originalText, pricing.OutputPerMillion)
}

// settle finishes the placeholder message for a terminal stream result and
// applies the per-turn accounting: a finalized or cancelled stream bills
// output tokens on the content that actually arrived, a failed stream bills
// nothing on the output side (the input charge stands — the request was
// sent). The history counter is recomputed and the first completed exchange
// names the session after its question.
func (st *Store) settle(sessionID, messageID string, result stream.Result, originalText string, outputPrice float64) {
	errText := ""
	outputTokens := tokens.Estimate(result.Content)
	if result.State == stream.StateErrored {
		errText = errorText(result.Err)
		outputTokens = 0
		st.log.Debug("Stream errored", "session", sessionID, "error", result.Err)
	}

	st.withSession(sessionID, func(s *chattypes.Session) {
		if i := s.MessageIndex(messageID); i >= 0 {
			m := &s.Messages[i]
			if errText != "" {
				m.Content = errText
				m.ThinkingSteps = nil
			} else {
				m.Content = result.Content
				m.ThinkingSteps = result.ThinkingSteps
				m.Grounding = result.Grounding
				m.URLContext = result.URLContext
			}
			m.IsThinking = false
		}

		s.BilledTokenCount += outputTokens
		s.Cost += tokens.Cost(outputTokens, outputPrice)
		history.Recount(s)

		if s.Title == DefaultTitle && s.NonSystemMessageCount() <= 2 {
			s.Title = deriveTitle(originalText)
		}
	})
}

func errorText(err error) string {
	if llm.IsAuthError(err) {
		return msgInvalidKey
	}
	return fmt.Sprintf("Bir hata oluştu: %v", err)
}

func newMessage(role chattypes.Role, content string) chattypes.Message {
	return chattypes.Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// turnsFromLog maps the session's user and model messages to request turns.
// System notices stay local; image attachments of past user turns travel as
// inline data alongside their text.
func turnsFromLog(s *chattypes.Session) []chattypes.Turn {
	turns := make([]chattypes.Turn, 0, len(s.Messages))
	for i := range s.Messages {
		m := &s.Messages[i]
		if m.Role == chattypes.RoleSystem {
			continue
		}
		parts := []chattypes.Part{chattypes.TextPart(m.APIText())}
		if m.Role == chattypes.RoleUser {
			parts = append(parts, imageParts(m.Attachments)...)
		}
		turns = append(turns, chattypes.Turn{Role: m.Role, Parts: parts})
	}
	return turns
}

// buildParts assembles the request parts for the new turn: the merged text
// payload first, then any image attachments as inline data.
func buildParts(payload merge.Payload) []chattypes.Part {
	parts := []chattypes.Part{chattypes.TextPart(payload.APIContent)}
	return append(parts, imageParts(payload.Images)...)
}

func imageParts(attachments []chattypes.Attachment) []chattypes.Part {
	var parts []chattypes.Part
	for _, att := range attachments {
		if !att.IsImage() {
			continue
		}
		data, err := att.InlineData()
		if err != nil {
			continue
		}
		parts = append(parts, chattypes.Part{MimeType: att.MimeType, Data: data})
	}
	return parts
}

// deriveTitle names a session after its first question.
func deriveTitle(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > 30 {
		runes = runes[:30]
	}
	return string(runes) + "..."
}
