// Package store is the aggregate root of atrochat: it owns the session list,
// the active-session pointer, the per-session in-flight stream handles, and
// the debounced persistence of all of it. Every user-visible operation goes
// through here; the packages below it (history, merge, stream, repo) are
// pure state transitions this package sequences under one mutex.
package store

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/kerimsiter/atrochat/internal/config"
	"github.com/kerimsiter/atrochat/internal/history"
	"github.com/kerimsiter/atrochat/internal/logger"
	"github.com/kerimsiter/atrochat/internal/storage"
	"github.com/kerimsiter/atrochat/internal/tokens"
	"github.com/kerimsiter/atrochat/pkg/chattypes"
)

// DefaultTitle is the title of a session that has not earned one yet.
const DefaultTitle = "Yeni Sohbet"

// persistDelay is how long streaming writes coalesce before hitting disk.
const persistDelay = 300 * time.Millisecond

var (
	// ErrSessionBusy is returned when an operation needs exclusive access to
	// a session that has a response stream in flight.
	ErrSessionBusy = errors.New("session has a response in flight")
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
)

// streamHandle tracks one in-flight response stream.
type streamHandle struct {
	cancel    func()
	messageID string
	done      chan struct{}
}

// Store holds the whole persisted state of the client.
//
// The mutex guards sessions, activeID and streams. Stream goroutines take
// the same mutex for every mutation, so a reader always observes a
// consistent session even mid-stream.
type Store struct {
	mu       sync.Mutex
	sessions []*chattypes.Session
	activeID string
	streams  map[string]*streamHandle

	backend chattypes.GenerationBackend
	source  chattypes.RepoSource
	kv      storage.KV
	cfg     *config.Config
	catalog *tokens.Catalog
	saver   *saver
	log     *log.Logger
}

// New builds a store over the given collaborators and hydrates it from the
// KV layer. The returned store always has at least one session and a valid
// active-session pointer.
func New(kv storage.KV, cfg *config.Config, backend chattypes.GenerationBackend, source chattypes.RepoSource) (*Store, error) {
	catalog, err := tokens.LoadCatalog()
	if err != nil {
		return nil, err
	}

	st := &Store{
		streams: make(map[string]*streamHandle),
		backend: backend,
		source:  source,
		kv:      kv,
		cfg:     cfg,
		catalog: catalog,
		log:     logger.NewStyledLogger("store"),
	}
	st.saver = newSaver(persistDelay, st.persistNow)
	st.hydrate()
	return st, nil
}

// hydrate loads the persisted session list and active pointer, repairing
// whatever an interrupted or older process left behind: corrupt JSON starts
// fresh, the legacy "tokenCount" field migrates into BilledTokenCount,
// stored token counters are recomputed, and in-flight flags are cleared.
func (st *Store) hydrate() {
	if raw, ok, err := st.kv.Get(storage.KeySessions); err != nil {
		st.log.Warn("Failed to read persisted sessions", "error", err)
	} else if ok {
		var sessions []*chattypes.Session
		if err := json.Unmarshal([]byte(raw), &sessions); err != nil {
			st.log.Warn("Persisted sessions are corrupt, starting fresh", "error", err)
		} else {
			st.sessions = sessions
		}
	}

	for _, s := range st.sessions {
		if s.BilledTokenCount == 0 && s.LegacyTokenCount > 0 {
			s.BilledTokenCount = s.LegacyTokenCount
		}
		s.LegacyTokenCount = 0
		if s.Title == "" {
			s.Title = DefaultTitle
		}
		for i := range s.Messages {
			s.Messages[i].IsThinking = false
		}
		history.Recount(s)
		recountProject(s)
	}

	if len(st.sessions) == 0 {
		st.sessions = []*chattypes.Session{freshSession()}
	}
	st.activeID = st.sessions[0].ID
	if id, ok, _ := st.kv.Get(storage.KeyActiveSession); ok && st.find(id) != nil {
		st.activeID = id
	}
}

func freshSession() *chattypes.Session {
	return &chattypes.Session{
		ID:        uuid.NewString(),
		Title:     DefaultTitle,
		Messages:  []chattypes.Message{},
		CreatedAt: time.Now(),
	}
}

func recountProject(s *chattypes.Session) {
	total := 0
	for _, f := range s.ProjectFiles {
		total += tokens.Estimate(f.Content)
	}
	s.ProjectTokenCount = total
}

// find returns the session with the given id, or nil. Caller holds the lock.
func (st *Store) find(id string) *chattypes.Session {
	for _, s := range st.sessions {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// active returns the active session. Caller holds the lock; hydration
// guarantees the pointer is always valid.
func (st *Store) active() *chattypes.Session {
	return st.find(st.activeID)
}

// withActive runs fn on the active session under the lock and schedules a
// persist afterwards.
func (st *Store) withActive(fn func(*chattypes.Session)) {
	st.mu.Lock()
	fn(st.active())
	st.mu.Unlock()
	st.saver.Schedule()
}

// withSession runs fn on the identified session under the lock, scheduling a
// persist afterwards. A deleted session makes this a no-op.
func (st *Store) withSession(id string, fn func(*chattypes.Session)) {
	st.mu.Lock()
	if s := st.find(id); s != nil {
		fn(s)
	}
	st.mu.Unlock()
	st.saver.Schedule()
}

// ActiveID returns the id of the active session.
func (st *Store) ActiveID() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.activeID
}

// Active returns a snapshot of the active session, safe to read while a
// stream is mutating the original.
func (st *Store) Active() chattypes.Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return snapshot(st.active())
}

// Session returns a snapshot of the identified session.
func (st *Store) Session(id string) (chattypes.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.find(id)
	if s == nil {
		return chattypes.Session{}, ErrSessionNotFound
	}
	return snapshot(s), nil
}

// Sessions returns snapshots of all sessions, newest first.
func (st *Store) Sessions() []chattypes.Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]chattypes.Session, len(st.sessions))
	for i, s := range st.sessions {
		out[i] = snapshot(s)
	}
	return out
}

func snapshot(s *chattypes.Session) chattypes.Session {
	copied := *s
	copied.Messages = append([]chattypes.Message(nil), s.Messages...)
	copied.ProjectFiles = append([]chattypes.ProjectFile(nil), s.ProjectFiles...)
	return copied
}

// NewSession creates a fresh session, makes it active, and returns its
// snapshot. New sessions go to the front of the list.
func (st *Store) NewSession() chattypes.Session {
	st.mu.Lock()
	s := freshSession()
	st.sessions = append([]*chattypes.Session{s}, st.sessions...)
	st.activeID = s.ID
	snap := snapshot(s)
	st.mu.Unlock()

	st.log.Debug("Created session", "session", snap.ID)
	st.saver.Flush()
	return snap
}

// SelectSession makes the identified session active.
func (st *Store) SelectSession(id string) error {
	st.mu.Lock()
	if st.find(id) == nil {
		st.mu.Unlock()
		return ErrSessionNotFound
	}
	st.activeID = id
	st.mu.Unlock()

	st.saver.Flush()
	return nil
}

// DeleteSession removes a session, cancelling any stream it has in flight.
// The store never goes empty: deleting the last session creates a fresh one.
func (st *Store) DeleteSession(id string) error {
	st.mu.Lock()
	if st.find(id) == nil {
		st.mu.Unlock()
		return ErrSessionNotFound
	}
	if handle, ok := st.streams[id]; ok {
		handle.cancel()
	}

	kept := st.sessions[:0]
	for _, s := range st.sessions {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	st.sessions = kept
	if len(st.sessions) == 0 {
		st.sessions = []*chattypes.Session{freshSession()}
	}
	if st.activeID == id {
		st.activeID = st.sessions[0].ID
	}
	st.mu.Unlock()

	st.log.Debug("Deleted session", "session", id)
	st.saver.Flush()
	return nil
}

// RenameSession sets a session's title.
func (st *Store) RenameSession(id, title string) error {
	st.mu.Lock()
	s := st.find(id)
	if s == nil {
		st.mu.Unlock()
		return ErrSessionNotFound
	}
	s.Title = strings.TrimSpace(title)
	st.mu.Unlock()

	st.saver.Flush()
	return nil
}

// Busy reports whether the identified session has a stream in flight.
func (st *Store) Busy(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.streams[id]
	return ok
}

// SetGeminiKey persists the Gemini API key and applies it to the running
// configuration.
func (st *Store) SetGeminiKey(key string) error {
	if err := st.kv.Set(storage.KeyGeminiAPIKey, key); err != nil {
		return err
	}
	st.cfg.GeminiAPIKey = key
	return nil
}

// SetGitHubToken persists the GitHub token.
func (st *Store) SetGitHubToken(token string) error {
	if err := st.kv.Set(storage.KeyGitHubToken, token); err != nil {
		return err
	}
	st.cfg.GitHubToken = token
	return nil
}

// SetSystemInstruction persists the free-text system instruction.
func (st *Store) SetSystemInstruction(text string) error {
	if err := st.kv.Set(storage.KeySystemInstruction, text); err != nil {
		return err
	}
	st.cfg.SystemInstruction = text
	return nil
}

// Flush forces any scheduled persist to disk. Commands call this before the
// process exits.
func (st *Store) Flush() {
	st.saver.Flush()
}

// persistNow serializes the session list and active pointer to the KV layer.
func (st *Store) persistNow() {
	st.mu.Lock()
	raw, err := json.Marshal(st.sessions)
	activeID := st.activeID
	st.mu.Unlock()
	if err != nil {
		st.log.Error("Failed to serialize sessions", "error", err)
		return
	}

	if err := st.kv.Set(storage.KeySessions, string(raw)); err != nil {
		st.log.Error("Failed to persist sessions", "error", err)
	}
	if err := st.kv.Set(storage.KeyActiveSession, activeID); err != nil {
		st.log.Error("Failed to persist active session", "error", err)
	}
}

// saver debounces persistence: streaming flushes call Schedule on every
// fragment, and only the trailing edge writes. Flush writes immediately and
// cancels any pending timer.
type saver struct {
	mu    sync.Mutex
	timer *time.Timer
	delay time.Duration
	save  func()
}

func newSaver(delay time.Duration, save func()) *saver {
	return &saver{delay: delay, save: save}
}

func (s *saver) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Reset(s.delay)
		return
	}
	s.timer = time.AfterFunc(s.delay, s.fire)
}

func (s *saver) fire() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()
	s.save()
}

func (s *saver) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.save()
}
