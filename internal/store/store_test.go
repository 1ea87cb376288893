package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerimsiter/atrochat/internal/config"
	"github.com/kerimsiter/atrochat/internal/storage"
	"github.com/kerimsiter/atrochat/internal/tokens"
	"github.com/kerimsiter/atrochat/pkg/chattypes"
)

// fakeBackend plays a scripted event stream and records what was sent.
type fakeBackend struct {
	mu        sync.Mutex
	script    []chattypes.StreamEvent
	block     bool // hold the stream open after the script until cancelled
	streamErr error
	onceText  string
	lastTurns []chattypes.Turn
	lastParts []chattypes.Part
}

func (f *fakeBackend) StreamGenerate(ctx context.Context, turns []chattypes.Turn, parts []chattypes.Part, _ chattypes.GenerationOptions) (<-chan chattypes.StreamEvent, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	f.mu.Lock()
	f.lastTurns = turns
	f.lastParts = parts
	f.mu.Unlock()

	events := make(chan chattypes.StreamEvent)
	go func() {
		defer close(events)
		for _, ev := range f.script {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if f.block {
			<-ctx.Done()
		}
	}()
	return events, nil
}

func (f *fakeBackend) CountTokens(context.Context, string, string) (int, error) {
	return 0, errors.New("not scripted")
}

func (f *fakeBackend) GenerateOnce(context.Context, string, string) (string, error) {
	return f.onceText, nil
}

func (f *fakeBackend) sentTurns() []chattypes.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTurns
}

// fakeSource serves one canned snapshot and delta.
type fakeSource struct {
	snap     *chattypes.RepoSnapshot
	delta    *chattypes.RepoDelta
	deltaErr error
}

func (f *fakeSource) FetchAll(context.Context, string) (*chattypes.RepoSnapshot, error) {
	return f.snap, nil
}

func (f *fakeSource) FetchDelta(context.Context, string, string) (*chattypes.RepoDelta, error) {
	return f.delta, f.deltaErr
}

func textEvent(text string) chattypes.StreamEvent {
	return chattypes.StreamEvent{Fragment: chattypes.Fragment{Text: text}}
}

func newTestStore(t *testing.T, backend *fakeBackend, source *fakeSource) *Store {
	t.Helper()
	cfg := &config.Config{GeminiAPIKey: "test-anahtar", Model: "gemini-2.5-pro"}
	st, err := New(storage.NewMemoryKV(), cfg, backend, source)
	require.NoError(t, err)
	return st
}

// requireInvariant checks that the stored history counter matches the sum of
// estimates over the non-system messages.
func requireInvariant(t *testing.T, s chattypes.Session) {
	t.Helper()
	want := 0
	for i := range s.Messages {
		if s.Messages[i].Role == chattypes.RoleSystem {
			continue
		}
		want += tokens.Estimate(s.Messages[i].APIText())
	}
	require.Equal(t, want, s.HistoryTokenCount)
}

func TestSend_StreamsResponseAndBills(t *testing.T) {
	backend := &fakeBackend{script: []chattypes.StreamEvent{textEvent("Merha"), textEvent("ba!")}}
	st := newTestStore(t, backend, &fakeSource{})

	receipt, err := st.Send(context.Background(), "Selam, nasılsın?", nil, SendOptions{})
	require.NoError(t, err)
	<-receipt.Done

	s := st.Active()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, chattypes.RoleUser, s.Messages[0].Role)
	assert.Equal(t, "Selam, nasılsın?", s.Messages[0].Content)
	assert.Equal(t, chattypes.RoleModel, s.Messages[1].Role)
	assert.Equal(t, "Merhaba!", s.Messages[1].Content)
	assert.False(t, s.Messages[1].IsThinking)

	wantBilled := tokens.Estimate("Selam, nasılsın?") + tokens.Estimate("Merhaba!")
	assert.Equal(t, wantBilled, s.BilledTokenCount)
	assert.Greater(t, s.Cost, 0.0)
	requireInvariant(t, s)
}

func TestSend_FirstExchangeNamesSession(t *testing.T) {
	backend := &fakeBackend{script: []chattypes.StreamEvent{textEvent("Tabii.")}}
	st := newTestStore(t, backend, &fakeSource{})

	receipt, err := st.Send(context.Background(), "Go dilinde goroutine nedir, kısaca anlatır mısın?", nil, SendOptions{})
	require.NoError(t, err)
	<-receipt.Done

	s := st.Active()
	assert.NotEqual(t, DefaultTitle, s.Title)
	assert.True(t, strings.HasSuffix(s.Title, "..."))
	assert.LessOrEqual(t, len([]rune(s.Title)), 33)
}

func TestSend_MissingKeyProducesModelError(t *testing.T) {
	backend := &fakeBackend{}
	st := newTestStore(t, backend, &fakeSource{})
	st.cfg.GeminiAPIKey = ""

	receipt, err := st.Send(context.Background(), "merhaba", nil, SendOptions{})
	require.NoError(t, err)
	<-receipt.Done

	s := st.Active()
	require.Len(t, s.Messages, 1)
	assert.Equal(t, chattypes.RoleModel, s.Messages[0].Role)
	assert.Equal(t, msgMissingKey, s.Messages[0].Content)
}

func TestSend_BusySessionRejected(t *testing.T) {
	backend := &fakeBackend{block: true}
	st := newTestStore(t, backend, &fakeSource{})

	receipt, err := st.Send(context.Background(), "ilk", nil, SendOptions{})
	require.NoError(t, err)

	_, err = st.Send(context.Background(), "ikinci", nil, SendOptions{})
	assert.ErrorIs(t, err, ErrSessionBusy)

	require.True(t, st.Cancel())
	<-receipt.Done
}

func TestCancel_KeepsPartialContent(t *testing.T) {
	backend := &fakeBackend{script: []chattypes.StreamEvent{textEvent("Kısmi yanıt")}, block: true}
	st := newTestStore(t, backend, &fakeSource{})

	streamed := make(chan string, 1)
	receipt, err := st.Send(context.Background(), "uzun bir soru", nil, SendOptions{
		OnDelta: func(text string) { streamed <- text },
	})
	require.NoError(t, err)

	assert.Equal(t, "Kısmi yanıt", <-streamed)
	require.True(t, st.Cancel())
	<-receipt.Done

	s := st.Active()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "Kısmi yanıt", s.Messages[1].Content)
	assert.False(t, s.Messages[1].IsThinking)
	// The partial output was generated and is billed.
	assert.Equal(t, tokens.Estimate("uzun bir soru")+tokens.Estimate("Kısmi yanıt"), s.BilledTokenCount)
	requireInvariant(t, s)

	assert.False(t, st.Busy(s.ID), "handle is released after cancel settles")
}

func TestSend_StreamErrorReplacesContent(t *testing.T) {
	backend := &fakeBackend{script: []chattypes.StreamEvent{
		textEvent("yarıda "),
		{Err: errors.New("boom")},
	}}
	st := newTestStore(t, backend, &fakeSource{})

	receipt, err := st.Send(context.Background(), "soru", nil, SendOptions{})
	require.NoError(t, err)
	<-receipt.Done

	s := st.Active()
	assert.Equal(t, "Bir hata oluştu: boom", s.Messages[1].Content)
	requireInvariant(t, s)
}

func TestSend_AuthErrorUsesKeyMessage(t *testing.T) {
	backend := &fakeBackend{script: []chattypes.StreamEvent{
		{Err: errors.New("API key not valid")},
	}}
	st := newTestStore(t, backend, &fakeSource{})

	receipt, err := st.Send(context.Background(), "soru", nil, SendOptions{})
	require.NoError(t, err)
	<-receipt.Done

	assert.Equal(t, msgInvalidKey, st.Active().Messages[1].Content)
}

func TestSend_ThinkingTraceAccumulates(t *testing.T) {
	backend := &fakeBackend{script: []chattypes.StreamEvent{
		{Fragment: chattypes.Fragment{Thought: "Önce soruyu anla.\nSonra yanıtla."}},
		textEvent("Yanıt."),
	}}
	st := newTestStore(t, backend, &fakeSource{})

	receipt, err := st.Send(context.Background(), "soru", nil, SendOptions{})
	require.NoError(t, err)
	<-receipt.Done

	s := st.Active()
	assert.Equal(t, []string{"Önce soruyu anla.", "Sonra yanıtla."}, s.Messages[1].ThinkingSteps)
	assert.Equal(t, "Yanıt.", s.Messages[1].Content)
}

func TestAttachFilesThenSend_ConsumesFullContext(t *testing.T) {
	backend := &fakeBackend{script: []chattypes.StreamEvent{textEvent("İncelendim.")}}
	st := newTestStore(t, backend, &fakeSource{})

	files := []chattypes.ProjectFile{{Path: "main.go", Content: "package main"}}
	st.AttachFiles(files, "GitHub", "https://github.com/o/r", "sha1")

	s := st.Active()
	assert.True(t, s.ContextStale)
	assert.Equal(t, "sha1", s.RevisionMarker)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, chattypes.RoleSystem, s.Messages[0].Role)
	assert.Contains(t, s.Messages[0].Content, "1 dosya (GitHub) analize eklendi")

	receipt, err := st.Send(context.Background(), "bu proje ne yapıyor?", nil, SendOptions{})
	require.NoError(t, err)
	<-receipt.Done

	s = st.Active()
	assert.False(t, s.ContextStale, "full-context send consumes the stale flag")
	userMsg := s.Messages[1]
	assert.Equal(t, "bu proje ne yapıyor?", userMsg.Content)
	assert.Contains(t, userMsg.APIContent, "--- DOSYA: main.go ---")
	requireInvariant(t, s)
}

func TestSyncRepoThenSend_DeltaLifecycle(t *testing.T) {
	backend := &fakeBackend{script: []chattypes.StreamEvent{textEvent("Tamam.")}}
	source := &fakeSource{delta: &chattypes.RepoDelta{
		RevisionMarker: "sha2",
		Added:          []chattypes.ProjectFile{{Path: "yeni.go", Content: "package yeni"}},
		Modified:       []chattypes.ProjectFile{{Path: "main.go", Content: "package main\n\nfunc main() {}\n"}},
		HasChanges:     true,
	}}
	st := newTestStore(t, backend, source)

	st.AttachFiles([]chattypes.ProjectFile{{Path: "main.go", Content: "package main\n"}}, "GitHub", "https://github.com/o/r", "sha1")

	// Consume the initial full context so the sync lands on a fresh slate.
	receipt, err := st.Send(context.Background(), "projeyi tanı", nil, SendOptions{})
	require.NoError(t, err)
	<-receipt.Done

	require.NoError(t, st.SyncRepo(context.Background()))

	s := st.Active()
	assert.Equal(t, "sha1", s.RevisionMarker, "sync must not advance the session marker")
	require.NotNil(t, s.PendingUpdate)
	assert.Equal(t, "sha2", s.PendingUpdate.RevisionMarker)
	assert.Len(t, s.ProjectFiles, 2, "file set is updated immediately")

	last := s.Messages[len(s.Messages)-1]
	assert.Equal(t, chattypes.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "Proje güncellendi: 1 dosya eklendi, 1 dosya değiştirildi")

	// The next send carries the delta and consumes it.
	backend.script = []chattypes.StreamEvent{textEvent("Gördüm.")}
	receipt, err = st.Send(context.Background(), "değişiklikler ne?", nil, SendOptions{})
	require.NoError(t, err)
	<-receipt.Done

	s = st.Active()
	assert.Nil(t, s.PendingUpdate)
	assert.Equal(t, "sha2", s.RevisionMarker, "marker advances when the delta is consumed")
	userMsg := s.Messages[len(s.Messages)-2]
	assert.Contains(t, userMsg.APIContent, "PROJE BAĞLAMI GÜNCELLEMESİ")
	requireInvariant(t, s)
}

func TestSyncRepo_NoChanges(t *testing.T) {
	backend := &fakeBackend{}
	source := &fakeSource{delta: &chattypes.RepoDelta{RevisionMarker: "sha1", HasChanges: false}}
	st := newTestStore(t, backend, source)
	st.AttachFiles([]chattypes.ProjectFile{{Path: "a.go", Content: "a"}}, "GitHub", "https://github.com/o/r", "sha1")

	require.NoError(t, st.SyncRepo(context.Background()))

	s := st.Active()
	last := s.Messages[len(s.Messages)-1]
	assert.Equal(t, "Proje zaten güncel. Değişiklik bulunamadı.", last.Content)
	assert.Nil(t, s.PendingUpdate)
}

func TestSyncRepo_ErrorBecomesNotice(t *testing.T) {
	backend := &fakeBackend{}
	source := &fakeSource{deltaErr: errors.New("bağlantı kesildi")}
	st := newTestStore(t, backend, source)
	st.AttachFiles([]chattypes.ProjectFile{{Path: "a.go", Content: "a"}}, "GitHub", "https://github.com/o/r", "sha1")

	err := st.SyncRepo(context.Background())
	require.Error(t, err)

	last := st.Active().Messages[len(st.Active().Messages)-1]
	assert.Equal(t, chattypes.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "Depo senkronize edilirken hata oluştu: bağlantı kesildi")
}

func TestSyncRepo_WithoutRepo(t *testing.T) {
	st := newTestStore(t, &fakeBackend{}, &fakeSource{})
	assert.ErrorIs(t, st.SyncRepo(context.Background()), ErrNoRepo)
}

func TestDeleteMessage_RemovesPair(t *testing.T) {
	backend := &fakeBackend{script: []chattypes.StreamEvent{textEvent("Yanıt.")}}
	st := newTestStore(t, backend, &fakeSource{})

	receipt, err := st.Send(context.Background(), "silinecek soru", nil, SendOptions{})
	require.NoError(t, err)
	<-receipt.Done

	s := st.Active()
	require.Len(t, s.Messages, 2)
	require.NoError(t, st.DeleteMessage(s.Messages[0].ID))

	s = st.Active()
	assert.Empty(t, s.Messages)
	assert.Zero(t, s.HistoryTokenCount)
}

func TestEditMessage_TruncatesAndResends(t *testing.T) {
	backend := &fakeBackend{script: []chattypes.StreamEvent{textEvent("İlk yanıt.")}}
	st := newTestStore(t, backend, &fakeSource{})

	att := chattypes.Attachment{Name: "not.txt", MimeType: "text/plain", Data: "orijinal ek"}
	receipt, err := st.Send(context.Background(), "ilk soru", []chattypes.Attachment{att}, SendOptions{})
	require.NoError(t, err)
	<-receipt.Done

	firstUserID := st.Active().Messages[0].ID
	backend.script = []chattypes.StreamEvent{textEvent("Yeni yanıt.")}

	receipt, err = st.EditMessage(context.Background(), firstUserID, "düzeltilmiş soru", SendOptions{})
	require.NoError(t, err)
	<-receipt.Done

	s := st.Active()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "düzeltilmiş soru", s.Messages[0].Content)
	assert.Equal(t, []chattypes.Attachment{att}, s.Messages[0].Attachments, "edit keeps the original attachments")
	assert.Equal(t, "Yeni yanıt.", s.Messages[1].Content)
	assert.Contains(t, s.Messages[0].APIContent, "--- EKLENEN DOSYA: not.txt ---")
	requireInvariant(t, s)
}

func TestHistoryTravelsToBackend(t *testing.T) {
	backend := &fakeBackend{script: []chattypes.StreamEvent{textEvent("Bir.")}}
	st := newTestStore(t, backend, &fakeSource{})

	receipt, err := st.Send(context.Background(), "birinci", nil, SendOptions{})
	require.NoError(t, err)
	<-receipt.Done

	backend.script = []chattypes.StreamEvent{textEvent("İki.")}
	receipt, err = st.Send(context.Background(), "ikinci", nil, SendOptions{})
	require.NoError(t, err)
	<-receipt.Done

	turns := backend.sentTurns()
	require.Len(t, turns, 2, "the new turn travels as parts, not history")
	assert.Equal(t, chattypes.RoleUser, turns[0].Role)
	assert.Equal(t, "birinci", turns[0].Parts[0].Text)
	assert.Equal(t, chattypes.RoleModel, turns[1].Role)
	assert.Equal(t, "Bir.", turns[1].Parts[0].Text)
}

func TestSessionLifecycle(t *testing.T) {
	st := newTestStore(t, &fakeBackend{}, &fakeSource{})

	first := st.ActiveID()
	second := st.NewSession()
	assert.Equal(t, second.ID, st.ActiveID())
	assert.Len(t, st.Sessions(), 2)

	require.NoError(t, st.SelectSession(first))
	assert.Equal(t, first, st.ActiveID())

	require.NoError(t, st.DeleteSession(first))
	assert.Equal(t, second.ID, st.ActiveID())

	// Deleting the last session never leaves the store empty.
	require.NoError(t, st.DeleteSession(second.ID))
	sessions := st.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, DefaultTitle, sessions[0].Title)
	assert.NotEqual(t, second.ID, sessions[0].ID)

	assert.ErrorIs(t, st.SelectSession("yok"), ErrSessionNotFound)
}

func TestHydrate_LegacyTokenCountMigrates(t *testing.T) {
	kv := storage.NewMemoryKV()
	require.NoError(t, kv.Set(storage.KeySessions,
		`[{"id":"s1","title":"Eski oturum","messages":[{"id":"m1","role":"user","content":"merhaba dünya","timestamp":"2024-01-01T00:00:00Z"}],"createdAt":"2024-01-01T00:00:00Z","tokenCount":1234}]`))
	require.NoError(t, kv.Set(storage.KeyActiveSession, "s1"))

	cfg := &config.Config{GeminiAPIKey: "k", Model: "gemini-2.5-pro"}
	st, err := New(kv, cfg, &fakeBackend{}, &fakeSource{})
	require.NoError(t, err)

	s := st.Active()
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, 1234, s.BilledTokenCount)
	assert.Zero(t, s.LegacyTokenCount)
	requireInvariant(t, s)
}

func TestHydrate_CorruptStateStartsFresh(t *testing.T) {
	kv := storage.NewMemoryKV()
	require.NoError(t, kv.Set(storage.KeySessions, "{bozuk json"))

	cfg := &config.Config{GeminiAPIKey: "k", Model: "gemini-2.5-pro"}
	st, err := New(kv, cfg, &fakeBackend{}, &fakeSource{})
	require.NoError(t, err)

	sessions := st.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, DefaultTitle, sessions[0].Title)
	assert.Empty(t, sessions[0].Messages)
}

func TestPersistence_RoundTrips(t *testing.T) {
	kv := storage.NewMemoryKV()
	cfg := &config.Config{GeminiAPIKey: "k", Model: "gemini-2.5-pro"}
	backend := &fakeBackend{script: []chattypes.StreamEvent{textEvent("Kalıcı yanıt.")}}

	st, err := New(kv, cfg, backend, &fakeSource{})
	require.NoError(t, err)

	receipt, err := st.Send(context.Background(), "kalıcı mı?", nil, SendOptions{})
	require.NoError(t, err)
	<-receipt.Done

	// A second store over the same KV sees the settled state.
	st2, err := New(kv, &config.Config{GeminiAPIKey: "k", Model: "gemini-2.5-pro"}, &fakeBackend{}, &fakeSource{})
	require.NoError(t, err)

	s := st2.Active()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "Kalıcı yanıt.", s.Messages[1].Content)
	assert.Equal(t, st.ActiveID(), st2.ActiveID())
	requireInvariant(t, s)
}

func TestSummarizeTitle(t *testing.T) {
	backend := &fakeBackend{script: []chattypes.StreamEvent{textEvent("Goroutine'ler hafif iş parçacıklarıdır.")}, onceText: `"Goroutine Temelleri"` + "\n"}
	st := newTestStore(t, backend, &fakeSource{})

	_, err := st.SummarizeTitle(context.Background())
	assert.ErrorIs(t, err, ErrEmptyConversation)

	receipt, err := st.Send(context.Background(), "goroutine nedir?", nil, SendOptions{})
	require.NoError(t, err)
	<-receipt.Done

	title, err := st.SummarizeTitle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Goroutine Temelleri", title)
	assert.Equal(t, "Goroutine Temelleri", st.Active().Title)
}

func TestSaverDebounce(t *testing.T) {
	var mu sync.Mutex
	saves := 0
	s := newSaver(20*time.Millisecond, func() {
		mu.Lock()
		saves++
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		s.Schedule()
	}
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, saves, "rapid schedules coalesce into one save")
	mu.Unlock()

	s.Flush()
	mu.Lock()
	assert.Equal(t, 2, saves)
	mu.Unlock()
}
