package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kerimsiter/atrochat/internal/history"
	"github.com/kerimsiter/atrochat/internal/repo"
	"github.com/kerimsiter/atrochat/internal/tokens"
	"github.com/kerimsiter/atrochat/pkg/chattypes"
)

var (
	// ErrNoRepo is returned when a sync is attempted on a session without a
	// linked repository.
	ErrNoRepo = errors.New("session has no linked repository")
	// ErrEmptyConversation is returned when title summarization is attempted
	// before any exchange happened.
	ErrEmptyConversation = errors.New("conversation is empty")
)

// AttachFiles binds a project file set to the active session as injectable
// context. The context is marked stale so the next outgoing turn carries the
// full set; any pending delta is superseded by the fresh load.
func (st *Store) AttachFiles(files []chattypes.ProjectFile, sourceName, repoURL, revisionMarker string) {
	total := 0
	for _, f := range files {
		total += tokens.Estimate(f.Content)
	}

	st.withActive(func(s *chattypes.Session) {
		s.ProjectFiles = files
		s.ProjectTokenCount = total
		s.ProjectSource = sourceName
		s.ProjectRepoURL = repoURL
		s.RevisionMarker = revisionMarker
		s.ContextStale = true
		s.PendingUpdate = nil

		notice := fmt.Sprintf(
			"%d dosya (%s) analize eklendi (~%d token). İçerikleri bir sonraki mesajınızla birlikte gönderilecek.",
			len(files), sourceName, total,
		)
		history.Append(s, newMessage(chattypes.RoleSystem, notice))
	})
	st.saver.Flush()
}

// LoadRepo fetches a full repository snapshot and attaches it to the active
// session.
func (st *Store) LoadRepo(ctx context.Context, url string) error {
	snap, err := st.source.FetchAll(ctx, url)
	if err != nil {
		return fmt.Errorf("depo alınırken hata oluştu: %w", err)
	}
	st.AttachFiles(snap.Files, "GitHub", url, snap.RevisionMarker)
	st.log.Debug("Repository loaded", "url", url, "files", len(snap.Files), "revision", snap.RevisionMarker)
	return nil
}

// SyncRepo fetches the changes since the session's newest known revision and
// folds them in: the file set is updated immediately, while the delta
// coalesces into the pending update that the next outgoing turn will carry.
// The session's own revision marker does not advance here; it advances when
// a send consumes the pending update.
//
// Every outcome, including failure, is reported as a system notice in the
// conversation.
func (st *Store) SyncRepo(ctx context.Context) error {
	st.mu.Lock()
	sess := st.active()
	if sess.ProjectRepoURL == "" || sess.RevisionMarker == "" {
		st.mu.Unlock()
		return ErrNoRepo
	}
	url := sess.ProjectRepoURL
	base := sess.RevisionMarker
	if sess.PendingUpdate != nil && sess.PendingUpdate.RevisionMarker != "" {
		base = sess.PendingUpdate.RevisionMarker
	}
	st.mu.Unlock()

	delta, err := st.source.FetchDelta(ctx, url, base)
	if err != nil {
		st.withActive(func(s *chattypes.Session) {
			history.Append(s, newMessage(chattypes.RoleSystem, "Depo senkronize edilirken hata oluştu: "+err.Error()))
		})
		st.saver.Flush()
		return err
	}

	if !delta.HasChanges {
		st.withActive(func(s *chattypes.Session) {
			history.Append(s, newMessage(chattypes.RoleSystem, "Proje zaten güncel. Değişiklik bulunamadı."))
		})
		st.saver.Flush()
		return nil
	}

	st.withActive(func(s *chattypes.Session) {
		stats := repo.DiffLineStats(s.ProjectFiles, delta.Modified)
		oldTokens := s.ProjectTokenCount

		s.ProjectFiles = repo.MergeFiles(s.ProjectFiles, delta)
		recountProject(s)
		s.PendingUpdate = repo.CoalescePending(s.PendingUpdate, delta)

		diff := s.ProjectTokenCount - oldTokens
		sign := ""
		if diff >= 0 {
			sign = "+"
		}
		notice := fmt.Sprintf(
			"Proje güncellendi: %s. Bağlam güncellendi (%s%d token, +%d/-%d satır).",
			changeSummary(delta), sign, diff, stats.Added, stats.Removed,
		)
		history.Append(s, newMessage(chattypes.RoleSystem, notice))
	})

	st.log.Debug("Repository synced", "url", url, "base", base, "revision", delta.RevisionMarker)
	st.saver.Flush()
	return nil
}

func changeSummary(delta *chattypes.RepoDelta) string {
	var parts []string
	if n := len(delta.Added); n > 0 {
		parts = append(parts, fmt.Sprintf("%d dosya eklendi", n))
	}
	if n := len(delta.Modified); n > 0 {
		parts = append(parts, fmt.Sprintf("%d dosya değiştirildi", n))
	}
	if n := len(delta.Removed); n > 0 {
		parts = append(parts, fmt.Sprintf("%d dosya silindi", n))
	}
	return strings.Join(parts, ", ")
}

// SummarizeTitle asks the backend for a short title for the active session's
// conversation and applies it.
func (st *Store) SummarizeTitle(ctx context.Context) (string, error) {
	st.mu.Lock()
	sess := st.active()
	var b strings.Builder
	seen := 0
	for i := range sess.Messages {
		m := &sess.Messages[i]
		if m.Role == chattypes.RoleSystem || m.Content == "" {
			continue
		}
		label := "Kullanıcı"
		if m.Role == chattypes.RoleModel {
			label = "Asistan"
		}
		b.WriteString(label + ": " + m.Content + "\n")
		if seen++; seen >= 4 {
			break
		}
	}
	model := st.cfg.Model
	st.mu.Unlock()

	if b.Len() == 0 {
		return "", ErrEmptyConversation
	}

	prompt := "Aşağıdaki konuşma için en fazla beş kelimelik kısa bir başlık üret. Yalnızca başlığı yaz:\n\n" + b.String()
	title, err := st.backend.GenerateOnce(ctx, prompt, model)
	if err != nil {
		return "", err
	}
	title = strings.Trim(strings.TrimSpace(title), `"'`)
	if title == "" {
		return "", ErrEmptyConversation
	}

	st.withActive(func(s *chattypes.Session) { s.Title = title })
	st.saver.Flush()
	return title, nil
}
