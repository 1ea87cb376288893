package merge

import (
	"strings"

	"github.com/kerimsiter/atrochat/pkg/chattypes"
)

// Rule identifies which payload construction rule fired for a turn.
type Rule int

const (
	// RulePlain sends the raw text unchanged.
	RulePlain Rule = iota
	// RuleReference injects the files named by @path references.
	RuleReference
	// RuleFullContext injects the whole project file set.
	RuleFullContext
	// RuleDelta injects the pending context update.
	RuleDelta
)

func (r Rule) String() string {
	switch r {
	case RuleReference:
		return "reference"
	case RuleFullContext:
		return "full-context"
	case RuleDelta:
		return "delta"
	default:
		return "plain"
	}
}

// Request carries everything the merge engine needs for one turn. The
// engine itself mutates nothing; the caller consumes ContextStale or the
// pending update according to the rule that fired.
type Request struct {
	Text         string
	Files        []chattypes.ProjectFile
	Pending      *chattypes.PendingContextUpdate
	ContextStale bool
	Attachments  []chattypes.Attachment
}

// Payload is the constructed outgoing message.
type Payload struct {
	Rule       Rule
	APIContent string
	Images     []chattypes.Attachment
}

// Build computes the API content for a new user turn, applying the rules in
// strict priority order: reference beats full-context beats delta beats
// plain. Non-image attachments are appended to the text as labeled blocks;
// image attachments are returned separately for inline binary transport.
func Build(req Request) Payload {
	payload := Payload{Rule: RulePlain, APIContent: req.Text}

	if refs, stripped, ok := ParseRefs(req.Text, filePaths(req.Files)); ok {
		payload.Rule = RuleReference
		payload.APIContent = referencePayload(req.Files, refs, stripped)
	} else if req.ContextStale && len(req.Files) > 0 {
		payload.Rule = RuleFullContext
		payload.APIContent = fullContextPayload(req.Files, req.Text)
	} else if !req.Pending.IsEmpty() {
		payload.Rule = RuleDelta
		payload.APIContent = deltaPayload(req.Pending, req.Text)
	}

	for _, att := range req.Attachments {
		if att.IsImage() {
			payload.Images = append(payload.Images, att)
			continue
		}
		payload.APIContent += "\n\n--- EKLENEN DOSYA: " + att.Name + " ---\n```\n" + att.Data + "\n```"
	}
	return payload
}

func filePaths(files []chattypes.ProjectFile) []string {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	return paths
}

func fileBlock(f chattypes.ProjectFile) string {
	return "--- DOSYA: " + f.Path + " ---\n```\n" + f.Content + "\n```"
}

func fileBlocks(files []chattypes.ProjectFile) string {
	blocks := make([]string, len(files))
	for i, f := range files {
		blocks[i] = fileBlock(f)
	}
	return strings.Join(blocks, "\n\n")
}

func referencePayload(files []chattypes.ProjectFile, refs []string, question string) string {
	wanted := make(map[string]bool, len(refs))
	for _, r := range refs {
		wanted[r] = true
	}
	var selected []chattypes.ProjectFile
	for _, f := range files {
		if wanted[f.Path] {
			selected = append(selected, f)
		}
	}

	var b strings.Builder
	b.WriteString("Aşağıdaki dosyalara dayanarak soruyu yanıtla:\n\n")
	b.WriteString(fileBlocks(selected))
	b.WriteString("\n\n--- SORU ---\n")
	b.WriteString(question)
	return b.String()
}

func fullContextPayload(files []chattypes.ProjectFile, question string) string {
	var b strings.Builder
	b.WriteString("Aşağıdaki proje dosyalarını analiz et. Bu dosyalardaki bilgilere dayanarak yanıt ver:\n\n")
	b.WriteString(fileBlocks(files))
	b.WriteString("\n\n--- SORU ---\n")
	b.WriteString(question)
	return b.String()
}

func deltaPayload(pending *chattypes.PendingContextUpdate, question string) string {
	var b strings.Builder
	b.WriteString("PROJE BAĞLAMI GÜNCELLEMESİ:\nMevcut proje bilgine ek olarak aşağıdaki değişiklikleri dikkate al.\n\n")
	if len(pending.Added) > 0 {
		b.WriteString("- EKLENEN DOSYALAR: " + strings.Join(filePaths(pending.Added), ", ") + "\n")
	}
	if len(pending.Modified) > 0 {
		b.WriteString("- DEĞİŞTİRİLEN DOSYALAR: " + strings.Join(filePaths(pending.Modified), ", ") + "\n")
	}
	if len(pending.Removed) > 0 {
		b.WriteString("- SİLİNEN DOSYALAR: " + strings.Join(pending.Removed, ", ") + "\n")
	}

	changed := append(append([]chattypes.ProjectFile{}, pending.Added...), pending.Modified...)
	if len(changed) > 0 {
		b.WriteString("\nİşte eklenen ve değiştirilen dosyaların YENİ içerikleri:\n\n")
		b.WriteString(fileBlocks(changed))
	}
	b.WriteString("\n\nBu güncellemelere dayanarak aşağıdaki soruma yanıt ver:\n--- SORU ---\n")
	b.WriteString(question)
	return b.String()
}
