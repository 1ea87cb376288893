package chattypes

import "context"

// GenerationBackend is the narrow interface to the language-model service.
// Implementations must make the stream safely abandonable: cancelling the
// context aborts the underlying transport and ends the event channel.
type GenerationBackend interface {
	// StreamGenerate issues a generation request and returns a channel of
	// incremental events. The channel is closed after the last event.
	StreamGenerate(ctx context.Context, history []Turn, parts []Part, opts GenerationOptions) (<-chan StreamEvent, error)

	// CountTokens returns the exact token count for text under the given
	// model. Best effort; callers fall back to the heuristic estimator.
	CountTokens(ctx context.Context, text string, model string) (int, error)

	// GenerateOnce performs a single non-streaming completion. Used for
	// side features such as title summarization.
	GenerateOnce(ctx context.Context, prompt string, model string) (string, error)
}

// RepoSnapshot is a full file set at one revision, already ignore-filtered
// and stripped of binary files by the source.
type RepoSnapshot struct {
	Files          []ProjectFile
	RevisionMarker string
}

// RepoDelta describes the changes between two revision markers.
type RepoDelta struct {
	RevisionMarker string
	Added          []ProjectFile
	Modified       []ProjectFile
	Removed        []string
	HasChanges     bool
}

// RepoSource is the narrow interface to the repository-fetching service.
type RepoSource interface {
	FetchAll(ctx context.Context, locator string) (*RepoSnapshot, error)
	FetchDelta(ctx context.Context, locator string, sinceMarker string) (*RepoDelta, error)
}
