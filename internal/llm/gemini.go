// Package llm implements the generation backend on the Google Gemini API.
// The client translates between the wire-neutral chattypes request/fragment
// model and the genai SDK, so nothing above this package imports the SDK.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/kerimsiter/atrochat/internal/logger"
	"github.com/kerimsiter/atrochat/pkg/chattypes"
)

// ErrMissingAPIKey is returned before any network call when no credential is
// configured.
var ErrMissingAPIKey = errors.New("gemini API key not configured")

// GeminiBackend implements chattypes.GenerationBackend with lazy client
// initialization: the genai client is created on the first request.
type GeminiBackend struct {
	apiKey string
	client *genai.Client
}

// NewGeminiBackend creates a backend for the given API key.
func NewGeminiBackend(apiKey string) *GeminiBackend {
	return &GeminiBackend{apiKey: apiKey}
}

// IsConfigured reports whether a credential is present.
func (b *GeminiBackend) IsConfigured() bool { return b.apiKey != "" }

func (b *GeminiBackend) ensureClient(ctx context.Context) error {
	if b.client != nil {
		return nil
	}
	if b.apiKey == "" {
		return ErrMissingAPIKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  b.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("failed to create Gemini client: %w", err)
	}
	logger.Debug("Gemini client initialized")
	b.client = client
	return nil
}

// StreamGenerate issues a streaming generation request. Fragments are
// delivered on the returned channel in arrival order; the channel closes
// after the final event. Cancelling ctx aborts the underlying transport.
func (b *GeminiBackend) StreamGenerate(ctx context.Context, history []chattypes.Turn, parts []chattypes.Part, opts chattypes.GenerationOptions) (<-chan chattypes.StreamEvent, error) {
	if err := b.ensureClient(ctx); err != nil {
		return nil, err
	}

	contents := convertHistory(history)
	contents = append(contents, &genai.Content{
		Role:  genai.RoleUser,
		Parts: convertParts(parts),
	})
	cfg := buildConfig(opts)

	events := make(chan chattypes.StreamEvent)
	go func() {
		defer close(events)
		for resp, err := range b.client.Models.GenerateContentStream(ctx, opts.Model, contents, cfg) {
			if err != nil {
				logger.Debug("Gemini stream ended with error", "error", err)
				select {
				case events <- chattypes.StreamEvent{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			fragment := extractFragment(resp)
			select {
			case events <- chattypes.StreamEvent{Fragment: fragment}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// CountTokens asks the API for the exact token count of text.
func (b *GeminiBackend) CountTokens(ctx context.Context, text string, model string) (int, error) {
	if err := b.ensureClient(ctx); err != nil {
		return 0, err
	}
	resp, err := b.client.Models.CountTokens(ctx, model, genai.Text(text), nil)
	if err != nil {
		return 0, fmt.Errorf("countTokens failed: %w", err)
	}
	return int(resp.TotalTokens), nil
}

// GenerateOnce performs a single non-streaming completion.
func (b *GeminiBackend) GenerateOnce(ctx context.Context, prompt string, model string) (string, error) {
	if err := b.ensureClient(ctx); err != nil {
		return "", err
	}
	resp, err := b.client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}
	return resp.Text(), nil
}

// IsAuthError reports whether err looks like a rejected or missing
// credential rather than a transient failure.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMissingAPIKey) {
		return true
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 400 || apiErr.Code == 401 || apiErr.Code == 403 {
			return true
		}
	}
	return strings.Contains(err.Error(), "API key")
}

func buildConfig(opts chattypes.GenerationOptions) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		ThinkingConfig: &genai.ThinkingConfig{IncludeThoughts: true},
	}
	if opts.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(opts.SystemInstruction, genai.RoleUser)
	}
	if opts.UseURLTool {
		cfg.Tools = append(cfg.Tools, &genai.Tool{URLContext: &genai.URLContext{}})
	}
	if opts.UseSearchTool {
		cfg.Tools = append(cfg.Tools, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
	}
	return cfg
}

func convertHistory(history []chattypes.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		role := genai.RoleUser
		if turn.Role == chattypes.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{Role: role, Parts: convertParts(turn.Parts)})
	}
	return contents
}

func convertParts(parts []chattypes.Part) []*genai.Part {
	out := make([]*genai.Part, 0, len(parts))
	for _, p := range parts {
		if len(p.Data) > 0 {
			out = append(out, &genai.Part{InlineData: &genai.Blob{MIMEType: p.MimeType, Data: p.Data}})
			continue
		}
		out = append(out, &genai.Part{Text: p.Text})
	}
	return out
}

// extractFragment flattens one stream chunk into a fragment: answer text,
// thought text, tool markers, and any metadata on the first candidate.
func extractFragment(resp *genai.GenerateContentResponse) chattypes.Fragment {
	var fragment chattypes.Fragment
	if len(resp.Candidates) == 0 {
		return fragment
	}
	candidate := resp.Candidates[0]

	if candidate.Content != nil {
		var answer, thought strings.Builder
		for _, part := range candidate.Content.Parts {
			if part.FunctionCall != nil {
				fragment.ToolCall = part.FunctionCall.Name
			}
			if part.Text == "" {
				continue
			}
			if part.Thought {
				thought.WriteString(part.Text)
			} else {
				answer.WriteString(part.Text)
			}
		}
		fragment.Text = answer.String()
		fragment.Thought = thought.String()
	}

	fragment.Grounding = convertGrounding(candidate.GroundingMetadata)
	fragment.URLContext = convertURLContext(candidate.URLContextMetadata)
	return fragment
}

func convertGrounding(in *genai.GroundingMetadata) *chattypes.GroundingMetadata {
	if in == nil {
		return nil
	}
	out := &chattypes.GroundingMetadata{WebSearchQueries: in.WebSearchQueries}
	for _, chunk := range in.GroundingChunks {
		converted := chattypes.GroundingChunk{}
		if chunk.Web != nil {
			converted.Web = &chattypes.GroundingWeb{URI: chunk.Web.URI, Title: chunk.Web.Title}
		}
		out.GroundingChunks = append(out.GroundingChunks, converted)
	}
	for _, support := range in.GroundingSupports {
		converted := chattypes.GroundingSupport{}
		if support.Segment != nil {
			converted.Segment = &chattypes.GroundingSegment{
				StartIndex: int(support.Segment.StartIndex),
				EndIndex:   int(support.Segment.EndIndex),
			}
		}
		for _, idx := range support.GroundingChunkIndices {
			converted.GroundingChunkIndices = append(converted.GroundingChunkIndices, int(idx))
		}
		out.GroundingSupports = append(out.GroundingSupports, converted)
	}
	return out
}

func convertURLContext(in *genai.URLContextMetadata) *chattypes.URLContextMetadata {
	if in == nil {
		return nil
	}
	out := &chattypes.URLContextMetadata{}
	for _, meta := range in.URLMetadata {
		out.URLMetadata = append(out.URLMetadata, chattypes.URLMetadata{
			RetrievedURL:    meta.RetrievedURL,
			RetrievalStatus: string(meta.URLRetrievalStatus),
		})
	}
	return out
}
