package chattypes

// This file contains the wire-neutral types exchanged with the generation
// backend: request turns and parts, streaming fragments, and the grounding
// metadata attached to grounded answers. The JSON field names follow the
// Gemini REST shapes so persisted sessions stay readable by the web client.

// Part is one piece of an outgoing turn: either text or inline binary data
// (an image attachment).
type Part struct {
	Text     string
	MimeType string
	Data     []byte
}

// TextPart builds a plain text part.
func TextPart(text string) Part { return Part{Text: text} }

// Turn is one entry of the conversation history sent to the backend.
type Turn struct {
	Role  Role
	Parts []Part
}

// GenerationOptions configures a single generation request.
type GenerationOptions struct {
	Model             string
	SystemInstruction string
	UseSearchTool     bool
	UseURLTool        bool
}

// Fragment is one incremental unit of a streaming response. A fragment
// carries zero or more of: visible answer text, reasoning text, the name of
// an invoked tool, and grounding / url-context metadata.
type Fragment struct {
	Text       string
	Thought    string
	ToolCall   string
	Grounding  *GroundingMetadata
	URLContext *URLContextMetadata
}

// StreamEvent is what the backend delivers on its event channel: a fragment
// or a terminal error. The channel is closed after the final event.
type StreamEvent struct {
	Fragment Fragment
	Err      error
}

// GroundingWeb identifies one web source backing a grounded answer.
type GroundingWeb struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// GroundingChunk is one retrieved source chunk.
type GroundingChunk struct {
	Web *GroundingWeb `json:"web,omitempty"`
}

// GroundingSegment locates the answer span a support entry refers to.
type GroundingSegment struct {
	StartIndex int `json:"startIndex,omitempty"`
	EndIndex   int `json:"endIndex,omitempty"`
}

// GroundingSupport ties an answer segment to the chunks that support it.
type GroundingSupport struct {
	Segment               *GroundingSegment `json:"segment,omitempty"`
	GroundingChunkIndices []int             `json:"groundingChunkIndices,omitempty"`
}

// GroundingMetadata carries the citation/search annotations of a grounded
// answer.
type GroundingMetadata struct {
	WebSearchQueries  []string           `json:"webSearchQueries,omitempty"`
	GroundingChunks   []GroundingChunk   `json:"groundingChunks,omitempty"`
	GroundingSupports []GroundingSupport `json:"groundingSupports,omitempty"`
}

// Merge shallow-merges in into g: every field present on in overwrites the
// same-named field on g, matching the spread-merge semantics of the stream
// protocol (later fragments win).
func (g *GroundingMetadata) Merge(in *GroundingMetadata) {
	if in == nil {
		return
	}
	if len(in.WebSearchQueries) > 0 {
		g.WebSearchQueries = in.WebSearchQueries
	}
	if len(in.GroundingChunks) > 0 {
		g.GroundingChunks = in.GroundingChunks
	}
	if len(in.GroundingSupports) > 0 {
		g.GroundingSupports = in.GroundingSupports
	}
}

// URLMetadata records the retrieval outcome for one analyzed URL.
type URLMetadata struct {
	RetrievedURL    string `json:"retrieved_url"`
	RetrievalStatus string `json:"url_retrieval_status"`
}

// URLContextMetadata carries the url-context tool results for an answer.
type URLContextMetadata struct {
	URLMetadata []URLMetadata `json:"url_metadata"`
}
