package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerimsiter/atrochat/pkg/chattypes"
)

func TestApply_ConcatenatesAnswerInArrivalOrder(t *testing.T) {
	a := New()
	a.Apply(chattypes.Fragment{Text: "Hel"})
	a.Apply(chattypes.Fragment{Text: "lo"})
	assert.Equal(t, "Hello", a.Content())
	assert.Equal(t, StateStreaming, a.State())
}

func TestApply_SeparatesThinkingFromAnswer(t *testing.T) {
	a := New()
	a.Apply(chattypes.Fragment{Thought: "  planning the answer \n\n checking files \n"})
	a.Apply(chattypes.Fragment{ToolCall: "googleSearch"})
	a.Apply(chattypes.Fragment{Text: "Sonuç"})

	assert.Equal(t, "Sonuç", a.Content())
	assert.Equal(t, []string{
		"planning the answer",
		"checking files",
		"Araç çağrısı: googleSearch",
	}, a.Steps())
}

func TestApply_GroundingShallowMergeLaterWins(t *testing.T) {
	a := New()
	a.Apply(chattypes.Fragment{Grounding: &chattypes.GroundingMetadata{
		WebSearchQueries: []string{"ilk sorgu"},
		GroundingChunks:  []chattypes.GroundingChunk{{Web: &chattypes.GroundingWeb{URI: "https://a"}}},
	}})
	a.Apply(chattypes.Fragment{Grounding: &chattypes.GroundingMetadata{
		WebSearchQueries: []string{"son sorgu"},
	}})

	res := a.Finalize()
	require.NotNil(t, res.Grounding)
	assert.Equal(t, []string{"son sorgu"}, res.Grounding.WebSearchQueries)
	// Fields absent from later fragments keep their earlier value.
	require.Len(t, res.Grounding.GroundingChunks, 1)
	assert.Equal(t, "https://a", res.Grounding.GroundingChunks[0].Web.URI)
}

func TestFinalize_IsIdempotent(t *testing.T) {
	a := New()
	a.Apply(chattypes.Fragment{Text: "tamam"})
	first := a.Finalize()

	// A cancel racing the final fragment must not re-open the result.
	second := a.Cancel()
	assert.Equal(t, first, second)
	assert.Equal(t, StateFinalizing, second.State)

	a.Apply(chattypes.Fragment{Text: " fazladan"})
	assert.Equal(t, "tamam", a.Content(), "fragments after finalize are dropped")
}

func TestConsume_NormalEndOfStream(t *testing.T) {
	events := make(chan chattypes.StreamEvent, 3)
	events <- chattypes.StreamEvent{Fragment: chattypes.Fragment{Text: "Merha"}}
	events <- chattypes.StreamEvent{Fragment: chattypes.Fragment{Text: "ba"}}
	close(events)

	var flushes int
	res := New().Consume(context.Background(), events, func(*Accumulator) { flushes++ })

	assert.Equal(t, StateFinalizing, res.State)
	assert.Equal(t, "Merhaba", res.Content)
	assert.NoError(t, res.Err)
	assert.Equal(t, 2, flushes)
}

func TestConsume_CancellationKeepsPartialContent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan chattypes.StreamEvent)

	a := New()
	done := make(chan Result, 1)
	go func() {
		done <- a.Consume(ctx, events, nil)
	}()

	events <- chattypes.StreamEvent{Fragment: chattypes.Fragment{Text: "Hel"}}
	events <- chattypes.StreamEvent{Fragment: chattypes.Fragment{Text: "lo"}}
	cancel()

	res := <-done
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, "Hello", res.Content)
	assert.NoError(t, res.Err)
}

func TestConsume_TransportErrorAfterCancelIsStillCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := make(chan chattypes.StreamEvent, 1)
	events <- chattypes.StreamEvent{Err: errors.New("context canceled")}
	close(events)

	a := New()
	a.Apply(chattypes.Fragment{Text: "yarım"})
	res := a.Consume(ctx, events, nil)

	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, "yarım", res.Content)
}

func TestConsume_StreamError(t *testing.T) {
	boom := errors.New("connection reset")
	events := make(chan chattypes.StreamEvent, 2)
	events <- chattypes.StreamEvent{Fragment: chattypes.Fragment{Text: "kısmi"}}
	events <- chattypes.StreamEvent{Err: boom}
	close(events)

	res := New().Consume(context.Background(), events, nil)
	assert.Equal(t, StateErrored, res.State)
	assert.ErrorIs(t, res.Err, boom)
	// The partial content is reported; the store replaces it with an error
	// message for errored streams.
	assert.Equal(t, "kısmi", res.Content)
}

func TestConsume_URLContextLatestWins(t *testing.T) {
	events := make(chan chattypes.StreamEvent, 2)
	events <- chattypes.StreamEvent{Fragment: chattypes.Fragment{URLContext: &chattypes.URLContextMetadata{
		URLMetadata: []chattypes.URLMetadata{{RetrievedURL: "https://eski", RetrievalStatus: "URL_RETRIEVAL_STATUS_SUCCESS"}},
	}}}
	events <- chattypes.StreamEvent{Fragment: chattypes.Fragment{URLContext: &chattypes.URLContextMetadata{
		URLMetadata: []chattypes.URLMetadata{{RetrievedURL: "https://yeni", RetrievalStatus: "URL_RETRIEVAL_STATUS_SUCCESS"}},
	}}}
	close(events)

	res := New().Consume(context.Background(), events, nil)
	require.NotNil(t, res.URLContext)
	require.Len(t, res.URLContext.URLMetadata, 1)
	assert.Equal(t, "https://yeni", res.URLContext.URLMetadata[0].RetrievedURL)
}
