package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkType_Known(t *testing.T) {
	known := []ChunkType{
		ChunkTextDelta, ChunkSystemProgress, ChunkToolCallRequest,
		ChunkToolResultEmission, ChunkFinalResponse, ChunkError,
		ChunkMetadataUpdate, ChunkWorkflowUpdate, ChunkAgencyUpdate,
	}
	for _, ct := range known {
		assert.Truef(t, ct.Known(), "%s should be known", ct)
	}
	assert.Len(t, knownChunkTypes, 9)
	assert.False(t, ChunkType("future_kind").Known())
}

func TestNewChunkHelpers(t *testing.T) {
	text := NewTextDeltaChunk("s1", "gmi-1", "p1", "hel")
	assert.Equal(t, ChunkTextDelta, text.Type)
	assert.Equal(t, "hel", text.TextContent())
	assert.False(t, text.IsFinal)
	assert.False(t, text.Timestamp.IsZero())

	final := NewFinalResponseChunk("s1", "gmi-1", "p1", FinalResponse{Text: "hello"})
	assert.True(t, final.IsFinal)
	assert.Equal(t, "hello", final.TextContent())

	errChunk := NewErrorChunk("s1", "gmi-1", "p1", CodeEngine, "boom")
	assert.True(t, errChunk.IsFinal)
	assert.Equal(t, "", errChunk.TextContent())
	assert.EqualError(t, ErrorFromChunk(errChunk), "engine: boom")
}

func TestNewAgencyUpdateChunk_CopiesSeats(t *testing.T) {
	seats := []SeatSnapshot{{RoleID: "writer", Metadata: map[string]any{"k": "v"}}}
	c := NewAgencyUpdateChunk("s1", "", "", AgencyUpdate{AgencyID: "a1", Seats: seats})

	seats[0].RoleID = "mutated"
	seats[0].Metadata["k"] = "mutated"

	assert.Equal(t, "writer", c.Agency.Seats[0].RoleID)
	assert.Equal(t, "v", c.Agency.Seats[0].Metadata["k"])
}

func TestNewMetadataChunk_CopiesMap(t *testing.T) {
	updates := map[string]any{"a": 1}
	c := NewMetadataChunk("s1", "", "", updates)
	updates["a"] = 2
	assert.Equal(t, 1, c.Metadata.Updates["a"])
}

func TestInput_CloneIsDeep(t *testing.T) {
	temp := 0.3
	in := Input{
		SessionID:   "s1",
		UserAPIKeys: map[string]string{"openai.apiKey": "k"},
		AgencyRequest: &AgencyRequest{
			AgencyID: "a1",
			Seats:    []Seat{{RoleID: "r1"}},
		},
		Options: &RequestOptions{Temperature: &temp},
	}
	out := in.Clone()
	out.UserAPIKeys["openai.apiKey"] = "other"
	out.AgencyRequest.Seats[0].RoleID = "other"
	*out.Options.Temperature = 0.9

	assert.Equal(t, "k", in.UserAPIKeys["openai.apiKey"])
	assert.Equal(t, "r1", in.AgencyRequest.Seats[0].RoleID)
	assert.Equal(t, 0.3, *in.Options.Temperature)
}

func TestInput_StreamKey(t *testing.T) {
	assert.Equal(t, "s1", Input{SessionID: "s1", ConversationID: "c1"}.StreamKey())
	assert.Equal(t, "c1", Input{ConversationID: "c1"}.StreamKey())
}
