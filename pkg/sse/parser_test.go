package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, p *Parser) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := p.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestParser_FullTaxonomy(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"status":"translating"}`,
		``,
		`data: {"status":"embedding"}`,
		`data: {"status":"searching"}`,
		`data: {"status":"generating"}`,
		`data: {"status":"streaming","chunk":"Melox"}`,
		`data: {"status":"references_ready","answer":"Meloxicam {{citation:0}}","references":[{"title":"Dosing","journal":"JVIM","year":"2020"}]}`,
		`data: {"status":"done","message":"ok","context_chunks":[{"chunk_id":"c1"}]}`,
		`data: {"status":"followup_ready","followup_questions":["What about cats?"]}`,
		`data: {"status":"out_of_scope","message":"nope"}`,
		`data: {"status":"error","message":"timeout"}`,
		``,
	}, "\n")

	events := collect(t, NewParser(strings.NewReader(stream)))
	require.Len(t, events, 10)

	assert.Equal(t, PhaseEvent{Phase: StatusTranslating}, events[0])
	assert.Equal(t, PhaseEvent{Phase: StatusGenerating}, events[3])
	assert.Equal(t, ChunkEvent{Chunk: "Melox"}, events[4])

	refs, ok := events[5].(ReferencesEvent)
	require.True(t, ok)
	assert.Equal(t, "Meloxicam {{citation:0}}", refs.Answer)
	require.Len(t, refs.References, 1)
	assert.Equal(t, "JVIM", refs.References[0].Journal)

	done, ok := events[6].(DoneEvent)
	require.True(t, ok)
	require.Len(t, done.ContextChunks, 1)
	assert.JSONEq(t, `{"chunk_id":"c1"}`, string(done.ContextChunks[0]))

	assert.Equal(t, FollowupsEvent{Questions: []string{"What about cats?"}}, events[7])
	assert.Equal(t, OutOfScopeEvent{Message: "nope"}, events[8])
	assert.Equal(t, ErrorEvent{Message: "timeout"}, events[9])
}

func TestParser_SkipsMalformedAndUnknown(t *testing.T) {
	stream := "data: {not json\n" +
		"data: {\"status\":\"thinking_harder\"}\n" +
		": keep-alive comment\n" +
		"event: message\n" +
		"data: {\"status\":\"streaming\",\"chunk\":\"ok\"}\n"

	events := collect(t, NewParser(strings.NewReader(stream)))
	assert.Equal(t, []Event{ChunkEvent{Chunk: "ok"}}, events)
}

func TestParser_FramingVariants(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		want   []Event
	}{
		{
			name:   "no space after colon",
			stream: "data:{\"status\":\"streaming\",\"chunk\":\"a\"}\n",
			want:   []Event{ChunkEvent{Chunk: "a"}},
		},
		{
			name:   "crlf line endings",
			stream: "data: {\"status\":\"streaming\",\"chunk\":\"a\"}\r\n\r\n",
			want:   []Event{ChunkEvent{Chunk: "a"}},
		},
		{
			name:   "last record without newline",
			stream: "data: {\"status\":\"streaming\",\"chunk\":\"a\"}\ndata: {\"status\":\"done\"}",
			want:   []Event{ChunkEvent{Chunk: "a"}, DoneEvent{}},
		},
		{
			name:   "chunk keeps its leading space",
			stream: "data: {\"status\":\"streaming\",\"chunk\":\" is 0.1mg/kg.\"}\n",
			want:   []Event{ChunkEvent{Chunk: " is 0.1mg/kg."}},
		},
		{
			name:   "empty stream",
			stream: "",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := collect(t, NewParser(strings.NewReader(tt.stream)))
			assert.Equal(t, tt.want, events)
		})
	}
}

func TestParser_RecordsSplitAcrossReads(t *testing.T) {
	stream := "data: {\"status\":\"streaming\",\"chunk\":\"Melox\"}\n" +
		"data: {\"status\":\"streaming\",\"chunk\":\"icam\"}\n"

	events := collect(t, NewParser(iotest.OneByteReader(strings.NewReader(stream))))
	assert.Equal(t, []Event{ChunkEvent{Chunk: "Melox"}, ChunkEvent{Chunk: "icam"}}, events)
}

func TestParser_LargeRecord(t *testing.T) {
	big := strings.Repeat("x", 200*1024)
	stream := "data: {\"status\":\"streaming\",\"chunk\":\"" + big + "\"}\n"

	events := collect(t, NewParser(strings.NewReader(stream)))
	require.Len(t, events, 1)
	assert.Len(t, events[0].(ChunkEvent).Chunk, len(big))
}

func TestParser_ReadErrorIsReturned(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(
		strings.NewReader("data: {\"status\":\"streaming\",\"chunk\":\"a\"}\n"),
		iotest.ErrReader(boom),
	)
	p := NewParser(r)

	ev, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, ChunkEvent{Chunk: "a"}, ev)

	_, err = p.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestParser_NotRestartable(t *testing.T) {
	p := NewParser(strings.NewReader("data: {\"status\":\"done\"}\n"))
	_ = collect(t, p)

	_, err := p.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecode_UnknownStatus(t *testing.T) {
	ev, err := Decode([]byte(`{"status":"brand_new"}`))
	assert.NoError(t, err)
	assert.Nil(t, ev)
}
