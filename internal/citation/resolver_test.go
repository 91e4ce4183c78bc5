package citation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleout-go/internal/model"
)

var testRefs = []model.Reference{
	{Title: "Meloxicam dosing in dogs", Journal: "JVIM", Source: "jvim.pdf", Year: "2020"},
	{Title: "NSAIDs review", Journal: "Unknown", Source: "nsaid-review.pdf", Year: "2018"},
	{Title: "Untitled"},
	{Title: "Long", Journal: "Journal of Veterinary Internal Medicine"},
}

func TestResolve_ScenarioBadge(t *testing.T) {
	refs := testRefs[:1]
	segs := Resolve("Meloxicam dosing is 0.1mg/kg. {{citation:0}}", refs, false)

	require.Len(t, segs, 2)
	assert.Equal(t, Segment{Kind: KindText, Text: "Meloxicam dosing is 0.1mg/kg. "}, segs[0])
	assert.Equal(t, Segment{Kind: KindCitation, Indices: []int{0}, Label: "JVIM"}, segs[1])
}

func TestResolve_PlainTextIsIdempotent(t *testing.T) {
	texts := []string{
		"",
		"no markers here",
		"braces { } and {{ }} but no citation",
		"Meloxicam dosing is 0.1mg/kg.",
	}
	for _, text := range texts {
		segs := Resolve(text, testRefs, false)
		assert.Equal(t, text, PlainText(segs))
		for _, s := range segs {
			assert.Equal(t, KindText, s.Kind)
		}
	}
}

func TestResolve_SingleBraceStaysLiteral(t *testing.T) {
	segs := Resolve("See {citation:0} for details", testRefs, false)
	assert.Equal(t, []Segment{{Kind: KindText, Text: "See {citation:0} for details"}}, segs)
}

func TestResolve_MalformedVariantsStayLiteral(t *testing.T) {
	for _, text := range []string{
		"{{citation:}}",
		"{{citation:a}}",
		"{{citation: 1}}",
		"{{citation:1,}}",
		"{{Citation:1}}",
	} {
		segs := Resolve(text, testRefs, false)
		assert.Equal(t, []Segment{{Kind: KindText, Text: text}}, segs, text)
	}
}

func TestResolve_IndexValidity(t *testing.T) {
	text := "a {{citation:0,7,1,0}} b {{citation:3,99}} c {{citation:42}}"
	segs := Resolve(text, testRefs, false)

	for _, s := range segs {
		if s.Kind != KindCitation {
			continue
		}
		require.NotEmpty(t, s.Indices)
		for _, idx := range s.Indices {
			assert.GreaterOrEqual(t, idx, 0)
			assert.Less(t, idx, len(testRefs))
		}
	}

	require.Len(t, segs, 5)
	assert.Equal(t, []int{0, 1}, segs[1].Indices)
	assert.Equal(t, "JVIM + 1", segs[1].Label)
	assert.Equal(t, []int{3}, segs[3].Indices)
	// 全部无效的标记不渲染
	assert.Equal(t, " c ", segs[4].Text)
}

func TestResolve_AllInvalidRendersNothing(t *testing.T) {
	segs := Resolve("answer {{citation:5}}", testRefs[:1], false)
	assert.Equal(t, []Segment{{Kind: KindText, Text: "answer "}}, segs)

	segs = Resolve("{{citation:0}}", nil, false)
	assert.Empty(t, segs)
}

func TestInvalidMarkers(t *testing.T) {
	got := InvalidMarkers("a {{citation:0}} b {{citation:5,6}} {citation:9}", 2)
	assert.Equal(t, []string{"{{citation:5,6}}"}, got)
	assert.Empty(t, InvalidMarkers("plain", 0))
}

func TestResolve_StreamingHoldsBackPartialMarker(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"dose is 0.1mg/kg {", "dose is 0.1mg/kg "},
		{"dose is 0.1mg/kg {{", "dose is 0.1mg/kg "},
		{"dose is 0.1mg/kg {{cit", "dose is 0.1mg/kg "},
		{"dose is 0.1mg/kg {{citation:", "dose is 0.1mg/kg "},
		{"dose is 0.1mg/kg {{citation:1,", "dose is 0.1mg/kg "},
		{"dose is 0.1mg/kg {{citation:1}", "dose is 0.1mg/kg "},
		{"dose {x}", "dose {x}"},
		{"dose {citation:0}", "dose {citation:0}"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			segs := Resolve(tt.text, testRefs, true)
			assert.Equal(t, tt.want, PlainText(segs))
		})
	}
}

func TestResolve_StreamingCompleteMarker(t *testing.T) {
	segs := Resolve("dose {{citation:0}}", testRefs, true)
	require.Len(t, segs, 2)
	assert.Equal(t, KindCitation, segs[1].Kind)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "JVIM", Label(testRefs, []int{0}))
	assert.Equal(t, "nsaid-review.pdf", Label(testRefs, []int{1}))
	assert.Equal(t, "Reference", Label(testRefs, []int{2}))
	assert.Equal(t, "Journal of Veterinar... + 2", Label(testRefs, []int{3, 0, 1}))
	assert.Equal(t, "", Label(testRefs, nil))
}

func TestFormatForCopy(t *testing.T) {
	got := FormatForCopy("Dose is 0.1mg/kg {{citation:0,1}}. Also {{citation:9}}done.", testRefs[:2])
	want := "Dose is 0.1mg/kg [1,2]. Also done.\n\n" +
		"References:\n" +
		"1. Meloxicam dosing in dogs\n   jvim.pdf\n   2020\n\n" +
		"2. NSAIDs review\n   nsaid-review.pdf\n   2018"
	assert.Equal(t, want, got)
}

func TestFormatForCopy_NoReferences(t *testing.T) {
	assert.Equal(t, "plain answer", FormatForCopy("plain answer", nil))
}
