package reasoning

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type parserRecorder struct {
	thoughts []string
	actions  []string
	chunks   []string
}

func (r *parserRecorder) callbacks() ParserCallbacks {
	return ParserCallbacks{
		OnThought:     func(c string) { r.thoughts = append(r.thoughts, c) },
		OnAction:      func(c string) { r.actions = append(r.actions, c) },
		OnAnswerChunk: func(c string) { r.chunks = append(r.chunks, c) },
	}
}

// feedAll feeds tokens until the parser stops, then finishes.
func feedAll(p *StreamParser, tokens []string) bool {
	for _, tok := range tokens {
		if p.Feed(tok) {
			return true
		}
	}
	p.Finish()
	return false
}

func TestParserThoughtThenAction(t *testing.T) {
	rec := &parserRecorder{}
	p := NewStreamParser(rec.callbacks())

	stopped := feedAll(p, []string{"Thought", ": need", " docs\n", "Action: knowledge_search(\"foo\", 3)\n"})
	require.False(t, stopped)

	assert.Equal(t, []string{"need docs"}, rec.thoughts)
	assert.Equal(t, []string{`knowledge_search("foo", 3)`}, rec.actions)
	assert.Empty(t, rec.chunks)
	assert.True(t, p.ActionSeen())
	assert.False(t, p.AnswerStarted())
}

func TestParserActionWithoutTrailingNewline(t *testing.T) {
	rec := &parserRecorder{}
	p := NewStreamParser(rec.callbacks())

	feedAll(p, []string{"Action: web_search(\"x\")"})
	assert.Equal(t, []string{`web_search("x")`}, rec.actions)
}

func TestParserAnswerStreamsTokenByToken(t *testing.T) {
	rec := &parserRecorder{}
	p := NewStreamParser(rec.callbacks())

	tokens := []string{"Answer:", " F", " ", "O", " ", "O"}
	stopped := feedAll(p, tokens)
	require.False(t, stopped)

	assert.True(t, p.AnswerStarted())
	// Every post-tag token arrives as its own chunk.
	assert.Equal(t, []string{"F", " ", "O", " ", "O"}, rec.chunks)
	assert.Equal(t, "F O O", strings.Join(rec.chunks, ""))
}

func TestParserAnswerSplitAcrossTokens(t *testing.T) {
	rec := &parserRecorder{}
	p := NewStreamParser(rec.callbacks())

	feedAll(p, []string{"Ans", "wer", ": hello", " world"})
	assert.True(t, p.AnswerStarted())
	assert.Equal(t, "hello world", strings.Join(rec.chunks, ""))
}

func TestParserMultilineAnswer(t *testing.T) {
	rec := &parserRecorder{}
	p := NewStreamParser(rec.callbacks())

	feedAll(p, []string{"Answer: line one\n", "line two"})
	assert.Equal(t, "line one\nline two", strings.Join(rec.chunks, ""))
}

func TestParserFabricatedObservationStops(t *testing.T) {
	rec := &parserRecorder{}
	p := NewStreamParser(rec.callbacks())

	tokens := []string{
		"Thought: x\n",
		"Action: knowledge_search(\"y\")\n",
		"Observation: I already know the answer\n",
		"Answer: cheated",
	}
	stopped := feedAll(p, tokens)

	require.True(t, stopped)
	assert.Equal(t, []string{"x"}, rec.thoughts)
	assert.Equal(t, []string{`knowledge_search("y")`}, rec.actions)
	// The fabricated observation and everything after it are discarded.
	assert.Empty(t, rec.chunks)
	assert.False(t, p.AnswerStarted())
}

func TestParserFabricatedObservationMidLine(t *testing.T) {
	rec := &parserRecorder{}
	p := NewStreamParser(rec.callbacks())

	stopped := feedAll(p, []string{"Observ", "ation: fake"})
	assert.True(t, stopped)
}

func TestParserUntaggedOutputBecomesAnswer(t *testing.T) {
	rec := &parserRecorder{}
	p := NewStreamParser(rec.callbacks())

	feedAll(p, []string{"Hello there,", " how can I help?\n"})
	assert.True(t, p.AnswerStarted())
	assert.Equal(t, "Hello there, how can I help?", strings.Join(rec.chunks, ""))
}
