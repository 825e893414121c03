package reasoning

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragkit/sage/pkg/config"
	"github.com/ragkit/sage/pkg/llms"
	"github.com/ragkit/sage/pkg/protocol"
	"github.com/ragkit/sage/pkg/tools"
)

// scriptedProvider replays one token sequence per completion call and
// records the messages each call received.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts [][]string
	prompts [][]llms.Message
}

func (p *scriptedProvider) Generate(context.Context, []llms.Message, *llms.GenerateOptions) (string, llms.Usage, error) {
	return "", llms.Usage{}, errors.New("not scripted")
}

func (p *scriptedProvider) GenerateStreaming(_ context.Context, messages []llms.Message, _ *llms.GenerateOptions) (<-chan llms.StreamChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.scripts) == 0 {
		return nil, errors.New("script exhausted")
	}
	tokens := p.scripts[0]
	p.scripts = p.scripts[1:]
	p.prompts = append(p.prompts, messages)

	ch := make(chan llms.StreamChunk, len(tokens))
	for _, tok := range tokens {
		ch <- llms.StreamChunk{Text: tok}
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) ModelName() string { return "scripted" }
func (p *scriptedProvider) Close() error      { return nil }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

type stubTool struct {
	name    string
	execute func(ctx context.Context, args tools.Arguments) (string, error)
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub" }
func (t *stubTool) Parameters() []tools.Parameter {
	return []tools.Parameter{{Name: "query", Type: tools.TypeString, Required: true}}
}
func (t *stubTool) Execute(ctx context.Context, args tools.Arguments) (string, error) {
	return t.execute(ctx, args)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []protocol.Event
	failOn protocol.EventKind
}

func (r *eventRecorder) emit(event protocol.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn != "" && event.Kind == r.failOn {
		return errors.New("consumer gone")
	}
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) kinds() []protocol.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]protocol.EventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (r *eventRecorder) joinedChunks() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, ev := range r.events {
		if ev.Kind == protocol.EventAnswerChunk {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

func (r *eventRecorder) firstOfKind(kind protocol.EventKind) (protocol.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return protocol.Event{}, false
}

func newTestEngine(t *testing.T, provider llms.Provider, tool tools.Tool, pipeline config.PipelineConfig) *Engine {
	t.Helper()
	reg := tools.NewRegistry(0, nil)
	if tool != nil {
		reg.Register(tool)
	}
	return NewEngine(provider, reg, pipeline, nil)
}

func TestEngineThoughtActionAnswer(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]string{
		{"Thought: need docs\n", "Action: knowledge_search(\"foo\")\n"},
		{"Answer:", " F", " O", " O"},
	}}
	tool := &stubTool{name: "knowledge_search", execute: func(ctx context.Context, args tools.Arguments) (string, error) {
		require.Equal(t, "foo", args.String("query", ""))
		if inv := tools.InvocationFrom(ctx); inv != nil {
			inv.AddCitations(protocol.DocumentRef{UUID: "d1", Name: "doc.pdf"})
		}
		return "docs about foo", nil
	}}
	rec := &eventRecorder{}
	engine := newTestEngine(t, provider, tool, config.PipelineConfig{MaxIterations: 5})

	inv := tools.NewInvocation(false)
	result, err := engine.Run(context.Background(), "sys", nil, "what is foo?", inv, rec.emit)
	require.NoError(t, err)

	assert.Equal(t, "F O O", result.Answer)
	assert.Equal(t, []string{"need docs"}, result.Thoughts)
	assert.Equal(t, []string{`knowledge_search("foo")`}, result.Actions)
	assert.Equal(t, []string{"docs about foo"}, result.Observations)
	require.Len(t, result.Documents, 1)
	assert.Equal(t, "d1", result.Documents[0].UUID)
	assert.False(t, result.BudgetExceeded)

	kinds := rec.kinds()
	require.GreaterOrEqual(t, len(kinds), 4)
	assert.Equal(t, protocol.EventThought, kinds[0])
	assert.Equal(t, protocol.EventAction, kinds[1])
	assert.Equal(t, protocol.EventObservation, kinds[2])
	assert.Equal(t, protocol.EventDocuments, kinds[len(kinds)-1])
	assert.Equal(t, "F O O", rec.joinedChunks())
}

func TestEngineScratchpadCarriesObservation(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]string{
		{"Action: knowledge_search(\"foo\")\n"},
		{"Answer: done"},
	}}
	tool := &stubTool{name: "knowledge_search", execute: func(context.Context, tools.Arguments) (string, error) {
		return "obs-text", nil
	}}
	rec := &eventRecorder{}
	engine := newTestEngine(t, provider, tool, config.PipelineConfig{MaxIterations: 5})

	_, err := engine.Run(context.Background(), "sys", nil, "q", tools.NewInvocation(false), rec.emit)
	require.NoError(t, err)

	require.Equal(t, 2, provider.callCount())
	second := provider.prompts[1]
	last := second[len(second)-1]
	assert.Equal(t, llms.RoleAssistant, last.Role)
	assert.Contains(t, last.Content, `Action: knowledge_search("foo")`)
	assert.Contains(t, last.Content, "Observation: obs-text")
}

func TestEngineFabricatedObservationTruncated(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]string{
		{
			"Thought: I can guess\n",
			"Action: knowledge_search(\"y\")\n",
			"Observation: I already know everything\n",
			"Answer: cheated",
		},
		{"Answer: honest answer"},
	}}
	tool := &stubTool{name: "knowledge_search", execute: func(context.Context, tools.Arguments) (string, error) {
		return "real observation", nil
	}}
	rec := &eventRecorder{}
	engine := newTestEngine(t, provider, tool, config.PipelineConfig{MaxIterations: 5})

	result, err := engine.Run(context.Background(), "sys", nil, "q", tools.NewInvocation(false), rec.emit)
	require.NoError(t, err)

	// The fabricated observation and the premature answer are discarded;
	// only the real tool output reaches the trace.
	assert.Equal(t, []string{"real observation"}, result.Observations)
	assert.Equal(t, "honest answer", result.Answer)
	assert.NotContains(t, rec.joinedChunks(), "cheated")

	obs, ok := rec.firstOfKind(protocol.EventObservation)
	require.True(t, ok)
	assert.Equal(t, "real observation", obs.Content)
}

func TestEngineDuplicateActionGuard(t *testing.T) {
	script := []string{"Action: web_search(\"x\")\n"}
	provider := &scriptedProvider{scripts: [][]string{script, script, script, script, script}}
	calls := 0
	tool := &stubTool{name: "web_search", execute: func(context.Context, tools.Arguments) (string, error) {
		calls++
		return "results", nil
	}}
	rec := &eventRecorder{}
	engine := newTestEngine(t, provider, tool, config.PipelineConfig{MaxIterations: 5})

	result, err := engine.Run(context.Background(), "sys", nil, "q", tools.NewInvocation(false), rec.emit)
	require.NoError(t, err)

	// First occurrence dispatches; the first repeat gets a synthetic
	// observation; the second repeat terminates the loop.
	assert.Equal(t, 1, calls)
	assert.LessOrEqual(t, provider.callCount(), 3)
	require.Len(t, result.Observations, 2)
	assert.Equal(t, "results", result.Observations[0])
	assert.Equal(t, duplicateObservation, result.Observations[1])

	// The nudge reaches the model after the first duplicate.
	third := provider.prompts[2]
	var userTurn string
	for _, msg := range third {
		if msg.Role == llms.RoleUser {
			userTurn = msg.Content
		}
	}
	assert.Contains(t, userTurn, answerNudge)

	// Terminating without an answer still streams one.
	assert.True(t, result.BudgetExceeded)
	assert.NotEmpty(t, rec.joinedChunks())
	errEvent, ok := rec.firstOfKind(protocol.EventError)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrKindIterationBudget, errEvent.ErrKind)
}

func TestEngineBudgetExceeded(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]string{
		{"Action: knowledge_search(\"a\")\n"},
		{"Action: knowledge_search(\"b\")\n"},
	}}
	tool := &stubTool{name: "knowledge_search", execute: func(context.Context, tools.Arguments) (string, error) {
		return "obs", nil
	}}
	rec := &eventRecorder{}
	engine := newTestEngine(t, provider, tool, config.PipelineConfig{MaxIterations: 2})

	result, err := engine.Run(context.Background(), "sys", nil, "q", tools.NewInvocation(false), rec.emit)
	require.NoError(t, err)

	assert.True(t, result.BudgetExceeded)
	assert.Equal(t, fallbackAnswer, result.Answer)
	assert.Equal(t, fallbackAnswer, rec.joinedChunks())

	errEvent, ok := rec.firstOfKind(protocol.EventError)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrKindIterationBudget, errEvent.ErrKind)
}

func TestEngineMalformedActionBecomesErrorObservation(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]string{
		{"Action: not a call!!\n"},
		{"Answer: recovered"},
	}}
	rec := &eventRecorder{}
	engine := newTestEngine(t, provider, nil, config.PipelineConfig{MaxIterations: 5})

	result, err := engine.Run(context.Background(), "sys", nil, "q", tools.NewInvocation(false), rec.emit)
	require.NoError(t, err)

	require.Len(t, result.Observations, 1)
	assert.Contains(t, result.Observations[0], "Error: could not parse action")
	assert.Equal(t, "recovered", result.Answer)
}

func TestEngineObservationTruncation(t *testing.T) {
	long := strings.Repeat("é", 200)
	provider := &scriptedProvider{scripts: [][]string{
		{"Action: knowledge_search(\"x\")\n"},
		{"Answer: ok"},
	}}
	tool := &stubTool{name: "knowledge_search", execute: func(context.Context, tools.Arguments) (string, error) {
		return long, nil
	}}
	rec := &eventRecorder{}
	engine := newTestEngine(t, provider, tool, config.PipelineConfig{MaxIterations: 5, ObservationLimit: 51})

	result, err := engine.Run(context.Background(), "sys", nil, "q", tools.NewInvocation(false), rec.emit)
	require.NoError(t, err)

	require.Len(t, result.Observations, 1)
	got := result.Observations[0]
	assert.True(t, strings.HasSuffix(got, "…"), "truncated observation must end with ellipsis")
	assert.LessOrEqual(t, len(got), 51+len("…"))
	assert.True(t, utf8.ValidString(got))
}

func TestEngineEmitErrorAbortsRun(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]string{
		{"Thought: t\n", "Action: knowledge_search(\"x\")\n"},
		{"Answer: never delivered"},
	}}
	tool := &stubTool{name: "knowledge_search", execute: func(context.Context, tools.Arguments) (string, error) {
		return "obs", nil
	}}
	rec := &eventRecorder{failOn: protocol.EventObservation}
	engine := newTestEngine(t, provider, tool, config.PipelineConfig{MaxIterations: 5})

	_, err := engine.Run(context.Background(), "sys", nil, "q", tools.NewInvocation(false), rec.emit)
	require.Error(t, err)
	assert.Equal(t, 1, provider.callCount())
}

func TestEngineStreamErrorPropagates(t *testing.T) {
	provider := &failingProvider{err: errors.New("backend down")}
	rec := &eventRecorder{}
	engine := newTestEngine(t, provider, nil, config.PipelineConfig{MaxIterations: 5})

	_, err := engine.Run(context.Background(), "sys", nil, "q", tools.NewInvocation(false), rec.emit)
	require.ErrorContains(t, err, "backend down")
}

type failingProvider struct{ err error }

func (p *failingProvider) Generate(context.Context, []llms.Message, *llms.GenerateOptions) (string, llms.Usage, error) {
	return "", llms.Usage{}, p.err
}

func (p *failingProvider) GenerateStreaming(context.Context, []llms.Message, *llms.GenerateOptions) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk, 1)
	ch <- llms.StreamChunk{Err: p.err}
	close(ch)
	return ch, nil
}

func (p *failingProvider) ModelName() string { return "failing" }
func (p *failingProvider) Close() error      { return nil }
