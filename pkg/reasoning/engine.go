package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ragkit/sage/pkg/config"
	"github.com/ragkit/sage/pkg/llms"
	"github.com/ragkit/sage/pkg/protocol"
	"github.com/ragkit/sage/pkg/tools"
)

// duplicateObservation is fed back to the model when it repeats the exact
// same action.
const duplicateObservation = "Duplicate action detected; please answer based on prior observations."

// answerNudge is appended to the user turn after a duplicate action so the
// next completion finalises.
const answerNudge = "You must now provide the final answer based on the observations above, starting with \"Answer:\"."

// fallbackAnswer is streamed when the loop terminates without the model
// producing an Answer region.
const fallbackAnswer = "I was unable to reach a final answer within the reasoning budget. Please try rephrasing your question."

var actionPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*\((.*)\)\s*$`)

// EmitFunc delivers one semantic event. Returning an error aborts the
// engine; the bus returns one when the consumer has cancelled.
type EmitFunc func(event protocol.Event) error

// Result is the finalised outcome of one reasoning run.
type Result struct {
	Answer       string
	Thoughts     []string
	Actions      []string
	Observations []string
	Documents    []protocol.DocumentRef

	// BudgetExceeded is set when the loop hit max iterations without an
	// answer and the fallback text was streamed instead.
	BudgetExceeded bool
}

// Engine runs the reasoning loop against a streaming chat backend and a
// tool registry. It knows nothing about HTTP; all output goes through the
// emit callback.
type Engine struct {
	provider llms.Provider
	registry *tools.Registry
	pipeline config.PipelineConfig
	logger   *slog.Logger
}

// NewEngine wires an engine.
func NewEngine(provider llms.Provider, registry *tools.Registry, pipeline config.PipelineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{provider: provider, registry: registry, pipeline: pipeline, logger: logger}
}

// Run executes up to MaxIterations model completions, dispatching tool
// calls between them. inv carries the caller's permission level and
// collects citations; emit receives every event including token-level
// answer chunks.
func (e *Engine) Run(
	ctx context.Context,
	systemPrompt string,
	history []llms.Message,
	question string,
	inv *tools.Invocation,
	emit EmitFunc,
) (*Result, error) {
	result := &Result{}
	var answer strings.Builder
	var scratchpad strings.Builder
	var emitErr error

	lastAction := ""
	duplicates := 0
	nudge := false

	maxIterations := e.pipeline.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 5
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		messages := e.buildMessages(systemPrompt, history, question, scratchpad.String(), nudge)

		parser := NewStreamParser(ParserCallbacks{
			OnThought: func(content string) {
				result.Thoughts = append(result.Thoughts, content)
				if err := emit(protocol.Event{Kind: protocol.EventThought, Content: content}); err != nil {
					emitErr = err
				}
			},
			OnAction: func(content string) {
				result.Actions = append(result.Actions, content)
				if err := emit(protocol.Event{Kind: protocol.EventAction, Content: content}); err != nil {
					emitErr = err
				}
			},
			OnAnswerChunk: func(chunk string) {
				answer.WriteString(chunk)
				if err := emit(protocol.Event{Kind: protocol.EventAnswerChunk, Content: chunk}); err != nil {
					emitErr = err
				}
			},
		})

		if err := e.streamCompletion(ctx, messages, parser, &emitErr); err != nil {
			return nil, err
		}
		if emitErr != nil {
			return nil, emitErr
		}

		if parser.AnswerStarted() {
			result.Answer = answer.String()
			e.finishDocuments(inv, result, emit)
			return result, nil
		}

		actionLine := ""
		if parser.ActionSeen() && len(result.Actions) > 0 {
			actionLine = result.Actions[len(result.Actions)-1]
		}
		if actionLine == "" {
			// Stream ended without an action or an answer; re-prompting
			// with the same context would spin, so finalise now.
			break
		}

		var observation string
		if actionLine == lastAction {
			duplicates++
			if duplicates >= 2 {
				e.logger.Warn("repeated duplicate action, terminating", "action", actionLine)
				break
			}
			observation = duplicateObservation
			nudge = true
		} else {
			duplicates = 0
			lastAction = actionLine
			observation = e.dispatch(ctx, actionLine, inv)
		}

		observation = truncateObservation(observation, e.pipeline.ObservationLimit)
		result.Observations = append(result.Observations, observation)
		if err := emit(protocol.Event{Kind: protocol.EventObservation, Content: observation}); err != nil {
			return nil, err
		}

		fmt.Fprintf(&scratchpad, "%s %s\n%s %s\n", tagAction, actionLine, tagObservation, observation)
	}

	// Out of budget, or the model stalled. Stream the best text we have.
	result.BudgetExceeded = true
	if err := emit(protocol.Event{
		Kind:    protocol.EventError,
		ErrKind: protocol.ErrKindIterationBudget,
		Content: fmt.Sprintf("reasoning did not converge within %d iterations", maxIterations),
	}); err != nil {
		return nil, err
	}
	if answer.Len() == 0 {
		answer.WriteString(fallbackAnswer)
		if err := emit(protocol.Event{Kind: protocol.EventAnswerChunk, Content: fallbackAnswer}); err != nil {
			return nil, err
		}
	}
	result.Answer = answer.String()
	e.finishDocuments(inv, result, emit)
	return result, nil
}

// streamCompletion runs one streaming completion through the parser,
// truncating the stream when the parser says stop.
func (e *Engine) streamCompletion(ctx context.Context, messages []llms.Message, parser *StreamParser, emitErr *error) error {
	iterCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := &llms.GenerateOptions{Stop: []string{tagObservation}}
	stream, err := e.provider.GenerateStreaming(iterCtx, messages, opts)
	if err != nil {
		return err
	}

	truncated := false
	for chunk := range stream {
		if chunk.Err != nil {
			if truncated {
				// Expected: we cancelled the completion ourselves.
				break
			}
			return chunk.Err
		}
		if truncated || *emitErr != nil {
			continue
		}
		if parser.Feed(chunk.Text) {
			e.logger.Debug("model emitted an observation, truncating completion")
			truncated = true
			cancel()
		}
	}
	parser.Finish()
	return nil
}

// dispatch parses `tool(arguments)` and invokes the registry. Malformed
// action lines become Error observations the model can correct from.
func (e *Engine) dispatch(ctx context.Context, actionLine string, inv *tools.Invocation) string {
	match := actionPattern.FindStringSubmatch(strings.TrimSpace(actionLine))
	if match == nil {
		return fmt.Sprintf("Error: could not parse action %q; expected tool_name(arguments)", actionLine)
	}
	name, rawArgs := match[1], match[2]
	return e.registry.Invoke(tools.WithInvocation(ctx, inv), name, rawArgs)
}

func (e *Engine) finishDocuments(inv *tools.Invocation, result *Result, emit EmitFunc) {
	if inv == nil {
		return
	}
	citations := inv.Citations()
	if len(citations) == 0 {
		return
	}
	result.Documents = citations
	// Best effort: the answer already streamed.
	_ = emit(protocol.Event{Kind: protocol.EventDocuments, Documents: citations})
}

// buildMessages assembles the completion prompt: system, history, the user
// turn, then the running scratchpad as an assistant prefix.
func (e *Engine) buildMessages(systemPrompt string, history []llms.Message, question, scratchpad string, nudge bool) []llms.Message {
	messages := make([]llms.Message, 0, len(history)+3)
	if systemPrompt != "" {
		messages = append(messages, llms.Message{Role: llms.RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, history...)

	user := question
	if nudge {
		user += "\n\n" + answerNudge
	}
	messages = append(messages, llms.Message{Role: llms.RoleUser, Content: user})

	if scratchpad != "" {
		messages = append(messages, llms.Message{Role: llms.RoleAssistant, Content: strings.TrimRight(scratchpad, "\n")})
	}
	return messages
}

// truncateObservation bounds tool output fed back into the prompt.
func truncateObservation(observation string, limit int) string {
	if limit <= 0 || len(observation) <= limit {
		return observation
	}
	cut := limit
	for cut > 0 && !isRuneStart(observation[cut]) {
		cut--
	}
	return observation[:cut] + "…"
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
