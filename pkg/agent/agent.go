package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ragkit/sage/pkg/cache"
	"github.com/ragkit/sage/pkg/config"
	"github.com/ragkit/sage/pkg/llms"
	"github.com/ragkit/sage/pkg/protocol"
	"github.com/ragkit/sage/pkg/reasoning"
	"github.com/ragkit/sage/pkg/store"
	"github.com/ragkit/sage/pkg/tools"
)

const systemPromptTemplate = `You are a helpful assistant with access to tools. Answer the user's question, using tools when they help.

Available tools:
%s
Respond using exactly this format, each tag at the start of its own line:

Thought: what you are thinking about doing next
Action: tool_name(arguments)
Observation: the tool result (provided by the system; never write this yourself)
... (Thought/Action/Observation may repeat)
Answer: your final answer to the user

If no tool is needed, go straight to Answer.`

// cacheChunkRunes is the chunk size used when replaying a cached answer.
const cacheChunkRunes = 3

// Request is one incoming chat message after HTTP parsing and file
// extraction.
type Request struct {
	Content      string
	UserID       string
	SessionID    string
	ShowThinking bool
	SkipCache    bool
	Admin        bool
	Location     string

	// Extracted attachment, if any.
	FileName string
	FileText string
	FileSize int64
	FileType string

	// RegenerateMessageID invalidates a prior assistant message before
	// the pipeline runs.
	RegenerateMessageID string
}

// EventWriter receives wire-ready events. A write error means the client
// is gone.
type EventWriter interface {
	Write(event protocol.Event) error
}

// MessageStore is the persistence surface the orchestrator needs;
// *store.Store satisfies it.
type MessageStore interface {
	CreateSession(ctx context.Context, uuid, userID string) (store.Session, error)
	TouchSession(ctx context.Context, uuid string) error
	RenameIfPlaceholder(ctx context.Context, uuid, name string) (bool, error)
	InsertMessage(ctx context.Context, msg store.Message) error
	GetMessage(ctx context.Context, uuid string) (store.Message, error)
	DeleteMessage(ctx context.Context, uuid string) error
	ListMessages(ctx context.Context, sessionID string) ([]store.Message, error)
}

// AnswerCache is the QA-cache surface; *cache.QACache satisfies it.
type AnswerCache interface {
	Lookup(ctx context.Context, question string) (*cache.Entry, float64, error)
	Upsert(ctx context.Context, entry cache.Entry) error
	Delete(ctx context.Context, thoughtChainID string) error
}

// Reasoner runs the reasoning loop; *reasoning.Engine satisfies it.
type Reasoner interface {
	Run(ctx context.Context, systemPrompt string, history []llms.Message, question string, inv *tools.Invocation, emit reasoning.EmitFunc) (*reasoning.Result, error)
}

// Agent orchestrates one chat request end to end.
type Agent struct {
	store      MessageStore
	history    *HistoryManager
	qaCache    AnswerCache
	reasoner   Reasoner
	summarizer *Summarizer
	namer      *Namer
	registry   *tools.Registry
	pipeline   config.PipelineConfig
	logger     *slog.Logger

	// CacheChunkDelay paces cached-answer replay; zero disables pacing.
	CacheChunkDelay time.Duration
}

// New wires an agent. qaCache and namer may be nil to disable caching and
// auto-naming.
func New(
	msgStore MessageStore,
	history *HistoryManager,
	qaCache AnswerCache,
	reasoner Reasoner,
	summarizer *Summarizer,
	namer *Namer,
	registry *tools.Registry,
	pipeline config.PipelineConfig,
	logger *slog.Logger,
) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		store:           msgStore,
		history:         history,
		qaCache:         qaCache,
		reasoner:        reasoner,
		summarizer:      summarizer,
		namer:           namer,
		registry:        registry,
		pipeline:        pipeline,
		logger:          logger,
		CacheChunkDelay: 20 * time.Millisecond,
	}
}

type workerOutcome struct {
	result *reasoning.Result
	err    error
}

// HandleMessage drives the full pipeline for one request and streams
// events into writer. It returns an error only for failures before the
// stream could produce a terminal event.
func (a *Agent) HandleMessage(ctx context.Context, req Request, writer EventWriter) error {
	logger := a.logger.With("user_id", req.UserID, "session_id", req.SessionID)

	// Session resolution.
	newSession := false
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
		newSession = true
		if _, err := a.store.CreateSession(ctx, req.SessionID, req.UserID); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		logger = a.logger.With("user_id", req.UserID, "session_id", req.SessionID)
		if err := writer.Write(protocol.Event{
			Kind:        protocol.EventSessionCreated,
			SessionID:   req.SessionID,
			SessionName: store.PlaceholderSessionName,
		}); err != nil {
			return nil
		}
	} else {
		if err := a.store.TouchSession(ctx, req.SessionID); err != nil {
			logger.Warn("failed to touch session", "error", err)
		}
	}

	if req.RegenerateMessageID != "" {
		a.invalidateMessage(ctx, req.RegenerateMessageID, logger)
	}

	// Persist the user turn.
	userMsg := store.Message{
		UUID:      uuid.NewString(),
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Role:      store.RoleUser,
		Content:   req.Content,
		CreatedAt: time.Now().UTC(),
		Extra:     store.Extra{Location: req.Location},
	}
	if req.FileName != "" {
		userMsg.Extra.File = &store.FileInfo{Name: req.FileName, Size: req.FileSize, Type: req.FileType}
	}
	if err := a.store.InsertMessage(ctx, userMsg); err != nil {
		return fmt.Errorf("failed to persist user message: %w", err)
	}
	if err := writer.Write(protocol.Event{
		Kind:      protocol.EventUserMessageSaved,
		MessageID: userMsg.UUID,
		Content:   req.Content,
	}); err != nil {
		return nil
	}

	// Cache probe.
	if !req.SkipCache && a.qaCache != nil && req.FileText == "" {
		entry, score, err := a.qaCache.Lookup(ctx, req.Content)
		if err != nil {
			logger.Warn("qa cache lookup failed", "error", err)
		} else if entry != nil {
			logger.Info("serving cached answer", "thought_chain_id", entry.ThoughtChainID, "score", score)
			return a.replayCached(ctx, req, entry, newSession, writer, logger)
		}
	}

	// History load and summarisation.
	history, err := a.history.Load(ctx, req.UserID, req.SessionID)
	if err != nil {
		logger.Warn("failed to load history, continuing without", "error", err)
		history = nil
	}
	if a.summarizer != nil {
		history = a.summarizer.MaybeSummarize(ctx, history)
	}

	systemPrompt := fmt.Sprintf(systemPromptTemplate, a.registry.Describe())
	userTurn := a.assembleUserTurn(req)

	// Spawn the reasoner on its own worker; the bus is the only handoff.
	runCtx, cancelRun := context.WithTimeout(ctx, a.requestTimeout())
	defer cancelRun()

	bus := NewBus(a.pipeline.BusCapacity)
	inv := tools.NewInvocation(req.Admin)
	outcomeCh := make(chan workerOutcome, 1)
	go func() {
		result, runErr := a.reasoner.Run(runCtx, systemPrompt, history, userTurn, inv, bus.Publish)
		if runErr != nil && !errors.Is(runErr, ErrCancelled) {
			_ = bus.Publish(protocol.Event{
				Kind:    protocol.EventError,
				ErrKind: protocol.ErrKindBackend,
				Content: runErr.Error(),
			})
		}
		bus.Close()
		outcomeCh <- workerOutcome{result: result, err: runErr}
	}()

	// Drain loop.
	clientGone := false
	sawError := false
	for {
		event, ok := bus.Consume(ctx)
		if !ok {
			break
		}
		if event.Kind == protocol.EventError {
			sawError = true
		}
		if clientGone || !a.shouldForward(event, req.ShowThinking) {
			continue
		}
		if err := writer.Write(event); err != nil {
			logger.Info("client disconnected, cancelling reasoner")
			clientGone = true
			bus.Cancel()
			cancelRun()
		}
	}
	outcome := <-outcomeCh

	if clientGone {
		// Keep the user turn visible on reload; nothing else persists.
		if err := a.history.Append(ctx, req.UserID, req.SessionID, llms.Message{Role: llms.RoleUser, Content: req.Content}); err != nil {
			logger.Warn("failed to update history after disconnect", "error", err)
		}
		return nil
	}

	if outcome.err != nil {
		logger.Error("reasoning failed", "error", outcome.err)
		_ = writer.Write(protocol.Event{Kind: protocol.EventDone, SessionID: req.SessionID})
		if err := a.history.Append(ctx, req.UserID, req.SessionID, llms.Message{Role: llms.RoleUser, Content: req.Content}); err != nil {
			logger.Warn("failed to update history", "error", err)
		}
		return nil
	}

	result := outcome.result

	// Persist the assistant turn.
	chainID := cache.ThoughtChainID(req.Content, result.Answer)
	aiMsg := store.Message{
		UUID:      uuid.NewString(),
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Role:      store.RoleAssistant,
		Content:   result.Answer,
		CreatedAt: time.Now().UTC(),
		Extra: store.Extra{
			Thoughts:       result.Thoughts,
			Actions:        result.Actions,
			Observations:   result.Observations,
			Documents:      result.Documents,
			ThoughtChainID: chainID,
		},
	}
	if err := a.store.InsertMessage(ctx, aiMsg); err != nil {
		logger.Error("failed to persist assistant message", "error", err)
		sawError = true
		_ = writer.Write(protocol.Event{
			Kind:    protocol.EventError,
			ErrKind: protocol.ErrKindPersistence,
			Content: "failed to persist assistant message",
		})
	} else {
		_ = writer.Write(protocol.Event{
			Kind:      protocol.EventAiMessageSaved,
			MessageID: aiMsg.UUID,
			Content:   result.Answer,
		})
	}

	// Cache write.
	if a.qaCache != nil && !sawError && !result.BudgetExceeded && result.Answer != "" && req.FileText == "" {
		entry := cache.Entry{
			ThoughtChainID: chainID,
			Question:       req.Content,
			Answer:         result.Answer,
			Citations:      result.Documents,
		}
		if err := a.qaCache.Upsert(ctx, entry); err != nil {
			logger.Warn("failed to write qa cache", "error", err)
		}
	}

	_ = writer.Write(protocol.Event{Kind: protocol.EventDone, SessionID: req.SessionID})

	// History update.
	if err := a.history.Append(ctx, req.UserID, req.SessionID,
		llms.Message{Role: llms.RoleUser, Content: req.Content},
		llms.Message{Role: llms.RoleAssistant, Content: result.Answer},
	); err != nil {
		logger.Warn("failed to update history", "error", err)
	}

	if newSession {
		a.scheduleAutoName(req.SessionID, req.Content, logger)
	}
	return nil
}

// replayCached streams a cached answer, paced to approximate typing.
func (a *Agent) replayCached(ctx context.Context, req Request, entry *cache.Entry, newSession bool, writer EventWriter, logger *slog.Logger) error {
	runes := []rune(entry.Answer)
	for start := 0; start < len(runes); start += cacheChunkRunes {
		end := start + cacheChunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		if err := writer.Write(protocol.Event{Kind: protocol.EventAnswerChunk, Content: string(runes[start:end])}); err != nil {
			return nil
		}
		if a.CacheChunkDelay > 0 {
			select {
			case <-time.After(a.CacheChunkDelay):
			case <-ctx.Done():
				return nil
			}
		}
	}
	if len(entry.Citations) > 0 {
		if err := writer.Write(protocol.Event{Kind: protocol.EventDocuments, Documents: entry.Citations}); err != nil {
			return nil
		}
	}

	aiMsg := store.Message{
		UUID:      uuid.NewString(),
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Role:      store.RoleAssistant,
		Content:   entry.Answer,
		CreatedAt: time.Now().UTC(),
		Extra: store.Extra{
			Documents:      entry.Citations,
			FromCache:      true,
			ThoughtChainID: entry.ThoughtChainID,
		},
	}
	if err := a.store.InsertMessage(ctx, aiMsg); err != nil {
		logger.Error("failed to persist cached assistant message", "error", err)
		_ = writer.Write(protocol.Event{
			Kind:    protocol.EventError,
			ErrKind: protocol.ErrKindPersistence,
			Content: "failed to persist assistant message",
		})
	} else {
		_ = writer.Write(protocol.Event{
			Kind:      protocol.EventAiMessageSaved,
			MessageID: aiMsg.UUID,
			Content:   entry.Answer,
		})
	}

	_ = writer.Write(protocol.Event{Kind: protocol.EventDone, SessionID: req.SessionID})

	if err := a.history.Append(ctx, req.UserID, req.SessionID,
		llms.Message{Role: llms.RoleUser, Content: req.Content},
		llms.Message{Role: llms.RoleAssistant, Content: entry.Answer},
	); err != nil {
		logger.Warn("failed to update history", "error", err)
	}
	if newSession {
		a.scheduleAutoName(req.SessionID, req.Content, logger)
	}
	return nil
}

// invalidateMessage removes a regenerated assistant message and, when it
// was cache-sourced, its QA-cache entry.
func (a *Agent) invalidateMessage(ctx context.Context, messageID string, logger *slog.Logger) {
	msg, err := a.store.GetMessage(ctx, messageID)
	if err != nil {
		logger.Warn("regenerate target not found", "message_id", messageID, "error", err)
		return
	}
	if msg.Role != store.RoleAssistant {
		logger.Warn("regenerate target is not an assistant message", "message_id", messageID)
		return
	}
	if a.qaCache != nil && msg.Extra.ThoughtChainID != "" {
		if err := a.qaCache.Delete(ctx, msg.Extra.ThoughtChainID); err != nil {
			logger.Warn("failed to invalidate qa cache entry", "thought_chain_id", msg.Extra.ThoughtChainID, "error", err)
		}
	}
	if err := a.store.DeleteMessage(ctx, messageID); err != nil {
		logger.Warn("failed to delete regenerated message", "message_id", messageID, "error", err)
	}
}

// shouldForward applies the show_thinking switch; intermediate reasoning
// events are produced and persisted either way, just not sent.
func (a *Agent) shouldForward(event protocol.Event, showThinking bool) bool {
	if showThinking {
		return true
	}
	switch event.Kind {
	case protocol.EventThought, protocol.EventAction, protocol.EventObservation:
		return false
	}
	return true
}

// assembleUserTurn inlines extracted attachment text and the location hint
// into the user turn.
func (a *Agent) assembleUserTurn(req Request) string {
	var b strings.Builder
	if req.FileText != "" {
		text := req.FileText
		if limit := a.pipeline.FileTextLimit; limit > 0 {
			if runes := []rune(text); len(runes) > limit {
				text = string(runes[:limit]) + "…"
			}
		}
		fmt.Fprintf(&b, "The user attached a file %q with the following content:\n%s\n\n", req.FileName, text)
	}
	b.WriteString(req.Content)
	if req.Location != "" {
		fmt.Fprintf(&b, "\n\n(User location: %s)", req.Location)
	}
	return b.String()
}

func (a *Agent) scheduleAutoName(sessionID, question string, logger *slog.Logger) {
	if a.namer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		name, err := a.namer.GenerateName(ctx, question)
		if err != nil {
			logger.Warn("auto-name failed", "error", err)
			return
		}
		renamed, err := a.store.RenameIfPlaceholder(ctx, sessionID, name)
		if err != nil {
			logger.Warn("failed to store session name", "error", err)
			return
		}
		if renamed {
			logger.Info("session auto-named", "name", name)
		}
	}()
}

func (a *Agent) requestTimeout() time.Duration {
	if a.pipeline.RequestTimeout > 0 {
		return time.Duration(a.pipeline.RequestTimeout) * time.Second
	}
	return 120 * time.Second
}
