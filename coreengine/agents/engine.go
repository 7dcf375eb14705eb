package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/agentruntime/commbus"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/conversation"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/envelope"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/kernel"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("agentruntime/agents")

// =============================================================================
// CONFIG
// =============================================================================

// Default engine limits.
const (
	DefaultMaxToolRounds = 20000
	DefaultChatTimeout   = 120 * time.Second
)

// EngineConfig carries the turn engine's operational knobs.
type EngineConfig struct {
	// MaxToolRounds bounds tool dispatch rounds within a single turn.
	MaxToolRounds int
	// ChatTimeout bounds one reasoning call. Zero disables the timeout.
	ChatTimeout time.Duration
	// DefaultModel is used when the agent's role carries no model tag.
	// Empty selects the reasoning adapter's default service.
	DefaultModel string
	// Temperature and MaxTokens are forwarded to the service. Zero values
	// leave the service defaults in place.
	Temperature float32
	MaxTokens   int
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxToolRounds: DefaultMaxToolRounds,
		ChatTimeout:   DefaultChatTimeout,
	}
}

// =============================================================================
// TURN ENGINE
// =============================================================================

// TurnEngine runs one turn loop per live agent. Each loop parks on the
// agent's inbox, executes turns serially, and is the sole writer of the
// idle/processing/waiting_llm compute statuses. Cross-agent loops run
// concurrently.
//
// The engine implements kernel.LoopRunner; the kernel starts a loop for
// every agent it installs.
type TurnEngine struct {
	logger     Logger
	config     *EngineConfig
	bus        commbus.MessageBus
	kernel     *kernel.Kernel
	store      *conversation.Store
	compressor *conversation.Compressor
	reasoning  ReasoningClient
	tools      ToolDispatcher
	workspace  WorkspacePort

	// Loop generations guarantee at most one live loop per agent across
	// stop/restore cycles: a superseded loop observes a newer generation
	// and exits without touching the agent's status.
	mu   sync.Mutex
	gens map[string]uint64
}

// NewTurnEngine creates a turn engine. The compressor and dispatcher may be
// nil; compression and tool rounds are then disabled.
func NewTurnEngine(
	logger Logger,
	config *EngineConfig,
	bus commbus.MessageBus,
	kern *kernel.Kernel,
	store *conversation.Store,
	compressor *conversation.Compressor,
	reasoning ReasoningClient,
	tools ToolDispatcher,
) *TurnEngine {
	if logger == nil {
		logger = nopLogger{}
	}
	if config == nil {
		config = DefaultEngineConfig()
	}
	if config.MaxToolRounds <= 0 {
		config.MaxToolRounds = DefaultMaxToolRounds
	}
	return &TurnEngine{
		logger:     logger,
		config:     config,
		bus:        bus,
		kernel:     kern,
		store:      store,
		compressor: compressor,
		reasoning:  reasoning,
		tools:      tools,
		gens:       make(map[string]uint64),
	}
}

// AttachWorkspace wires the workspace port handed to tools.
func (e *TurnEngine) AttachWorkspace(ws WorkspacePort) {
	e.workspace = ws
}

// StartLoop launches the agent's turn loop goroutine.
func (e *TurnEngine) StartLoop(agent *kernel.Agent) {
	e.mu.Lock()
	e.gens[agent.ID]++
	gen := e.gens[agent.ID]
	e.mu.Unlock()

	l := &loop{
		engine: e,
		agent:  agent,
		gen:    gen,
		log:    e.logger.Bind("agent_id", agent.ID, "role", agent.RoleName),
	}
	go l.run()
}

func (e *TurnEngine) loopGen(agentID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gens[agentID]
}

func (e *TurnEngine) releaseGen(agentID string, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gens[agentID] == gen {
		delete(e.gens, agentID)
	}
}

var _ kernel.LoopRunner = (*TurnEngine)(nil)

// =============================================================================
// TURN LOOP
// =============================================================================

// turnStatus tags how a turn ended, for metrics and span status.
type turnStatus string

const (
	turnSuccess turnStatus = "success"
	turnAborted turnStatus = "aborted"
	turnError   turnStatus = "error"
	turnPanic   turnStatus = "panic"
	turnSkipped turnStatus = "skipped"
)

// turnOutcome is the tagged result of one turn.
type turnOutcome struct {
	status    turnStatus
	errorType string
	err       error
}

// loop is the per-agent state of one running turn loop.
type loop struct {
	engine *TurnEngine
	agent  *kernel.Agent
	gen    uint64
	log    Logger
}

func (l *loop) run() {
	l.log.Info("turn_loop_started")
	reg := l.engine.kernel.Registry()

	for {
		if l.engine.loopGen(l.agent.ID) != l.gen {
			// A restore started a fresh loop; this one is superseded.
			l.log.Debug("turn_loop_superseded")
			return
		}
		status, known := reg.ComputeStatusOf(l.agent.ID)
		if !known || status.ShouldExitLoop() {
			break
		}

		token := l.engine.kernel.Cancellations().TokenFor(l.agent.ID)
		env, err := l.engine.bus.AwaitNext(context.Background(), l.agent.ID, token)
		if err != nil {
			if commbus.IsAwaitCancelled(err) {
				// Re-check the exit condition; a plain abort keeps looping.
				continue
			}
			l.log.Debug("inbox_wait_ended", "error", err.Error())
			break
		}

		l.runTurn(env, token)
	}

	_ = reg.SetComputeStatus(l.agent.ID, kernel.ComputeStatusStopped)
	if !reg.Has(l.agent.ID) {
		l.engine.releaseGen(l.agent.ID, l.gen)
	}
	l.log.Info("turn_loop_exited")
}

// runTurn wraps one turn in a span, panic recovery, and status accounting.
func (l *loop) runTurn(inbound *envelope.Envelope, token *kernel.Token) {
	ctx, span := tracer.Start(context.Background(), "agent.turn",
		trace.WithAttributes(
			attribute.String("agent.id", l.agent.ID),
			attribute.String("agent.role", l.agent.RoleName),
			attribute.String("envelope.id", inbound.ID),
			attribute.String("task.id", inbound.TaskID),
		))
	defer span.End()

	startTime := time.Now()
	outcome := turnOutcome{status: turnSuccess}

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			outcome = turnOutcome{
				status:    turnPanic,
				errorType: ErrTypeProcessingFailed,
				err:       fmt.Errorf("turn panicked: %v", r),
			}
			l.log.Error("turn_panicked", "panic", fmt.Sprint(r), "stack", truncate(stack, 2048))
			l.emitError(inbound, ErrTypeProcessingFailed, outcome.err, map[string]any{
				"stack_summary": truncate(stack, 512),
			})
		}

		durationMS := int(time.Since(startTime).Milliseconds())
		span.SetAttributes(attribute.Int("duration_ms", durationMS))
		if outcome.errorType != "" {
			span.SetAttributes(attribute.String("error.type", outcome.errorType))
		}
		if outcome.err != nil {
			span.RecordError(outcome.err)
			span.SetStatus(codes.Error, outcome.err.Error())
		} else {
			span.SetStatus(codes.Ok, string(outcome.status))
		}
		observability.RecordTurn(l.agent.RoleName, string(outcome.status), durationMS)

		l.setStatus(kernel.ComputeStatusIdle)
		l.log.Debug("turn_completed",
			"status", string(outcome.status),
			"duration_ms", durationMS,
			"envelope_id", inbound.ID,
		)
	}()

	if err := l.engine.kernel.Registry().SetComputeStatus(l.agent.ID, kernel.ComputeStatusProcessing); err != nil {
		// A stop or terminate landed between dequeue and turn start.
		outcome = turnOutcome{status: turnSkipped}
		l.log.Debug("turn_skipped", "reason", err.Error())
		return
	}

	outcome = l.processTurn(ctx, inbound, token)
}

// processTurn is the turn state machine: append the inbound message, then
// alternate reasoning calls and tool rounds until the response is final.
func (l *loop) processTurn(ctx context.Context, inbound *envelope.Envelope, token *kernel.Token) turnOutcome {
	if inbound.TaskID != "" {
		if steps, ok := l.engine.kernel.Budget().RecordStep(inbound.TaskID); !ok {
			err := fmt.Errorf("task %s consumed %d turns", inbound.TaskID, steps)
			// Over budget, error and abort envelopes get no error reply:
			// answering them would bounce budget errors between agents
			// until something else gives.
			if inbound.Kind == envelope.KindError || inbound.Kind == envelope.KindAbort {
				l.log.Warn("over_budget_turn_dropped",
					"task_id", inbound.TaskID,
					"kind", string(inbound.Kind),
				)
			} else {
				l.emitError(inbound, ErrTypeStepBudgetExhausted, err, nil)
			}
			return turnOutcome{status: turnError, errorType: ErrTypeStepBudgetExhausted, err: err}
		}
	}

	if !l.append(conversation.NewUserRecord(inboundContent(inbound))) {
		return turnOutcome{status: turnSkipped}
	}

	model := l.modelFor()
	compressRetried := false
	rounds := 0

	for {
		if l.engine.compressor != nil {
			l.engine.compressor.MaybeCompress(ctx, l.agent.ID)
		}
		if token.IsCancelled() {
			l.emitAbort(inbound, "turn aborted")
			return turnOutcome{status: turnAborted}
		}

		l.setStatus(kernel.ComputeStatusWaitingLLM)
		resp, err := l.chat(ctx, model, token)
		l.setStatus(kernel.ComputeStatusProcessing)

		if err != nil {
			switch {
			case errors.Is(err, ErrCallAborted) || token.IsCancelled():
				l.emitAbort(inbound, "reasoning call aborted")
				return turnOutcome{status: turnAborted, errorType: ErrTypeLLMCallAborted}

			case errors.Is(err, ErrContextLimit):
				// One stricter compression pass, then give up.
				if !compressRetried {
					compressRetried = true
					if l.engine.compressor != nil && l.engine.compressor.CompressStrict(ctx, l.agent.ID) {
						continue
					}
				}
				l.emitError(inbound, ErrTypeContextLimitExceeded, err, nil)
				return turnOutcome{status: turnError, errorType: ErrTypeContextLimitExceeded, err: err}

			default:
				l.emitError(inbound, ErrTypeLLMCallFailed, err, nil)
				return turnOutcome{status: turnError, errorType: ErrTypeLLMCallFailed, err: err}
			}
		}

		if len(resp.ToolCalls) == 0 {
			if !l.append(conversation.NewAssistantRecord(resp.Content)) {
				return turnOutcome{status: turnSkipped}
			}
			l.recordUsage(resp.Usage)
			l.reply(inbound, resp.Content)
			return turnOutcome{status: turnSuccess}
		}

		if !l.append(conversation.NewToolCallRecord(resp.Content, resp.ToolCalls)) {
			return turnOutcome{status: turnSkipped}
		}
		l.recordUsage(resp.Usage)

		if l.runToolCalls(ctx, inbound, resp.ToolCalls, token) {
			l.emitAbort(inbound, "turn aborted during tool execution")
			return turnOutcome{status: turnAborted}
		}

		rounds++
		if rounds > l.engine.config.MaxToolRounds {
			err := fmt.Errorf("turn used %d tool rounds", rounds)
			l.emitError(inbound, ErrTypeMaxToolRoundsExceeded, err, nil)
			return turnOutcome{status: turnError, errorType: ErrTypeMaxToolRoundsExceeded, err: err}
		}
	}
}

// chat snapshots the conversation and issues one reasoning call.
func (l *loop) chat(ctx context.Context, model string, token CancelToken) (*ChatResponse, error) {
	req := &ChatRequest{
		Model:       model,
		Messages:    l.engine.store.Snapshot(l.agent.ID),
		Temperature: l.engine.config.Temperature,
		MaxTokens:   l.engine.config.MaxTokens,
	}
	if l.engine.tools != nil {
		req.Tools = l.engine.tools.ListTools()
	}

	callCtx := ctx
	if l.engine.config.ChatTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.engine.config.ChatTimeout)
		defer cancel()
	}
	return l.engine.reasoning.Chat(callCtx, req, token)
}

// runToolCalls executes the response's tool calls in order, appending each
// result and publishing an observation. Returns true when the turn must
// abort before the calls complete.
func (l *loop) runToolCalls(ctx context.Context, inbound *envelope.Envelope, calls []conversation.ToolCall, token CancelToken) bool {
	for _, tc := range calls {
		if token.IsCancelled() {
			return true
		}

		args, result := l.dispatchTool(ctx, inbound, tc, token)
		if !l.append(conversation.NewToolResultRecord(tc.ID, marshalToolResult(result))) {
			return true
		}

		obs := envelope.NewToolObservation(l.agent.ID, tc.Name, args, result, envelope.WithTaskID(inbound.TaskID))
		l.engine.bus.Publish(obs)
	}
	return false
}

// dispatchTool runs one tool call through the dispatcher. Failures never
// surface as errors; they become error-status results the model reads.
func (l *loop) dispatchTool(ctx context.Context, inbound *envelope.Envelope, tc conversation.ToolCall, token CancelToken) (map[string]any, *StandardToolResult) {
	args, err := parseToolArguments(tc.Arguments)
	if err != nil {
		return nil, NewStandardToolResultFailure(NewToolErrorDetails("ArgumentParseError", err.Error(), false), nil)
	}
	if l.engine.tools == nil {
		return args, NewStandardToolResultFailure(NewToolErrorDetails("DispatchError", "no tool dispatcher is attached", false), nil)
	}

	tctx := &ToolContext{
		AgentID:   l.agent.ID,
		TaskID:    inbound.TaskID,
		MessageID: inbound.ID,
		Token:     token,
		Workspace: l.engine.workspace,
	}
	result, err := l.engine.tools.Execute(ctx, tc.Name, args, tctx)
	if err != nil {
		l.log.Warn("tool_execution_failed", "tool", tc.Name, "error", err.Error())
		return args, NewStandardToolResultFailure(NewToolErrorDetails(ErrTypeToolExecutionFailed, err.Error(), true), nil)
	}
	return args, result
}

// =============================================================================
// REPLIES
// =============================================================================

// reply sends the turn's final text back to the originator.
func (l *loop) reply(inbound *envelope.Envelope, text string) {
	env := envelope.NewText(l.agent.ID, inbound.From, text, envelope.WithTaskID(inbound.TaskID))
	l.send(env)
}

// emitAbort notifies the originator that the turn was cancelled. Aborts
// carry an abort payload, not an error payload.
func (l *loop) emitAbort(inbound *envelope.Envelope, message string) {
	env := envelope.NewAbort(l.agent.ID, inbound.From, message, envelope.WithTaskID(inbound.TaskID))
	l.send(env)
}

// emitError surfaces an unrecoverable turn failure to the originator and,
// when the originator is another agent, to the user sink as well.
func (l *loop) emitError(inbound *envelope.Envelope, errorType string, cause error, extra map[string]any) {
	targets := []string{inbound.From}
	if inbound.From != envelope.AgentUser {
		targets = append(targets, envelope.AgentUser)
	}
	for _, to := range targets {
		env := envelope.NewError(l.agent.ID, to, errorType, errorMessage(errorType), envelope.WithTaskID(inbound.TaskID))
		env.Payload["agent_id"] = l.agent.ID
		if cause != nil {
			env.Payload["original_error"] = cause.Error()
		}
		for k, v := range extra {
			env.Payload[k] = v
		}
		l.send(env)
	}
}

// send delivers an envelope, dropping it with a log when the recipient has
// terminated. Delivery rejections never fail the sending turn.
func (l *loop) send(env *envelope.Envelope) {
	if err := l.engine.bus.Send(env); err != nil {
		if commbus.IsDeliveryRejection(err) {
			l.log.Warn("reply_dropped", "to", env.To, "kind", string(env.Kind), "error", err.Error())
			return
		}
		l.log.Error("reply_send_failed", "to", env.To, "error", err.Error())
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *loop) append(rec *conversation.Record) bool {
	if err := l.engine.store.Append(l.agent.ID, rec); err != nil {
		// The conversation vanished: the agent is being terminated.
		l.log.Warn("conversation_append_failed", "record_role", string(rec.Role), "error", err.Error())
		return false
	}
	return true
}

// recordUsage installs the service-reported context size as the
// authoritative token total.
func (l *loop) recordUsage(usage Usage) {
	if usage.TotalTokens > 0 {
		l.engine.store.SetLastTokenCount(l.agent.ID, usage.TotalTokens)
	}
}

// modelFor resolves the agent's reasoning model: a "model:<name>" role
// capability wins, then the engine default.
func (l *loop) modelFor() string {
	role := l.engine.kernel.GetRole(l.agent.RoleID)
	if role != nil {
		for _, capability := range role.Capabilities {
			if name, ok := strings.CutPrefix(capability, "model:"); ok && name != "" {
				return name
			}
		}
	}
	return l.engine.config.DefaultModel
}

func (l *loop) setStatus(status kernel.ComputeStatus) {
	// Transition failures are expected when an external stop landed; the
	// registry validates and logs them.
	_ = l.engine.kernel.Registry().SetComputeStatus(l.agent.ID, status)
}

// inboundContent renders an envelope as conversation text: the text payload
// verbatim, anything else as JSON.
func inboundContent(env *envelope.Envelope) string {
	if text := env.Text(); text != "" {
		return text
	}
	raw, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Sprintf("%v", env.Payload)
	}
	return string(raw)
}

func parseToolArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("tool arguments are not a JSON object: %w", err)
	}
	return args, nil
}

func marshalToolResult(result *StandardToolResult) string {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf(`{"status":"error","message":%q}`, err.Error())
	}
	return string(raw)
}

// errorMessage maps a taxonomy key to its user-facing message.
func errorMessage(errorType string) string {
	switch errorType {
	case ErrTypeLLMCallFailed:
		return "the reasoning service call failed"
	case ErrTypeContextLimitExceeded:
		return "the conversation exceeds the model's context window"
	case ErrTypeMaxToolRoundsExceeded:
		return "the turn exceeded the tool round ceiling"
	case ErrTypeProcessingFailed:
		return "message processing failed unexpectedly"
	case ErrTypeStepBudgetExhausted:
		return "the task exhausted its turn budget"
	default:
		return "the turn failed"
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (n nopLogger) Bind(...any) Logger { return n }
