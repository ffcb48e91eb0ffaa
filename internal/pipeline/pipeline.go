package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"robustagent/internal/config"
	"robustagent/internal/logging"
	"robustagent/internal/memory"
	"robustagent/internal/models"
	"robustagent/internal/observability"
	"robustagent/internal/tools"
)

// DefaultMaxToolRounds bounds the CallModel/ExecuteTools cycle of one turn.
const DefaultMaxToolRounds = 5

const inputRejectedPrefix = "⚠️ Input validation failed: "

// ToolRoundsExceededReply closes a turn whose model kept asking for tools
// after the round limit.
const ToolRoundsExceededReply = "I couldn't finish this request within the allowed number of tool steps. Please try a simpler or more specific question."

// Guard screens user input and model output.
type Guard interface {
	ValidateInput(text string) (bool, string)
	ValidateOutput(response, input string) (bool, string)
}

// Tools declares and executes the tools offered to the model.
type Tools interface {
	Infos() []*schema.ToolInfo
	Resolve(tc schema.ToolCall) (*tools.Call, error)
	Execute(ctx context.Context, call *tools.Call) string
}

// TurnState is the data carried between states of one turn.
type TurnState struct {
	SessionID   string
	Input       string
	Sanitized   string
	Messages    []*schema.Message // history, current user message, tool exchanges, final reply
	InputValid  bool
	OutputValid bool
	Rounds      int
	Reply       string
	Persisted   bool

	pending *schema.Message // latest model response
}

// Result is what a caller sees of a finished turn.
type Result struct {
	SessionID   string
	Reply       string
	InputValid  bool
	OutputValid bool
	Persisted   bool
	ToolRounds  int
	Messages    []*schema.Message
}

// Pipeline runs turns through the state machine. It holds no per-turn state
// and is safe for concurrent use; turns of one session should still be
// serialized by the caller so that history reads see earlier writes.
type Pipeline struct {
	chat    model.BaseChatModel
	history memory.History
	guard   Guard
	tools   Tools

	prompts       config.PromptsConfig
	systemPrompt  string
	callOpts      []model.Option
	maxToolRounds int
	retries       uint64
	backoff       time.Duration
	limiter       *rate.Limiter
	logger        *zap.Logger
	tracer        trace.Tracer
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithPrompts sets the system prompt template and its persona, tone and
// instruction values.
func WithPrompts(p config.PromptsConfig) Option {
	return func(pl *Pipeline) { pl.prompts = p }
}

// WithTemperature sets the sampling temperature sent with every model call.
func WithTemperature(t float32) Option {
	return func(pl *Pipeline) { pl.callOpts = append(pl.callOpts, model.WithTemperature(t)) }
}

func WithMaxToolRounds(n int) Option {
	return func(pl *Pipeline) {
		if n > 0 {
			pl.maxToolRounds = n
		}
	}
}

// WithRetry sets how often a failed model call is retried, and the first
// backoff interval.
func WithRetry(retries uint64, backoff time.Duration) Option {
	return func(pl *Pipeline) {
		pl.retries = retries
		if backoff > 0 {
			pl.backoff = backoff
		}
	}
}

// WithRateLimit caps model requests per second. Zero disables the limit.
func WithRateLimit(perSecond float64) Option {
	return func(pl *Pipeline) {
		if perSecond > 0 {
			pl.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(pl *Pipeline) { pl.logger = logging.OrNop(l) }
}

// New binds the registry's tools to the chat model and renders the system
// prompt.
func New(ctx context.Context, chat model.ToolCallingChatModel, history memory.History, guard Guard, registry Tools, opts ...Option) (*Pipeline, error) {
	switch {
	case chat == nil:
		return nil, errors.New("chat model is required")
	case history == nil:
		return nil, errors.New("memory store is required")
	case guard == nil:
		return nil, errors.New("guardrails are required")
	case registry == nil:
		return nil, errors.New("tool registry is required")
	}

	p := &Pipeline{
		history:       history,
		guard:         guard,
		tools:         registry,
		maxToolRounds: DefaultMaxToolRounds,
		retries:       3,
		backoff:       500 * time.Millisecond,
		logger:        zap.NewNop(),
		tracer:        observability.Tracer(),
	}
	for _, opt := range opts {
		opt(p)
	}

	bound, err := chat.WithTools(registry.Infos())
	if err != nil {
		return nil, fmt.Errorf("bind tools: %w", err)
	}
	p.chat = bound

	p.systemPrompt, err = renderSystemPrompt(p.prompts)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("pipeline ready", zap.Int("tools", len(registry.Infos())), zap.Int("max_tool_rounds", p.maxToolRounds))
	return p, nil
}

// SystemPrompt returns the rendered system instruction.
func (p *Pipeline) SystemPrompt() string { return p.systemPrompt }

// Run processes one user message for a session. The returned Result is never
// nil. A *ModelError or *memory.StorageError fails the turn; when the error
// comes from SaveMemory the Result still carries the reply.
func (p *Pipeline) Run(ctx context.Context, sessionID, input string) (*Result, error) {
	if sessionID == "" {
		return &Result{}, errors.New("session id is required")
	}

	start := time.Now()
	observability.TurnStarted()
	defer observability.TurnFinished()

	ctx, span := p.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	ts := &TurnState{
		SessionID: sessionID,
		Input:     input,
		Messages:  []*schema.Message{schema.UserMessage(input)},
	}

	var err error
	state := StateValidateInput
	for state != StateEnd {
		var next State
		next, err = p.step(ctx, state, ts)
		if err != nil {
			break
		}
		state = next
	}

	outcome := turnOutcome(ts, err)
	observability.RecordTurn(outcome, time.Since(start))
	span.SetAttributes(attribute.String("turn.outcome", outcome), attribute.Int("turn.tool_rounds", ts.Rounds))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("turn failed", zap.String("session_id", sessionID), zap.String("state", string(state)), zap.Error(err))
	} else {
		p.logger.Info("turn finished", zap.String("session_id", sessionID), zap.String("outcome", outcome),
			zap.Int("tool_rounds", ts.Rounds), zap.Duration("elapsed", time.Since(start)))
	}

	return &Result{
		SessionID:   sessionID,
		Reply:       ts.Reply,
		InputValid:  ts.InputValid,
		OutputValid: ts.OutputValid,
		Persisted:   ts.Persisted,
		ToolRounds:  ts.Rounds,
		Messages:    ts.Messages,
	}, err
}

func turnOutcome(ts *TurnState, err error) string {
	var modelErr *ModelError
	var storageErr *memory.StorageError
	switch {
	case errors.As(err, &modelErr):
		return "model_error"
	case errors.As(err, &storageErr):
		return "storage_error"
	case err != nil:
		return "error"
	case !ts.InputValid:
		return "invalid_input"
	case !ts.OutputValid:
		return "output_replaced"
	default:
		return "ok"
	}
}

func (p *Pipeline) step(ctx context.Context, state State, ts *TurnState) (State, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline."+string(state))
	defer span.End()

	var (
		next State
		err  error
	)
	switch state {
	case StateValidateInput:
		next = p.validateInput(ts)
	case StateLoadHistory:
		next, err = p.loadHistory(ctx, ts)
	case StateCallModel:
		next, err = p.callModel(ctx, ts)
	case StateExecuteTools:
		next = p.executeTools(ctx, ts)
	case StateValidateOutput:
		next = p.validateOutput(ts)
	case StateSaveMemory:
		next, err = p.saveMemory(ctx, ts)
	default:
		err = fmt.Errorf("unknown state %q", state)
	}
	if err == nil && !canTransition(state, next) {
		err = fmt.Errorf("illegal transition %s -> %s", state, next)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return state, err
	}
	span.SetAttributes(attribute.String("pipeline.next", string(next)))
	return next, nil
}

func (p *Pipeline) validateInput(ts *TurnState) State {
	ok, text := p.guard.ValidateInput(ts.Input)
	if !ok {
		observability.RecordGuardrailRejection("input")
		p.logger.Info("input rejected", zap.String("session_id", ts.SessionID), zap.String("reason", text))
		ts.Reply = inputRejectedPrefix + text
		return StateEnd
	}
	ts.Sanitized = text
	ts.Messages[len(ts.Messages)-1].Content = text
	ts.InputValid = true
	return StateLoadHistory
}

func (p *Pipeline) loadHistory(ctx context.Context, ts *TurnState) (State, error) {
	window, err := p.history.LoadWindow(ctx, ts.SessionID, 0)
	if err != nil {
		return "", err
	}
	msgs := make([]*schema.Message, 0, len(window)+len(ts.Messages))
	for _, m := range window {
		msgs = append(msgs, toSchemaMessage(m))
	}
	ts.Messages = append(msgs, ts.Messages...)
	return StateCallModel, nil
}

func toSchemaMessage(m *models.Message) *schema.Message {
	switch m.Role {
	case models.RoleAssistant:
		return schema.AssistantMessage(m.Content, nil)
	case models.RoleSystem:
		return schema.SystemMessage(m.Content)
	default:
		return schema.UserMessage(m.Content)
	}
}

func (p *Pipeline) callModel(ctx context.Context, ts *TurnState) (State, error) {
	input := make([]*schema.Message, 0, len(ts.Messages)+1)
	input = append(input, schema.SystemMessage(p.systemPrompt))
	input = append(input, ts.Messages...)

	resp, err := p.generate(ctx, input)
	if err != nil {
		return "", err
	}

	if len(resp.ToolCalls) == 0 {
		ts.pending = schema.AssistantMessage(resp.Content, nil)
		ts.Messages = append(ts.Messages, ts.pending)
		return StateValidateOutput, nil
	}

	if ts.Rounds >= p.maxToolRounds {
		p.logger.Warn("tool round limit reached", zap.String("session_id", ts.SessionID), zap.Int("rounds", ts.Rounds))
		ts.pending = schema.AssistantMessage(ToolRoundsExceededReply, nil)
		ts.Messages = append(ts.Messages, ts.pending)
		return StateValidateOutput, nil
	}

	ts.pending = resp
	ts.Messages = append(ts.Messages, resp)
	return StateExecuteTools, nil
}

func (p *Pipeline) generate(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, &ModelError{Err: fmt.Errorf("wait for rate limit: %w", err)}
		}
	}

	var (
		resp    *schema.Message
		attempt int
	)
	b := retry.WithMaxRetries(p.retries, retry.NewExponential(p.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		out, err := p.chat.Generate(ctx, input, p.callOpts...)
		if err == nil && out == nil {
			err = errors.New("empty response")
		}
		if err != nil {
			observability.RecordModelCall("error")
			if ctx.Err() != nil {
				return err
			}
			p.logger.Warn("model call failed", zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		observability.RecordModelCall("ok")
		resp = out
		return nil
	})
	if err != nil {
		return nil, &ModelError{Attempts: attempt, Err: err}
	}
	return resp, nil
}

// executeTools runs the pending tool calls in order. Failures become tool
// result content and never end the turn.
func (p *Pipeline) executeTools(ctx context.Context, ts *TurnState) State {
	for _, tc := range ts.pending.ToolCalls {
		var result string
		call, err := p.tools.Resolve(tc)
		if err != nil {
			observability.RecordToolCall(tc.Function.Name, "invalid", 0)
			result = fmt.Sprintf("%s: %v", tools.ErrorMarker, err)
		} else {
			result = p.tools.Execute(ctx, call)
		}
		p.logger.Debug("tool executed", zap.String("session_id", ts.SessionID), zap.String("tool", tc.Function.Name),
			zap.String("call_id", tc.ID), zap.Bool("error", tools.IsError(result)))
		ts.Messages = append(ts.Messages, schema.ToolMessage(result, tc.ID))
	}
	ts.Rounds++
	return StateCallModel
}

func (p *Pipeline) validateOutput(ts *TurnState) State {
	ok, text := p.guard.ValidateOutput(ts.pending.Content, ts.Sanitized)
	if !ok {
		observability.RecordGuardrailRejection("output")
		p.logger.Info("output replaced", zap.String("session_id", ts.SessionID))
	}
	ts.pending.Content = text
	ts.OutputValid = ok
	ts.Reply = text
	return StateSaveMemory
}

func (p *Pipeline) saveMemory(ctx context.Context, ts *TurnState) (State, error) {
	if _, err := p.history.Append(ctx, ts.SessionID, models.RoleUser, ts.Sanitized); err != nil {
		return "", err
	}
	if _, err := p.history.Append(ctx, ts.SessionID, models.RoleAssistant, ts.Reply); err != nil {
		return "", err
	}
	ts.Persisted = true
	return StateEnd, nil
}
