// Package orchestrator runs one chat completion end to end: it validates
// the request, resolves the tenant and session, checks quota, routes to a
// provider, relays the provider's output to the caller, runs tool rounds,
// and persists the turn once it is done.
//
// Each request moves through START -> STREAMING -> DONE, or ends in
// ERROR. Nothing is persisted for a turn that ends in ERROR or is
// cancelled.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/hooks"
	"github.com/soyeahso/llmgate/internal/llm"
	"github.com/soyeahso/llmgate/internal/logging"
	"github.com/soyeahso/llmgate/internal/routing"
	"github.com/soyeahso/llmgate/internal/tools"
)

// DefaultMaxToolRounds bounds how many times tool results are fed back
// to the model in one request.
const DefaultMaxToolRounds = 5

// State is a request's position in its lifecycle.
type State string

const (
	StateStart     State = "start"
	StateStreaming State = "streaming"
	StateDone      State = "done"
	StateError     State = "error"
)

// Tenants resolves tenant records.
type Tenants interface {
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
}

// QuotaChecker gates chargeable provider calls.
type QuotaChecker interface {
	Check(ctx context.Context, t *domain.Tenant) error
}

// Sessions reads and writes session state.
type Sessions interface {
	Load(ctx context.Context, tenantID, id string) (*domain.CachedSession, error)
	Append(ctx context.Context, s *domain.CachedSession, msgs []domain.ChatMessage) (*domain.CachedSession, error)
}

// ToolRunner resolves and executes tools.
type ToolRunner interface {
	Resolve(tenant *domain.Tenant, requested []domain.Tool) []domain.Tool
	Execute(ctx context.Context, tenant *domain.Tenant, calls []domain.ToolCall) []tools.Result
}

// Sink receives the wire chunks of one request. Send is called once per
// chunk in order; an error from Send means the client is gone. Fail is
// called at most once, with the error that ended a request after it
// started streaming.
type Sink interface {
	Send(chunk domain.StreamChunk) error
	Fail(err error)
}

// SinkFunc adapts a function to Sink. Fail is a no-op; a nil SinkFunc
// discards everything.
type SinkFunc func(chunk domain.StreamChunk) error

func (f SinkFunc) Send(chunk domain.StreamChunk) error {
	if f == nil {
		return nil
	}
	return f(chunk)
}

func (f SinkFunc) Fail(error) {}

// Request is one inbound completion.
type Request struct {
	ID         string // request id for logs; generated when empty
	TenantID   string
	SessionID  string // empty starts a new session
	Mode       routing.Mode
	Completion domain.CompletionRequest
}

// Response is the outcome of a completed request.
type Response struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	SessionID string          `json:"session_id"`
	Provider  domain.Provider `json:"provider"`
	domain.CompletionResult

	Routing routing.Decision `json:"routing"`
	Rounds  int              `json:"-"`
}

// Options tunes an Orchestrator.
type Options struct {
	Mode          routing.Mode
	Failover      bool
	MaxToolRounds int
	Hooks         *hooks.Manager
	Tracer        trace.Tracer
}

// Deps are the collaborators an Orchestrator needs. Quota and Tools may
// be nil.
type Deps struct {
	Registry *llm.Registry
	Tenants  Tenants
	Sessions Sessions
	Quota    QuotaChecker
	Tools    ToolRunner
}

// Orchestrator runs completions. It holds no per-request state and is
// safe for concurrent use.
type Orchestrator struct {
	deps   Deps
	opts   Options
	log    *logging.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New creates an orchestrator.
func New(deps Deps, opts Options, log *logging.Logger) *Orchestrator {
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = DefaultMaxToolRounds
	}
	if opts.Mode == "" {
		opts.Mode = routing.ModeBalanced
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/soyeahso/llmgate/internal/orchestrator")
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		log:    log.Sub("orchestrator"),
		tracer: tracer,
		now:    time.Now,
	}
}

// Run executes req. Chunks go to sink as they are produced; a nil sink
// discards them. A non-streaming request sends exactly one terminal
// chunk. Errors raised before streaming starts are only returned;
// later ones are also passed to sink.Fail.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) (*Response, error) {
	if sink == nil {
		sink = SinkFunc(nil)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("llmgate.request_id", req.ID),
		attribute.String("llmgate.tenant_id", req.TenantID),
		attribute.Bool("llmgate.stream", req.Completion.Stream),
	))
	defer span.End()

	r := &run{
		o:     o,
		req:   req,
		sink:  sink,
		log:   o.log.With("requestId", req.ID).With("tenantId", req.TenantID),
		start: o.now(),
	}
	r.transition(StateStart)

	resp, err := r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.fail(ctx, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("llmgate.provider", string(resp.Provider)),
		attribute.Int("llmgate.total_tokens", resp.Usage.TotalTokens),
	)
	return resp, nil
}

// run is the state of one request.
type run struct {
	o     *Orchestrator
	req   Request
	sink  Sink
	log   *logging.Logger
	start time.Time
	state State

	tenant   *domain.Tenant
	session  *domain.CachedSession
	thinking domain.ThinkingLevel
	offered  []domain.Tool

	decision routing.Decision
	tried    []domain.Provider

	conversation []domain.ChatMessage // what the model sees next
	pending      []domain.ChatMessage // what is persisted on DONE

	forwarded bool
	content   strings.Builder
	usage     domain.Usage
	rounds    int
}

func (r *run) transition(s State) {
	r.log.Debug().Str("from", string(r.state)).Str("to", string(s)).Msg("state transition")
	r.state = s
}

func (r *run) execute(ctx context.Context) (*Response, error) {
	o := r.o
	creq := r.req.Completion

	if r.req.TenantID == "" {
		return nil, &domain.ValidationError{Field: "tenant_id", Message: "required"}
	}
	if err := creq.Validate(); err != nil {
		// A tool message may answer a call stored in the session; that
		// is checked again once history is loaded.
		var unknown *domain.UnknownToolCallError
		if r.req.SessionID == "" || !errors.As(err, &unknown) {
			return nil, err
		}
	}

	tenant, err := o.deps.Tenants.GetTenant(ctx, r.req.TenantID)
	if err != nil {
		return nil, err
	}
	r.tenant = tenant

	session, err := r.loadSession(ctx)
	if err != nil {
		return nil, err
	}
	r.session = session
	if err := creq.ValidateWithHistory(session.Messages); err != nil {
		return nil, err
	}

	if o.deps.Quota != nil {
		if err := o.deps.Quota.Check(ctx, tenant); err != nil {
			return nil, err
		}
	}

	r.thinking = creq.ThinkingLevel
	if r.thinking == "" {
		r.thinking = session.Metadata.ThinkingLevel
	}
	if len(creq.Tools) > 0 && o.deps.Tools != nil {
		r.offered = o.deps.Tools.Resolve(tenant, creq.Tools)
	}

	r.decision = routing.Decide(r.routingOptions(), o.deps.Registry.Availability())
	r.log.Info().
		Str("sessionId", session.ID).
		Str("provider", string(r.decision.Provider)).
		Str("model", r.decision.Model).
		Str("reason", string(r.decision.Reason)).
		Int("historyLen", len(session.Messages)).
		Bool("stream", creq.Stream).
		Msg("routing decided")
	o.opts.Hooks.EmitAsync(ctx, hooks.EventCompletionStarted, map[string]any{
		"requestId": r.req.ID,
		"tenantId":  tenant.ID,
		"sessionId": session.ID,
		"provider":  string(r.decision.Provider),
		"model":     r.decision.Model,
		"reason":    string(r.decision.Reason),
	})

	r.transition(StateStreaming)
	r.conversation = append(append([]domain.ChatMessage(nil), session.Messages...), creq.Messages...)
	r.pending = append([]domain.ChatMessage(nil), creq.Messages...)

	final, err := r.toolLoop(ctx)
	if err != nil {
		return nil, err
	}
	return r.finish(ctx, final)
}

func (r *run) loadSession(ctx context.Context) (*domain.CachedSession, error) {
	id := r.req.SessionID
	if id == "" {
		return &domain.CachedSession{ID: uuid.NewString(), TenantID: r.tenant.ID}, nil
	}
	s, err := r.o.deps.Sessions.Load(ctx, r.tenant.ID, id)
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return &domain.CachedSession{ID: id, TenantID: r.tenant.ID}, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *run) routingOptions() routing.Options {
	mode := r.req.Mode
	if mode == "" {
		mode = r.o.opts.Mode
	}
	creq := r.req.Completion
	return routing.Options{
		Tier:       r.tenant.Tier,
		Provider:   creq.Provider,
		Model:      creq.Model,
		NeedsTools: len(r.offered) > 0,
		Stream:     creq.Stream,
		MaxTokens:  creq.MaxTokens,
		Mode:       mode,
		Exclude:    r.tried,
	}
}

// toolLoop calls the provider until it answers without tool calls or the
// round limit is reached, running tools in between.
func (r *run) toolLoop(ctx context.Context) (*domain.CompletionResult, error) {
	for round := 0; ; round++ {
		res, err := r.callWithFailover(ctx)
		if err != nil {
			return nil, err
		}
		r.rounds++
		r.usage = r.usage.Add(res.Usage)
		r.content.WriteString(res.Content)

		calls := res.ToolCalls
		if len(calls) == 0 {
			calls = parseTextToolCalls(res.Content, r.offered)
			if len(calls) > 0 {
				r.log.Debug().Int("toolCalls", len(calls)).Msg("parsed tool calls from text")
				res.ToolCalls = calls
				res.FinishReason = domain.FinishToolCall
			}
		}
		if len(calls) == 0 || r.o.deps.Tools == nil {
			return res, nil
		}
		if round >= r.o.opts.MaxToolRounds {
			r.log.Warn().Int("rounds", round).Msg("tool round limit reached")
			return res, nil
		}

		r.log.Info().Int("toolCalls", len(calls)).Int("round", round+1).Msg("executing tool calls")
		assistant := domain.ChatMessage{Role: domain.RoleAssistant, Content: res.Content, ToolCalls: calls, Thinking: res.Thinking}
		results := r.o.deps.Tools.Execute(ctx, r.tenant, calls)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		turn := make([]domain.ChatMessage, 0, len(results)+1)
		turn = append(turn, assistant)
		for _, tr := range results {
			turn = append(turn, tr.Message())
		}
		r.conversation = append(r.conversation, turn...)
		r.pending = append(r.pending, turn...)
	}
}

// finish sends the terminal chunk and persists the turn.
func (r *run) finish(ctx context.Context, final *domain.CompletionResult) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	finish := final.FinishReason
	if finish == "" {
		finish = domain.FinishStop
	}
	usage := r.usage
	terminal := domain.StreamChunk{
		FinishReason: domain.Finish(finish),
		Usage:        &usage,
		Model:        final.Model,
		Synthetic:    final.Synthetic,
	}
	if !r.req.Completion.Stream {
		terminal.Delta = resultDelta(&domain.CompletionResult{Content: r.content.String(), ToolCalls: final.ToolCalls})
	}

	// Unanswered calls after the round limit are reported to the caller
	// but not stored, so the history stays valid for the next turn.
	r.pending = append(r.pending, domain.ChatMessage{Role: domain.RoleAssistant, Content: final.Content})

	s := r.session.Clone()
	s.Provider = r.decision.Provider
	s.Model = r.decision.Model
	if r.req.Completion.ThinkingLevel != "" {
		s.Metadata.ThinkingLevel = r.req.Completion.ThinkingLevel
	}
	// The turn is stored before the terminal chunk goes out, so a failed
	// write ends the stream with an error instead of after a finish
	// reason. Every content delta has been sent by now; a disconnect
	// must not lose them.
	if _, err := r.o.deps.Sessions.Append(context.WithoutCancel(ctx), s, r.pending); err != nil {
		r.log.Error().Err(err).Str("sessionId", s.ID).Msg("persisting turn failed")
		return nil, &domain.InternalError{Err: err}
	}
	if err := r.sink.Send(terminal); err != nil {
		return nil, err
	}

	r.transition(StateDone)
	elapsed := r.o.now().Sub(r.start)
	r.log.Info().
		Str("sessionId", s.ID).
		Str("provider", string(r.decision.Provider)).
		Str("model", final.Model).
		Int("rounds", r.rounds).
		Int("promptTokens", usage.PromptTokens).
		Int("completionTokens", usage.CompletionTokens).
		Dur("duration", elapsed).
		Msg("completion finished")
	r.o.opts.Hooks.EmitAsync(ctx, hooks.EventCompletionFinished, map[string]any{
		"requestId":        r.req.ID,
		"tenantId":         r.tenant.ID,
		"sessionId":        s.ID,
		"provider":         string(r.decision.Provider),
		"model":            final.Model,
		"promptTokens":     usage.PromptTokens,
		"completionTokens": usage.CompletionTokens,
		"rounds":           r.rounds,
		"seconds":          elapsed.Seconds(),
	})

	model := final.Model
	if model == "" {
		model = r.decision.Model
	}
	return &Response{
		ID:        "chatcmpl-" + shortuuid.New(),
		TenantID:  r.tenant.ID,
		SessionID: s.ID,
		Provider:  r.decision.Provider,
		CompletionResult: domain.CompletionResult{
			Content:      r.content.String(),
			Role:         domain.RoleAssistant,
			ToolCalls:    final.ToolCalls,
			FinishReason: finish,
			Usage:        usage,
			Model:        model,
			Synthetic:    final.Synthetic,
		},
		Routing: r.decision,
		Rounds:  r.rounds,
	}, nil
}

func (r *run) fail(ctx context.Context, err error) {
	streaming := r.state == StateStreaming
	r.transition(StateError)

	code := domain.Kind(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.log.Info().Err(err).Msg("completion cancelled")
	} else {
		r.log.Warn().Err(err).Str("code", code).Str("provider", string(r.decision.Provider)).Msg("completion failed")
	}
	if streaming {
		r.sink.Fail(err)
	}
	r.o.opts.Hooks.EmitAsync(ctx, hooks.EventCompletionFailed, map[string]any{
		"requestId": r.req.ID,
		"tenantId":  r.req.TenantID,
		"provider":  string(r.decision.Provider),
		"code":      code,
		"error":     err.Error(),
	})
}
