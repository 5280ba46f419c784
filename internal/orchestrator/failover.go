package orchestrator

import (
	"context"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/hooks"
	"github.com/soyeahso/llmgate/internal/llm"
	"github.com/soyeahso/llmgate/internal/routing"
)

// callWithFailover makes one provider call. When failover is on and the
// call fails with a retryable error before anything reached the client,
// routing is re-run without the failed provider. Each provider is tried
// at most once per request.
func (r *run) callWithFailover(ctx context.Context) (*domain.CompletionResult, error) {
	for {
		res, err := r.call(ctx)
		if err == nil {
			return res, nil
		}
		if !r.o.opts.Failover || r.forwarded || !llm.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}

		failed := r.decision.Provider
		r.tried = append(r.tried, failed)
		next := routing.Decide(r.routingOptions(), r.o.deps.Registry.Availability())
		if slices.Contains(r.tried, next.Provider) {
			r.log.Warn().Err(err).Str("provider", string(failed)).Msg("retryable error, no provider left to fail over to")
			return nil, err
		}

		r.log.Warn().
			Err(err).
			Str("from", string(failed)).
			Str("to", string(next.Provider)).
			Msg("retryable error, failing over")
		r.o.opts.Hooks.EmitAsync(ctx, hooks.EventProviderFailover, map[string]any{
			"requestId": r.req.ID,
			"tenantId":  r.tenant.ID,
			"from":      string(failed),
			"to":        string(next.Provider),
			"error":     err.Error(),
		})
		r.decision = next
	}
}

// call sends the current conversation to the decided provider.
func (r *run) call(ctx context.Context) (*domain.CompletionResult, error) {
	p := r.decision.Provider
	adapter, ok := r.o.deps.Registry.Get(p)
	if !ok || !adapter.IsAvailable() {
		return nil, &llm.ProviderError{Provider: p, Status: 503, Message: "provider not available"}
	}
	creq := r.adapterRequest(adapter)

	ctx, span := r.o.tracer.Start(ctx, "llm."+string(p), trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("llm.provider", string(p)),
		attribute.String("llm.model", creq.Model),
		attribute.Bool("llm.native_streaming", adapter.Capabilities().NativeStreaming),
	))
	defer span.End()

	var (
		res *domain.CompletionResult
		err error
	)
	if creq.Stream {
		var ch <-chan llm.StreamEvent
		ch, err = adapter.Stream(ctx, creq)
		if err == nil {
			res, err = relay(ctx, p, ch, r.forward)
		}
	} else {
		res, err = adapter.Complete(ctx, creq)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", res.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", res.Usage.CompletionTokens),
		attribute.String("llm.finish_reason", string(res.FinishReason)),
	)
	return res, nil
}

func (r *run) adapterRequest(adapter llm.Adapter) domain.CompletionRequest {
	creq := r.req.Completion
	creq.Provider = r.decision.Provider
	creq.Model = r.decision.Model
	creq.ThinkingLevel = r.thinking
	creq.Messages = r.conversation
	creq.Tools = nil
	if len(r.offered) > 0 {
		if adapter.Capabilities().Tools {
			creq.Tools = r.offered
		} else {
			creq.Messages = withToolPrompt(r.conversation, r.offered, r.o.now())
		}
	}
	return creq
}

// forward sends c to the client. Keep-alive chunks with an empty delta
// do not count as output, so failover stays possible after them.
func (r *run) forward(c domain.StreamChunk) error {
	if c.Delta.Content != "" || len(c.Delta.ToolCalls) > 0 {
		r.forwarded = true
	}
	return r.sink.Send(c)
}
