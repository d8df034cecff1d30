// Package executor runs exactly one intent candidate and reports a typed
// outcome for the session router's fallback chain.
package executor

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hearthlabs/hearth/internal/domain"
)

var tracer = otel.GetTracerProvider().Tracer("hearth/executor")

type ResultKind string

const (
	// OK carries a useful payload in Value.
	OK ResultKind = "ok"
	// OKEmpty means the call succeeded but produced nothing worth using;
	// the fallback chain moves on.
	OKEmpty ResultKind = "ok-empty"
	// NoAction is the general.conversation sentinel: nothing to execute,
	// the router streams a direct answer.
	NoAction ResultKind = "no-action"
	// Failed carries Err, either a *domain.ToolError or ErrNotPermitted.
	Failed ResultKind = "failed"
)

type Result struct {
	Kind  ResultKind
	Value string
	Err   error
}

// Invoker is the registry surface the executor calls tools through.
type Invoker interface {
	Invoke(ctx context.Context, server, tool string, args map[string]any) (string, error)
}

// Retriever answers knowledge.ask over the user's documents. An empty bundle
// means no documents matched. kb optionally scopes the search to one
// knowledge base.
type Retriever interface {
	Ask(ctx context.Context, query, kb string) (string, error)
}

type Executor struct {
	registry  Invoker
	retriever Retriever
}

func New(registry Invoker, retriever Retriever) *Executor {
	return &Executor{registry: registry, retriever: retriever}
}

// Execute runs one candidate exactly once. The permission predicate is
// checked before anything happens; a denial is final and must not fall
// through to the next candidate.
func (e *Executor) Execute(ctx context.Context, cand domain.IntentCandidate, query string, permit domain.PermissionFunc) Result {
	ctx, span := tracer.Start(ctx, "executor.execute")
	defer span.End()
	span.SetAttributes(attribute.String("intent.label", cand.Label))

	if permit != nil && !permit(cand.Label) {
		span.SetAttributes(attribute.String("executor.outcome", "denied"))
		return Result{Kind: Failed, Err: fmt.Errorf("%s: %w", cand.Label, domain.ErrNotPermitted)}
	}

	var res Result
	switch {
	case cand.Label == domain.LabelConversation:
		res = Result{Kind: NoAction}
	case cand.Label == domain.LabelKnowledgeAsk:
		res = e.ask(ctx, cand, query)
	default:
		res = e.invoke(ctx, cand)
	}
	span.SetAttributes(attribute.String("executor.outcome", string(res.Kind)))
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	return res
}

func (e *Executor) ask(ctx context.Context, cand domain.IntentCandidate, query string) Result {
	if e.retriever == nil {
		return Result{Kind: Failed, Err: domain.NewToolError(
			domain.ToolErrServerUnavailable, cand.Label, fmt.Errorf("retrieval not configured"))}
	}

	// The classifier may rephrase the question into params; prefer that.
	q := query
	if v, ok := cand.Params["query"].(string); ok && v != "" {
		q = v
	}
	kb, _ := cand.Params["knowledge_base_id"].(string)

	bundle, err := e.retriever.Ask(ctx, q, kb)
	if err != nil {
		return Result{Kind: Failed, Err: domain.NewToolError(domain.ToolErrServerError, cand.Label, err)}
	}
	if emptyPayload(bundle) {
		return Result{Kind: OKEmpty}
	}
	return Result{Kind: OK, Value: bundle}
}

func (e *Executor) invoke(ctx context.Context, cand domain.IntentCandidate) Result {
	server, tool, ok := cand.ToolCall()
	if !ok {
		return Result{Kind: Failed, Err: domain.NewToolError(domain.ToolErrUnknown, cand.Label, nil)}
	}

	value, err := e.registry.Invoke(ctx, server, tool, cand.Params)
	if err != nil {
		return Result{Kind: Failed, Err: err}
	}
	if emptyPayload(value) {
		return Result{Kind: OKEmpty}
	}
	return Result{Kind: OK, Value: value}
}

// emptyMarkers are payloads tool servers return for "succeeded, found
// nothing": empty collections and a few conventional phrasings.
var emptyMarkers = []string{"[]", "{}", "null", "no results", "not found", "unknown entity", "no matching"}

func emptyPayload(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return true
	}
	for _, marker := range emptyMarkers {
		if v == marker || strings.HasPrefix(v, marker) {
			return true
		}
	}
	return false
}
