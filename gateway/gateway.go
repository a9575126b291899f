package gateway

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/voocel/relay/provider"
	"github.com/voocel/relay/schema"
)

// DefaultEvalTimeout bounds a single policy evaluation. An engine that does
// not answer in time is treated the same as one that errored: the call is
// denied.
const DefaultEvalTimeout = 10 * time.Second

// Gateway wraps a provider and consults an Engine before every invocation.
// It implements provider.Provider, so it slots anywhere a provider does.
type Gateway struct {
	next    provider.Provider
	engine  Engine
	pending *pendingTable
	timeout time.Duration
	logger  *zap.Logger
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithEvalTimeout sets the per-evaluation deadline.
func WithEvalTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New wraps next behind engine.
func New(next provider.Provider, engine Engine, opts ...Option) *Gateway {
	g := &Gateway{
		next:    next,
		engine:  engine,
		pending: newPendingTable(),
		timeout: DefaultEvalTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Invoke implements provider.Provider. The verdict decides what the caller
// sees: forwarded results on allow, a policy call error on deny, or a wait on
// the approval table for ask.
func (g *Gateway) Invoke(ctx context.Context, call schema.ToolCall) (json.RawMessage, error) {
	decision, err := g.evaluate(ctx, call)
	if err != nil {
		// Fail closed. An unreachable or broken evaluator must never turn
		// into an implicit allow.
		g.logger.Error("policy evaluator error", zap.String("call_id", call.ID), zap.String("tool", call.Name), zap.Error(err))
		return nil, schema.NewCallError(schema.CodePolicyAbort, "policy evaluator error: %v", err)
	}

	g.logger.Debug("policy decision",
		zap.String("call_id", call.ID),
		zap.String("tool", call.Name),
		zap.String("action", decision.Action.String()))

	switch decision.Action {
	case Allow:
		return g.forward(ctx, call)
	case DenyAbort:
		return nil, schema.NewCallError(schema.CodePolicyAbort, "denied by policy: %s", decision.Reason)
	case DenyContinue:
		return nil, schema.NewCallError(schema.CodePolicyContinue, "denied by policy: %s", decision.Reason)
	case Ask:
		return g.await(ctx, call, decision)
	default:
		return nil, schema.NewCallError(schema.CodePolicyAbort, "policy returned unknown action %d", decision.Action)
	}
}

// Tools implements provider.Provider.
func (g *Gateway) Tools(ctx context.Context) ([]schema.ToolDef, error) {
	return g.next.Tools(ctx)
}

// Pending lists calls waiting for approval, oldest first.
func (g *Gateway) Pending() []PendingApproval {
	return g.pending.list()
}

// Resolve delivers an approval verdict for a parked call. ErrNoPending means
// the call id is unknown, already decided, or was cancelled while waiting.
func (g *Gateway) Resolve(callID string, approved bool) error {
	return g.pending.resolve(callID, approved)
}

func (g *Gateway) evaluate(ctx context.Context, call schema.ToolCall) (Decision, error) {
	evalCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.engine.Decide(evalCtx, call.ID, call.Name, call.Args)
}

// forward passes the call to the backend and strips any reserved policy code
// from its error. Only this gateway may speak those codes; a backend that
// tries is reported as misuse, not trusted.
func (g *Gateway) forward(ctx context.Context, call schema.ToolCall) (json.RawMessage, error) {
	result, err := g.next.Invoke(ctx, call)
	if err != nil {
		if ce, ok := schema.AsCallError(err); ok && schema.ReservedPolicyCode(ce.Code) {
			g.logger.Warn("backend used reserved policy code",
				zap.String("call_id", call.ID),
				zap.String("tool", call.Name),
				zap.Int("code", ce.Code))
			return nil, schema.NewCallError(schema.CodeReservedMisuse, "backend used reserved policy code %d", ce.Code)
		}
		return nil, err
	}
	return result, nil
}

func (g *Gateway) await(ctx context.Context, call schema.ToolCall, decision Decision) (json.RawMessage, error) {
	row, err := g.pending.add(PendingApproval{
		CallID:    call.ID,
		Tool:      call.Name,
		Args:      call.Args,
		Reason:    decision.Reason,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return nil, schema.NewCallError(schema.CodePolicyAbort, "approval bookkeeping failed: %v", err)
	}

	g.logger.Info("call awaiting approval", zap.String("call_id", call.ID), zap.String("tool", call.Name))

	select {
	case approved := <-row.decision:
		if !approved {
			// A human denial is terminal for the run, same as an engine
			// deny_abort.
			return nil, schema.NewCallError(schema.CodePolicyAbort, "denied by approver")
		}
		return g.forward(ctx, call)
	case <-ctx.Done():
		// Withdraw the row so a late decision gets ErrNoPending instead of
		// resurrecting a dead call.
		g.pending.remove(call.ID)
		return nil, schema.NewCallError(schema.CodeCancelled, "cancelled while awaiting approval: %v", ctx.Err())
	}
}
