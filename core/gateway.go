package core

import (
	"context"

	"go.uber.org/zap"
)

// Gateway composes the classifier, the policy and the executor into a
// single validate-then-run operation. No statement ever reaches the
// executor without passing classification and policy evaluation, in
// that order; a denial executes nothing.
type Gateway struct {
	policy *Policy
	exec   *Executor
	log    *zap.SugaredLogger

	// onMutation, when set, is invoked after a mutation commits so
	// real-time listeners can be told the database changed.
	onMutation func(tables []string)
}

// NewGateway builds a gateway. log receives the audit trail: every
// submission is logged with its text, parameters and outcome.
func NewGateway(policy *Policy, exec *Executor, log *zap.SugaredLogger) *Gateway {
	return &Gateway{policy: policy, exec: exec, log: log}
}

// OnMutation registers the change-notification callback. Must be set
// before the gateway starts serving requests.
func (g *Gateway) OnMutation(fn func(tables []string)) {
	g.onMutation = fn
}

// Policy returns the active safety policy.
func (g *Gateway) Policy() *Policy { return g.policy }

// Executor returns the underlying executor, for canned fixed-text
// reads that bypass classification by construction.
func (g *Gateway) Executor() *Executor { return g.exec }

// RunGuarded classifies and validates the request, then executes it.
// Denials and execution failures come back as *Denial and
// *ExecutionError respectively.
func (g *Gateway) RunGuarded(ctx context.Context, req QueryRequest) (*Result, error) {
	c := Classify(req.Text)

	if err := g.policy.Evaluate(c); err != nil {
		d, _ := AsDenial(err)
		g.log.Warnw("query denied",
			"query", req.Text,
			"params", req.Params,
			"reason", string(d.Reason),
			"detail", d.Detail,
		)
		return nil, err
	}

	// Route on the whole submission, not the leading statement: any
	// mutation anywhere means the write path, its lock and the change
	// notification.
	var res *Result
	var err error
	if c.HasMutation() {
		res, err = g.exec.Exec(ctx, req.Text, req.Params)
	} else {
		res, err = g.exec.Query(ctx, req.Text, req.Params)
	}
	if err != nil {
		g.log.Errorw("query failed",
			"query", req.Text,
			"params", req.Params,
			"error", err.Error(),
		)
		return nil, err
	}

	if res.Mutation {
		g.log.Infow("mutation executed",
			"query", req.Text,
			"params", req.Params,
			"affected_rows", res.AffectedRows,
			"tables", c.Tables,
		)
		if g.onMutation != nil {
			g.onMutation(c.Tables)
		}
	} else {
		g.log.Infow("query executed",
			"query", req.Text,
			"params", req.Params,
			"rows", len(res.Rows),
		)
	}
	return res, nil
}
