package core

import (
	"fmt"
	"strings"
)

// Policy is the query-safety configuration. It is loaded once at
// startup and read-only afterwards.
//
// An empty allowlist permits mutations against every table when
// MutationsEnabled is true. This matches the add-on's historical
// behavior but is the most permissive setting possible; deployments
// that enable mutations should almost always configure an allowlist.
type Policy struct {
	// MutationsEnabled gates INSERT/UPDATE/DELETE. SELECT is never
	// gated by this flag.
	MutationsEnabled bool

	// TableAllowlist restricts which tables mutations may target.
	// Empty means all tables. Comparison is case-insensitive.
	TableAllowlist []string

	allow map[string]bool
}

// NewPolicy builds an immutable policy. The blocked-operation set is
// fixed (drop, alter, create, truncate, vacuum, reindex) and cannot be
// altered through configuration.
func NewPolicy(mutationsEnabled bool, tableAllowlist []string) *Policy {
	p := &Policy{
		MutationsEnabled: mutationsEnabled,
		TableAllowlist:   tableAllowlist,
	}
	if len(tableAllowlist) > 0 {
		p.allow = make(map[string]bool, len(tableAllowlist))
		for _, t := range tableAllowlist {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				p.allow[t] = true
			}
		}
	}
	return p
}

// BlockedVerbs returns the fixed set of permanently blocked verbs,
// for reporting purposes.
func BlockedVerbs() []string {
	out := make([]string, 0, len(blockedVerbs))
	for v := range blockedVerbs {
		out = append(out, v)
	}
	return out
}

// Evaluate applies the safety rules to a classification, first match
// wins. Every sub-statement of a multi-statement submission must pass;
// the first failing statement denies the whole request.
func (p *Policy) Evaluate(c Classification) error {
	if c.Blocked {
		return &Denial{
			Reason: DenyOperationAlwaysBlocked,
			Detail: "statement contains a permanently blocked operation (drop/alter/create/truncate/vacuum/reindex)",
		}
	}
	if len(c.Statements) == 0 {
		return &Denial{
			Reason: DenyUnparsableStatement,
			Detail: "statement is empty or could not be recognized",
		}
	}

	for _, s := range c.Statements {
		if err := p.evaluateOne(s); err != nil {
			return err
		}
	}
	return nil
}

func (p *Policy) evaluateOne(s Statement) error {
	switch {
	case s.Operation == OpSelect:
		// Reads are never gated by the mutation policy.
		return nil

	case s.Operation.IsMutation():
		if !p.MutationsEnabled {
			return &Denial{
				Reason: DenyMutationsDisabled,
				Detail: "only SELECT queries are allowed; enable mutations in the configuration to allow other statement types",
			}
		}
		if len(p.allow) > 0 {
			for _, t := range s.Tables {
				if !p.allow[t] {
					return &Denial{
						Reason: DenyTableNotAllowlisted,
						Detail: fmt.Sprintf("table %q is not in the configured table allowlist", t),
					}
				}
			}
		}
		return nil

	default:
		return &Denial{
			Reason: DenyUnparsableStatement,
			Detail: "statement is not a recognized SELECT, INSERT, UPDATE or DELETE",
		}
	}
}
