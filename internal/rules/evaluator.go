package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hostsentry/hostsentry/internal/authz"
	"github.com/hostsentry/hostsentry/pkg/types"
)

// WatchMatcher decides access to protected paths for non-execution
// events. The bool reports whether the path is covered at all.
type WatchMatcher interface {
	Decide(path string, kind types.EventKind) (types.Decision, bool)
}

// Evaluator turns an enriched message into a decision: rule lookup for
// executions, watch items for file operations, client-mode default for
// everything unmatched. Store errors fail open and are never cached.
type Evaluator struct {
	store *Store
	mode  func() types.ClientMode
	watch WatchMatcher
}

func NewEvaluator(store *Store, mode func() types.ClientMode, watch WatchMatcher) *Evaluator {
	return &Evaluator{store: store, mode: mode, watch: watch}
}

func (e *Evaluator) Evaluate(em *authz.EnrichedMessage) types.Decision {
	kind := em.Msg.Kind()
	if kind != types.KindExec {
		return e.evaluateFileOp(kind, em.Msg.TargetPath())
	}

	rule, err := e.store.RuleForIdentifiers(context.Background(), em.Context.Identifiers())
	if err != nil {
		slog.Error("rule lookup failed, allowing without cache",
			"path", em.Msg.TargetPath(), "error", err)
		return types.Decision{Action: types.ActionAllow, Cacheable: false}
	}
	if rule != nil {
		action := types.ActionAllow
		if rule.Policy == types.RulePolicyDeny {
			action = types.ActionDeny
		}
		return types.Decision{
			Action:    action,
			Cacheable: true,
			Rule:      fmt.Sprintf("%s/%s", rule.Type, rule.Identifier),
			Message:   rule.CustomMsg,
		}
	}

	return types.Decision{Action: e.mode().DefaultAction(), Cacheable: true}
}

func (e *Evaluator) evaluateFileOp(kind types.EventKind, path string) types.Decision {
	if e.watch != nil {
		if d, ok := e.watch.Decide(path, kind); ok {
			return d
		}
	}
	return types.Decision{Action: types.ActionAllow, Cacheable: true}
}
