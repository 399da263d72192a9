package rules

import (
	"fmt"
	"log/slog"

	"intercept-proxy-go/internal/model"
)

// Chain is an ordered rule list with a default verdict. Rules are evaluated
// top to bottom; the first terminal verdict wins, and the default applies
// when no rule ends evaluation. The zero value is an empty chain with
// default accept.
type Chain struct {
	Rules   []Rule
	Default Verdict
}

// Eval applies the chain to m, mutating it in place. The returned verdict is
// VerdictAccept or VerdictDrop. Rules fire strictly in declaration order.
func (c Chain) Eval(logger *slog.Logger, m *model.Message) Verdict {
	for i, rule := range c.Rules {
		val, present := rule.Field.value(m)
		if rule.When != nil && !rule.When(val) {
			continue
		}

		switch applyRule(logger, rule, m, val, present, i) {
		case VerdictDrop:
			return VerdictDrop
		case VerdictAccept:
			return VerdictAccept
		}
	}
	if c.Default == VerdictDrop {
		return VerdictDrop
	}
	return VerdictAccept
}

// applyRule applies one rule and reports its verdict. Missing optional
// fields make every action except log, replace and append a no-op that
// continues evaluation. A failing transform leaves the field unchanged and
// evaluation continues.
func applyRule(logger *slog.Logger, rule Rule, m *model.Message, val string, present bool, idx int) Verdict {
	switch rule.Action.kind {
	case actAccept:
		if !present {
			return VerdictContinue
		}
		return VerdictAccept

	case actDrop:
		if !present {
			return VerdictContinue
		}
		return VerdictDrop

	case actLog:
		logger.Info("rule log",
			"rule", idx,
			"field", rule.Field.String(),
			"value", val,
		)
		return VerdictContinue

	case actReplace:
		if err := rule.Field.set(m, rule.Action.value); err != nil {
			logger.Error("rule replace failed",
				"rule", idx,
				"field", rule.Field.String(),
				"err", err,
			)
			return VerdictContinue
		}
		return VerdictAccept

	case actAppend:
		if err := rule.Field.appendValue(m, rule.Action.value); err != nil {
			logger.Error("rule append failed",
				"rule", idx,
				"field", rule.Field.String(),
				"err", err,
			)
			return VerdictContinue
		}
		return VerdictAccept

	case actRemove:
		if !present {
			return VerdictContinue
		}
		rule.Field.remove(m)
		return VerdictAccept

	case actTransform:
		if !present {
			return VerdictContinue
		}
		out, err := runTransform(rule.Action.fn, val)
		if err != nil {
			logger.Error("rule transform failed",
				"rule", idx,
				"field", rule.Field.String(),
				"err", err,
			)
			return VerdictContinue
		}
		if err := rule.Field.set(m, out); err != nil {
			logger.Error("rule transform produced invalid value",
				"rule", idx,
				"field", rule.Field.String(),
				"err", err,
			)
		}
		return VerdictContinue
	}
	return VerdictContinue
}

// runTransform invokes a user-supplied transform, converting panics into
// errors so a misbehaving function cannot take down the connection task.
func runTransform(fn TransformFunc, val string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform panic: %v", r)
		}
	}()
	return fn(val)
}
