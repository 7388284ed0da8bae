package modelmapping

import (
	"fmt"
	"strings"
)

// Mode selects how a profile rewrites the declared model.
type Mode string

const (
	// ModeNone is reported when no profile is active.
	ModeNone Mode = "none"
	// ModePassthrough forwards the declared model unchanged.
	ModePassthrough Mode = "passthrough"
	// ModeOverride forwards a fixed model regardless of the declared one.
	ModeOverride Mode = "override"
	// ModeMap forwards the target of the first matching rule.
	ModeMap Mode = "map"
)

// ParseMode normalizes a stored or submitted mode string.
// An empty string maps to passthrough.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModePassthrough:
		return ModePassthrough, nil
	case ModeOverride:
		return ModeOverride, nil
	case ModeMap:
		return ModeMap, nil
	default:
		return "", fmt.Errorf("unknown model mapping mode %q", raw)
	}
}

// Rule is one ordered model mapping entry.
type Rule struct {
	Pattern  string `json:"pattern"`
	Target   string `json:"target"`
	UseRegex bool   `json:"useRegex"`
}

// RuleError reports a rule that failed validation.
type RuleError struct {
	Index int
	Rule  Rule
	Err   error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("model mapping rule %d (%q): %v", e.Index, e.Rule.Pattern, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

type compiledRule struct {
	matcher Matcher
	target  string
}

// Table is the compiled, immutable mapping state of one profile.
type Table struct {
	mode     Mode
	override string
	rules    []compiledRule
}

// Mode returns the table's mapping mode.
func (t *Table) Mode() Mode {
	if t == nil {
		return ModeNone
	}
	return t.mode
}

// Compile validates the mapping configuration and returns a table ready for resolution.
func Compile(mode Mode, overrideModel string, rules []Rule) (*Table, error) {
	t := &Table{mode: mode}
	switch mode {
	case ModePassthrough:
	case ModeOverride:
		t.override = strings.TrimSpace(overrideModel)
		if t.override == "" {
			return nil, fmt.Errorf("override mode requires a model")
		}
	case ModeMap:
		t.rules = make([]compiledRule, 0, len(rules))
		for i, rule := range rules {
			if strings.TrimSpace(rule.Pattern) == "" {
				return nil, &RuleError{Index: i, Rule: rule, Err: fmt.Errorf("empty pattern")}
			}
			if strings.TrimSpace(rule.Target) == "" {
				return nil, &RuleError{Index: i, Rule: rule, Err: fmt.Errorf("empty target")}
			}
			matcher, errMatcher := NewMatcher(rule)
			if errMatcher != nil {
				return nil, &RuleError{Index: i, Rule: rule, Err: errMatcher}
			}
			t.rules = append(t.rules, compiledRule{matcher: matcher, target: rule.Target})
		}
	default:
		return nil, fmt.Errorf("unknown model mapping mode %q", mode)
	}
	return t, nil
}

// Result is the outcome of resolving a declared model.
type Result struct {
	Model string `json:"forwardedModel"`
	Mode  Mode   `json:"modelMode"`
}

// Resolve picks the forwarded model for a declared one. A nil table means no active profile.
// In map mode an unmatched model is forwarded unchanged and the mode stays map.
func Resolve(t *Table, model string) Result {
	if t == nil {
		return Result{Model: model, Mode: ModeNone}
	}
	switch t.mode {
	case ModeOverride:
		return Result{Model: t.override, Mode: ModeOverride}
	case ModeMap:
		for _, rule := range t.rules {
			if rule.matcher.Match(model) {
				return Result{Model: rule.target, Mode: ModeMap}
			}
		}
		return Result{Model: model, Mode: ModeMap}
	default:
		return Result{Model: model, Mode: ModePassthrough}
	}
}
