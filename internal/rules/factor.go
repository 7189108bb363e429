package rules

import (
	"strconv"
	"strings"

	"github.com/provisionhq/analyzer/internal/model"
)

// Factor conditions come from a small fixed vocabulary, not an expression
// language: "phase_duration > N", "exists", and "count >= N". They are
// compiled into a tagged variant once at rule load; unrecognized strings
// never fire.
type factorKind int

const (
	factorUnrecognized factorKind = iota
	factorDurationGreaterThan
	factorExists
	factorCountAtLeast
)

type factorExpr struct {
	kind factorKind
	n    float64
}

func parseFactorExpr(condition string) factorExpr {
	s := strings.TrimSpace(condition)

	if s == "exists" {
		return factorExpr{kind: factorExists}
	}
	if rest, ok := strings.CutPrefix(s, "phase_duration > "); ok {
		if n, err := strconv.ParseFloat(strings.TrimSpace(rest), 64); err == nil {
			return factorExpr{kind: factorDurationGreaterThan, n: n}
		}
	}
	if rest, ok := strings.CutPrefix(s, "count >= "); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
			return factorExpr{kind: factorCountAtLeast, n: float64(n)}
		}
	}
	return factorExpr{kind: factorUnrecognized}
}

// evaluateFactor decides whether one confidence factor fires, given the
// session events and the evidence accumulated so far.
//
// The duration form scans the accumulated evidence in insertion order and
// binds to the first value carrying a durationSeconds field, regardless of
// which condition produced it. With several duration-producing conditions on
// one rule this can couple a factor to an unrelated condition's evidence;
// that looseness is longstanding observed behavior and is kept as-is.
func evaluateFactor(f Factor, events []model.Event, evidence *model.Evidence) bool {
	expr := f.expr
	if expr == nil {
		parsed := parseFactorExpr(f.Condition)
		expr = &parsed
	}

	switch expr.kind {
	case factorDurationGreaterThan:
		for _, key := range evidence.Keys() {
			value, _ := evidence.Get(key)
			payload, ok := value.(map[string]any)
			if !ok {
				continue
			}
			raw, ok := payload["durationSeconds"]
			if !ok {
				continue
			}
			seconds, ok := asFloat(raw)
			return ok && seconds > expr.n
		}
		return false

	case factorExists:
		return evidence.Has(f.Signal)

	case factorCountAtLeast:
		// Counts raw event types exactly, independent of any condition.
		count := 0
		for _, ev := range events {
			if ev.EventType == f.Signal {
				count++
			}
		}
		return float64(count) >= expr.n

	default:
		return false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
