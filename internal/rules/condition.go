package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/provisionhq/analyzer/internal/model"
)

// evaluateCondition tests one condition against a session's full event
// history. It returns whether the condition matched and the evidence payload
// to record under the condition's signal. The now argument anchors the
// duration of a phase that is still open.
//
// Unknown sources never match; they are tolerated so that rules authored
// against a newer schema degrade instead of failing the whole rule set.
func evaluateCondition(cond Condition, events []model.Event, now time.Time) (bool, any) {
	switch cond.Source {
	case SourceEventType:
		return evaluateEventType(cond, events)
	case SourceEventData:
		return evaluateEventData(cond, events)
	case SourceEventCount:
		return evaluateEventCount(cond, events)
	case SourcePhaseDuration:
		return evaluatePhaseDuration(cond, events, now)
	default:
		return false, nil
	}
}

// evaluateEventType matches on event type, optionally narrowing on a payload
// field. Without a data field the condition holds as soon as one event of the
// type exists; with a data field the first type-matching event whose field
// satisfies the operator wins.
func evaluateEventType(cond Condition, events []model.Event) (bool, any) {
	var matching []model.Event
	for _, ev := range events {
		if strings.EqualFold(ev.EventType, cond.EventType) {
			matching = append(matching, ev)
		}
	}

	if cond.DataField == "" {
		if len(matching) == 0 {
			return false, nil
		}
		return true, map[string]any{
			"eventType": cond.EventType,
			"count":     len(matching),
		}
	}

	for _, ev := range matching {
		value, ok := ev.Field(cond.DataField)
		if !ok {
			continue
		}
		if matchesOperator(value, cond.Operator, cond.Value) {
			return true, map[string]any{
				"eventType": cond.EventType,
				"field":     cond.DataField,
				"value":     value,
			}
		}
	}
	return false, nil
}

// evaluateEventData runs the same field-matching loop as the data-field
// branch of evaluateEventType but does not insist that any event of the type
// exists first; with an event type set the two behave identically.
func evaluateEventData(cond Condition, events []model.Event) (bool, any) {
	for _, ev := range events {
		if cond.EventType != "" && !strings.EqualFold(ev.EventType, cond.EventType) {
			continue
		}
		value, ok := ev.Field(cond.DataField)
		if !ok {
			continue
		}
		if matchesOperator(value, cond.Operator, cond.Value) {
			return true, map[string]any{
				"eventType": cond.EventType,
				"field":     cond.DataField,
				"value":     value,
			}
		}
	}
	return false, nil
}

// evaluateEventCount counts events of the condition's type. Only the
// count_gte operator is meaningful here; anything else never matches.
func evaluateEventCount(cond Condition, events []model.Event) (bool, any) {
	count := 0
	for _, ev := range events {
		if strings.EqualFold(ev.EventType, cond.EventType) {
			count++
		}
	}

	if cond.Operator == OpCountGTE {
		threshold, err := strconv.Atoi(strings.TrimSpace(cond.Value))
		if err == nil && count >= threshold {
			return true, map[string]any{
				"count":     count,
				"threshold": threshold,
			}
		}
	}
	return false, map[string]any{"count": count}
}

// evaluatePhaseDuration reads the provisioning timeline out of
// esp_phase_changed events. The duration of a phase runs from its
// phase-change event to the next one, or to now when the phase is still
// open. The first occurrence of the target phase wins.
func evaluatePhaseDuration(cond Condition, events []model.Event, now time.Time) (bool, any) {
	var changes []model.Event
	for _, ev := range events {
		if strings.EqualFold(ev.EventType, PhaseChangedEventType) {
			changes = append(changes, ev)
		}
	}
	if len(changes) == 0 {
		return false, nil
	}

	// Callers may hand events in any order; sequence breaks timestamp ties.
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Timestamp.Equal(changes[j].Timestamp) {
			return changes[i].Sequence < changes[j].Sequence
		}
		return changes[i].Timestamp.Before(changes[j].Timestamp)
	})

	for i, ev := range changes {
		if ev.Data == nil {
			continue
		}
		raw, ok := ev.Data[phaseDataKey]
		if !ok {
			continue
		}
		phase := fmt.Sprint(raw)
		if phase != cond.Value {
			continue
		}

		var duration time.Duration
		if i+1 < len(changes) {
			duration = changes[i+1].Timestamp.Sub(ev.Timestamp)
		} else {
			duration = now.Sub(ev.Timestamp)
		}
		return true, map[string]any{
			"phase":           phase,
			"durationSeconds": duration.Seconds(),
		}
	}
	return false, nil
}

// matchesOperator compares a field value against the condition value.
// String comparisons are case-insensitive; numeric operators parse both
// sides as doubles and never match on parse failure. Regex patterns that
// fail to compile never match; RE2 guarantees linear-time execution, so no
// further guard is needed. Unknown operators never match.
func matchesOperator(fieldValue, operator, compareValue string) bool {
	switch operator {
	case OpEquals:
		return strings.EqualFold(fieldValue, compareValue)
	case OpContains:
		return strings.Contains(strings.ToLower(fieldValue), strings.ToLower(compareValue))
	case OpRegex:
		re, err := regexp.Compile("(?i)" + compareValue)
		if err != nil {
			return false
		}
		return re.MatchString(fieldValue)
	case OpGT, OpLT, OpGTE, OpLTE:
		field, err := strconv.ParseFloat(strings.TrimSpace(fieldValue), 64)
		if err != nil {
			return false
		}
		compare, err := strconv.ParseFloat(strings.TrimSpace(compareValue), 64)
		if err != nil {
			return false
		}
		switch operator {
		case OpGT:
			return field > compare
		case OpLT:
			return field < compare
		case OpGTE:
			return field >= compare
		default:
			return field <= compare
		}
	case OpExists:
		return fieldValue != ""
	default:
		return false
	}
}
