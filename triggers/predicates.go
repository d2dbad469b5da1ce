// Package triggers implements the event trigger processor: predicate
// matching, idempotency and throttle gates, parameter rendering, and the
// trigger delivery lifecycle.
package triggers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

// Predicate operators. The set is closed; unknown operators are rejected
// when the trigger is created.
const (
	OpExists    = "exists"
	OpEquals    = "equals"
	OpNotEquals = "notEquals"
	OpContains  = "contains"
	OpIn        = "in"
	OpNotIn     = "notIn"
	OpGT        = "gt"
	OpGTE       = "gte"
	OpLT        = "lt"
	OpLTE       = "lte"
	OpRegex     = "regex"
)

var knownOperators = map[string]bool{
	OpExists: true, OpEquals: true, OpNotEquals: true, OpContains: true,
	OpIn: true, OpNotIn: true, OpGT: true, OpGTE: true, OpLT: true,
	OpLTE: true, OpRegex: true,
}

// pathToQuery converts a `$.a.b` JSONPath into a gojq program. A leading
// `$` addresses the envelope document root.
func pathToQuery(path string) (*gojq.Code, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("path is required")
	}
	query := strings.TrimPrefix(trimmed, "$")
	if query == "" {
		query = "."
	}
	if !strings.HasPrefix(query, ".") && !strings.HasPrefix(query, "[") {
		return nil, fmt.Errorf("path must start with $. or .")
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	return code, nil
}

// resolvePath evaluates the path against the envelope document and returns
// the first value, or nil when the path resolves to nothing.
func resolvePath(ctx context.Context, code *gojq.Code, doc interface{}) interface{} {
	iter := code.RunWithContext(ctx, doc)
	v, ok := iter.Next()
	if !ok {
		return nil
	}
	if _, isErr := v.(error); isErr {
		return nil
	}
	return v
}

// envelopeDocument projects an event into the template/predicate document.
func envelopeDocument(e *store.Event) map[string]interface{} {
	var payload interface{}
	if len(e.Payload) > 0 {
		_ = json.Unmarshal(e.Payload, &payload)
	}
	return map[string]interface{}{
		"id":            e.ID,
		"type":          e.Type,
		"source":        e.Source,
		"occurredAt":    e.OccurredAt.Format("2006-01-02T15:04:05.000Z07:00"),
		"payload":       payload,
		"correlationId": e.CorrelationID,
	}
}

// ValidatePredicates rejects malformed predicates at trigger create/update
// time: unknown operators, unparsable paths, and invalid regexes never
// reach the evaluation path.
func ValidatePredicates(predicates []store.TriggerPredicate) error {
	for i, p := range predicates {
		if !knownOperators[p.Operator] {
			return core.NewValidationf("triggers.ValidatePredicates",
				"predicate %d: unknown operator %q", i, p.Operator)
		}
		if _, err := pathToQuery(p.Path); err != nil {
			return core.NewValidationf("triggers.ValidatePredicates", "predicate %d: %v", i, err)
		}
		switch p.Operator {
		case OpExists:
		case OpIn, OpNotIn:
			var list []interface{}
			if err := json.Unmarshal(p.Value, &list); err != nil {
				return core.NewValidationf("triggers.ValidatePredicates",
					"predicate %d: %s requires a JSON array value", i, p.Operator)
			}
		case OpRegex:
			var pattern string
			if err := json.Unmarshal(p.Value, &pattern); err != nil {
				return core.NewValidationf("triggers.ValidatePredicates",
					"predicate %d: regex requires a string pattern", i)
			}
			if _, err := regexp.Compile(applyRegexFlags(pattern, p.Flags)); err != nil {
				return core.NewValidationf("triggers.ValidatePredicates",
					"predicate %d: invalid regex: %v", i, err)
			}
		default:
			if len(p.Value) == 0 {
				return core.NewValidationf("triggers.ValidatePredicates",
					"predicate %d: %s requires a value", i, p.Operator)
			}
		}
	}
	return nil
}

// evaluatePredicates applies the conjunctive predicate list to the
// envelope document. All predicates must pass for the trigger to match.
func evaluatePredicates(ctx context.Context, predicates []store.TriggerPredicate, doc map[string]interface{}) (bool, error) {
	for _, p := range predicates {
		code, err := pathToQuery(p.Path)
		if err != nil {
			return false, core.NewValidationf("triggers.evaluatePredicates", "%v", err)
		}
		actual := resolvePath(ctx, code, doc)
		ok, err := evaluateOperator(p, actual)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evaluateOperator(p store.TriggerPredicate, actual interface{}) (bool, error) {
	caseSensitive := p.CaseSensitive == nil || *p.CaseSensitive

	switch p.Operator {
	case OpExists:
		return actual != nil, nil

	case OpEquals, OpNotEquals:
		var expected interface{}
		if err := json.Unmarshal(p.Value, &expected); err != nil {
			return false, core.NewValidationf("triggers.evaluateOperator", "bad predicate value: %v", err)
		}
		equal := valuesEqual(actual, expected, caseSensitive)
		if p.Operator == OpNotEquals {
			return !equal, nil
		}
		return equal, nil

	case OpContains:
		var expected interface{}
		if err := json.Unmarshal(p.Value, &expected); err != nil {
			return false, core.NewValidationf("triggers.evaluateOperator", "bad predicate value: %v", err)
		}
		return containsValue(actual, expected, caseSensitive), nil

	case OpIn, OpNotIn:
		var list []interface{}
		if err := json.Unmarshal(p.Value, &list); err != nil {
			return false, core.NewValidationf("triggers.evaluateOperator", "bad predicate value: %v", err)
		}
		member := false
		for _, candidate := range list {
			if valuesEqual(actual, candidate, caseSensitive) {
				member = true
				break
			}
		}
		if p.Operator == OpNotIn {
			return !member, nil
		}
		return member, nil

	case OpGT, OpGTE, OpLT, OpLTE:
		left, okL := toNumber(actual)
		var expected interface{}
		if err := json.Unmarshal(p.Value, &expected); err != nil {
			return false, core.NewValidationf("triggers.evaluateOperator", "bad predicate value: %v", err)
		}
		right, okR := toNumber(expected)
		// Non-numeric or non-finite operands fail closed.
		if !okL || !okR || math.IsNaN(left) || math.IsInf(left, 0) || math.IsNaN(right) || math.IsInf(right, 0) {
			return false, nil
		}
		switch p.Operator {
		case OpGT:
			return left > right, nil
		case OpGTE:
			return left >= right, nil
		case OpLT:
			return left < right, nil
		default:
			return left <= right, nil
		}

	case OpRegex:
		var pattern string
		if err := json.Unmarshal(p.Value, &pattern); err != nil {
			return false, core.NewValidationf("triggers.evaluateOperator", "regex requires a string pattern")
		}
		str, ok := actual.(string)
		if !ok {
			return false, nil
		}
		re, err := regexp.Compile(applyRegexFlags(pattern, p.Flags))
		if err != nil {
			// Rejected at create time; a stored invalid pattern fails closed.
			return false, nil
		}
		return re.MatchString(str), nil
	}

	return false, core.NewValidationf("triggers.evaluateOperator", "unknown operator %q", p.Operator)
}

// applyRegexFlags translates JS-style flag letters to a Go inline group.
func applyRegexFlags(pattern, flags string) string {
	var inline strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			inline.WriteRune(f)
		}
	}
	if inline.Len() == 0 {
		return pattern
	}
	return "(?" + inline.String() + ")" + pattern
}

func valuesEqual(actual, expected interface{}, caseSensitive bool) bool {
	if !caseSensitive {
		aStr, aOK := actual.(string)
		eStr, eOK := expected.(string)
		if aOK && eOK {
			return strings.EqualFold(aStr, eStr)
		}
	}
	if an, aOK := toNumber(actual); aOK {
		if en, eOK := toNumber(expected); eOK {
			return an == en
		}
	}
	return reflect.DeepEqual(actual, expected)
}

// containsValue handles string containment and array membership.
func containsValue(actual, expected interface{}, caseSensitive bool) bool {
	switch a := actual.(type) {
	case string:
		e, ok := expected.(string)
		if !ok {
			return false
		}
		if caseSensitive {
			return strings.Contains(a, e)
		}
		return strings.Contains(strings.ToLower(a), strings.ToLower(e))
	case []interface{}:
		for _, item := range a {
			if valuesEqual(item, expected, caseSensitive) {
				return true
			}
		}
	}
	return false
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
