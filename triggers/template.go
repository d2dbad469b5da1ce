package triggers

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/store"
)

// templateRef matches `{{ event.payload.x.y }}` style references.
var templateRef = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\[\]-]+)\s*\}\}`)

// templateContext carries the documents template references resolve
// against: the envelope and the trigger's metadata.
type templateContext struct {
	event   map[string]interface{}
	trigger map[string]interface{}
}

func newTemplateContext(ctx context.Context, trigger *store.EventTrigger, event *store.Event) *templateContext {
	var metadata interface{}
	if len(trigger.Metadata) > 0 {
		_ = json.Unmarshal(trigger.Metadata, &metadata)
	}
	metaMap, _ := metadata.(map[string]interface{})
	return &templateContext{
		event: envelopeDocument(event),
		trigger: map[string]interface{}{
			"id":       trigger.ID,
			"name":     trigger.Name,
			"metadata": metaMap,
		},
	}
}

// resolveRef looks up a dotted reference like "event.payload.namespace".
// Returns (nil, false) when any segment is missing or null.
func (tc *templateContext) resolveRef(ref string) (interface{}, bool) {
	segments := strings.Split(ref, ".")
	if len(segments) < 2 {
		return nil, false
	}

	var current interface{}
	switch segments[0] {
	case "event":
		current = tc.event
	case "trigger":
		current = tc.trigger
	default:
		return nil, false
	}

	for _, seg := range segments[1:] {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok || current == nil {
			return nil, false
		}
	}
	return current, true
}

// renderString interpolates every reference in s. A string that is exactly
// one reference keeps the referenced value's type; mixed content renders
// to a string. Unresolved references return an error naming the reference.
func (tc *templateContext) renderString(s string) (interface{}, error) {
	matches := templateRef.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string single reference: preserve the value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		ref := s[matches[0][2]:matches[0][3]]
		value, ok := tc.resolveRef(ref)
		if !ok {
			return nil, fmt.Errorf("unresolved reference %q", ref)
		}
		return value, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		ref := s[m[2]:m[3]]
		value, ok := tc.resolveRef(ref)
		if !ok {
			return nil, fmt.Errorf("unresolved reference %q", ref)
		}
		b.WriteString(stringify(value))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// renderValue walks a decoded template value, interpolating string leaves.
func (tc *templateContext) renderValue(v interface{}) (interface{}, error) {
	switch node := v.(type) {
	case string:
		return tc.renderString(node)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(node))
		for k, child := range node {
			rendered, err := tc.renderValue(child)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(node))
		for i, child := range node {
			rendered, err := tc.renderValue(child)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderParameters evaluates the trigger's parameter template against the
// envelope, producing the concrete JSON parameter object stored on the
// run. Templates are evaluated exactly once, here; downstream readers see
// only concrete values.
func RenderParameters(ctx context.Context, trigger *store.EventTrigger, event *store.Event) (json.RawMessage, error) {
	if len(trigger.ParameterTemplate) == 0 {
		return nil, nil
	}
	var template interface{}
	if err := json.Unmarshal(trigger.ParameterTemplate, &template); err != nil {
		return nil, core.NewValidationf("triggers.RenderParameters", "parameter template is not valid JSON: %v", err)
	}

	tc := newTemplateContext(ctx, trigger, event)
	rendered, err := tc.renderValue(template)
	if err != nil {
		return nil, fmt.Errorf("parameter_resolution_failed: %w", err)
	}
	out, err := json.Marshal(rendered)
	if err != nil {
		return nil, core.NewInternal("triggers.RenderParameters", "marshaling rendered parameters", err)
	}
	return out, nil
}

// renderKeyTemplate renders a one-line string template (run keys and
// idempotency keys).
func renderKeyTemplate(ctx context.Context, template string, trigger *store.EventTrigger, event *store.Event) (string, error) {
	tc := newTemplateContext(ctx, trigger, event)
	rendered, err := tc.renderString(template)
	if err != nil {
		return "", err
	}
	return stringify(rendered), nil
}

// runKeyDisallowed matches characters stripped from run keys.
var runKeyDisallowed = regexp.MustCompile(`[^a-zA-Z0-9._:-]+`)

// deriveRunKey composes the run key: the template when present, otherwise
// a sanitized (trigger name, occurredAt) composite.
func deriveRunKey(ctx context.Context, trigger *store.EventTrigger, event *store.Event) (string, error) {
	if trigger.RunKeyTemplate != "" {
		rendered, err := renderKeyTemplate(ctx, trigger.RunKeyTemplate, trigger, event)
		if err != nil {
			return "", err
		}
		return sanitizeRunKey(rendered), nil
	}
	name := trigger.Name
	if name == "" {
		name = trigger.ID
	}
	composed := fmt.Sprintf("%s:%s", name, event.OccurredAt.UTC().Format("2006-01-02T15:04:05.000Z"))
	return sanitizeRunKey(composed), nil
}

// sanitizeRunKey strips disallowed characters. The normalized (lowercase)
// form lives in its own column; the key itself keeps its case.
func sanitizeRunKey(key string) string {
	cleaned := runKeyDisallowed.ReplaceAllString(strings.TrimSpace(key), "-")
	return strings.Trim(cleaned, "-")
}

// NormalizeRunKey is the lowercase comparison form used for uniqueness.
func NormalizeRunKey(key string) string {
	return core.NormalizeKey(key)
}
