package adapters

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Speaker markers used in flattened chat text. User turns carry no marker.
const (
	MarkerSystem    = "[System]: "
	MarkerAssistant = "[Assistant]: "
	MarkerTool      = "[Tool]: "
)

// turn is one chat message reduced to role and plain text.
type turn struct {
	role string
	text string
}

// flattenTurns joins turns in order with "\n". System turns are also
// collected into the returned system prompt. Returns nil text when no
// turn carried any content.
func flattenTurns(turns []turn) (*string, string) {
	var lines, system []string
	for _, t := range turns {
		if t.text == "" {
			continue
		}
		switch strings.ToLower(t.role) {
		case "system", "developer":
			system = append(system, t.text)
			lines = append(lines, MarkerSystem+t.text)
		case "assistant", "model":
			lines = append(lines, MarkerAssistant+t.text)
		case "tool", "function":
			lines = append(lines, MarkerTool+t.text)
		default:
			lines = append(lines, t.text)
		}
	}
	if len(lines) == 0 {
		return nil, strings.Join(system, "\n")
	}
	text := strings.Join(lines, "\n")
	return &text, strings.Join(system, "\n")
}

// contentText extracts plain text from a message content value: a string,
// an array of parts with "text" fields, or a single part object.
func contentText(content gjson.Result) string {
	switch {
	case content.Type == gjson.String:
		return content.String()
	case content.IsArray():
		var parts []string
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Type == gjson.String {
				parts = append(parts, part.String())
				return true
			}
			if text := part.Get("text"); text.Exists() {
				parts = append(parts, text.String())
			} else if inner := part.Get("content"); inner.Exists() {
				// Anthropic tool_result blocks nest their own content.
				if s := contentText(inner); s != "" {
					parts = append(parts, s)
				}
			}
			return true
		})
		return strings.Join(parts, "\n")
	case content.IsObject():
		return content.Get("text").String()
	default:
		return ""
	}
}

// stringOrList returns a single string field, or a list of strings joined by "\n".
func stringOrList(v gjson.Result) *string {
	if !v.Exists() {
		return nil
	}
	var s string
	switch {
	case v.Type == gjson.String:
		s = v.String()
	case v.IsArray():
		var items []string
		v.ForEach(func(_, item gjson.Result) bool {
			if item.Type == gjson.String {
				items = append(items, item.String())
			}
			return true
		})
		if len(items) == 0 {
			return nil
		}
		s = strings.Join(items, "\n")
	default:
		return nil
	}
	return &s
}

// pickParams copies the listed top-level keys of a JSON object into a map.
func pickParams(obj gjson.Result, keys ...string) map[string]any {
	params := make(map[string]any, len(keys))
	for _, k := range keys {
		if v := obj.Get(k); v.Exists() {
			params[k] = v.Value()
		}
	}
	return params
}

// optionalInt returns a pointer to v's integer value, or nil when v is absent.
func optionalInt(v gjson.Result) *int {
	if !v.Exists() || v.Type != gjson.Number {
		return nil
	}
	n := int(v.Int())
	return &n
}

// parseObject validates body as a JSON object.
func parseObject(body []byte) (gjson.Result, bool) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return gjson.Result{}, false
	}
	obj := gjson.ParseBytes(body)
	return obj, obj.IsObject()
}
