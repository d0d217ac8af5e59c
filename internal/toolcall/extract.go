// Package toolcall parses the inline tool-call block the completion service
// embeds in its free-text output.
package toolcall

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"banking-agent/internal/domain"
)

const (
	OpenTag  = "<tool_calls>"
	CloseTag = "</tool_calls>"
)

var blockPattern = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(OpenTag) + `(.*?)` + regexp.QuoteMeta(CloseTag))

// Repair is a deterministic transform applied to a payload that failed strict
// parsing.
type Repair struct {
	Name  string
	Apply func(string) string
}

// Repairs is the complete set of transforms tried during the single repair
// pass. Keep it short; every entry needs its own test.
var Repairs = []Repair{
	{Name: "python_none_literal", Apply: replaceBareNone},
}

// replaceBareNone rewrites the Python literal None to null wherever it stands
// as a bare token. String contents are copied untouched.
func replaceBareNone(s string) string {
	const none = "None"
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inString:
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
		case c == '"':
			inString = true
		case strings.HasPrefix(s[i:], none) &&
			(i == 0 || !isIdentByte(s[i-1])) &&
			(i+len(none) == len(s) || !isIdentByte(s[i+len(none)])):
			b.WriteString("null")
			i += len(none) - 1
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

type rawCall struct {
	Name      string                     `json:"name"`
	Arguments map[string]json.RawMessage `json:"arguments"`
}

// Extract returns the tool calls found in the first tool-call block of text.
// It never fails: a missing or unparseable block yields no calls.
func Extract(text string) []domain.ToolCall {
	payload, ok := Block(text)
	if !ok {
		return nil
	}
	calls, err := parse(payload)
	if err == nil {
		return calls
	}
	calls, err = parse(repair(payload))
	if err != nil {
		return nil
	}
	return calls
}

// Block returns the payload of the first tool-call block in text.
func Block(text string) (string, bool) {
	m := blockPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// Strip removes every tool-call block from text.
func Strip(text string) string {
	return strings.TrimSpace(blockPattern.ReplaceAllString(text, ""))
}

func repair(payload string) string {
	for _, r := range Repairs {
		payload = r.Apply(payload)
	}
	return payload
}

func parse(payload string) ([]domain.ToolCall, error) {
	var raw []rawCall
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("toolcall: decode payload: %w", err)
	}
	calls := make([]domain.ToolCall, 0, len(raw))
	for i, rc := range raw {
		name := strings.TrimSpace(rc.Name)
		if name == "" {
			return nil, fmt.Errorf("toolcall: call %d has no name", i)
		}
		args := make(map[string]*string, len(rc.Arguments))
		for k, v := range rc.Arguments {
			args[k] = argValue(v)
		}
		calls = append(calls, domain.ToolCall{Name: name, Arguments: args})
	}
	return calls, nil
}

// argValue flattens a JSON argument to a string. Null becomes absent; numbers
// and booleans keep their literal text.
func argValue(v json.RawMessage) *string {
	trimmed := strings.TrimSpace(string(v))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return &s
	}
	if unq, err := strconv.Unquote(trimmed); err == nil {
		return &unq
	}
	return &trimmed
}
