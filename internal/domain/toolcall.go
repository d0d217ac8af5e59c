package domain

// ToolCall is a structured action request embedded by the completion service
// in its free-text output. Absent argument values are nil.
type ToolCall struct {
	Name      string             `json:"name"`
	Arguments map[string]*string `json:"arguments"`
}

// Arg returns the named argument when it is present and non-null.
func (c ToolCall) Arg(name string) (string, bool) {
	v, ok := c.Arguments[name]
	if !ok || v == nil {
		return "", false
	}
	return *v, true
}
