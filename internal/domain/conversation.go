package domain

import "time"

// Turn is a single persisted message within a session transcript.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
}

// SessionMetadata stores aggregate session state.
type SessionMetadata struct {
	CreatedAt         time.Time  `json:"created_at"`
	LastActivity      time.Time  `json:"last_activity"`
	MessageCount      int        `json:"message_count"`
	Analyzed          bool       `json:"analyzed"`
	AnalysisTimestamp *time.Time `json:"analysis_timestamp,omitempty"`
}

// Session is the full conversational state for one client-supplied id.
type Session struct {
	ID       string          `json:"session_id"`
	Turns    []Turn          `json:"messages"`
	Metadata SessionMetadata `json:"metadata"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (s Session) Clone() Session {
	out := s
	out.Turns = make([]Turn, len(s.Turns))
	copy(out.Turns, s.Turns)
	if s.Metadata.AnalysisTimestamp != nil {
		ts := *s.Metadata.AnalysisTimestamp
		out.Metadata.AnalysisTimestamp = &ts
	}
	return out
}

// UserContents returns the user turn texts in order.
func (s Session) UserContents() []string {
	var out []string
	for _, t := range s.Turns {
		if t.Role == RoleUser {
			out = append(out, t.Content)
		}
	}
	return out
}
