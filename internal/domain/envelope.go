package domain

// Source tags who produced a response or a persisted turn.
type Source string

const (
	SourceAgent       Source = "agent"
	SourceBedrock     Source = "bedrock"
	SourceCRM         Source = "crm"
	SourceCRMFallback Source = "crm_fallback"
)

// SentimentView is the sentiment block attached to a response envelope.
type SentimentView struct {
	Sentiment  Sentiment       `json:"sentiment"`
	Confidence float64         `json:"confidence"`
	Scores     SentimentScores `json:"scores"`
}

// Envelope is the response contract of one handled turn.
type Envelope struct {
	Source    Source         `json:"source"`
	Message   string         `json:"message"`
	Intent    string         `json:"intent,omitempty"`
	TicketID  string         `json:"ticket_id,omitempty"`
	Sentiment *SentimentView `json:"sentiment_analysis,omitempty"`
}
