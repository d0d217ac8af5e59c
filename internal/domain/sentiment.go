package domain

import "time"

// Sentiment is a label from the text analytics service's closed set.
type Sentiment string

const (
	SentimentPositive Sentiment = "POSITIVE"
	SentimentNegative Sentiment = "NEGATIVE"
	SentimentNeutral  Sentiment = "NEUTRAL"
	SentimentMixed    Sentiment = "MIXED"
)

// Sentiments lists every label in a stable order.
var Sentiments = []Sentiment{SentimentPositive, SentimentNegative, SentimentNeutral, SentimentMixed}

// SentimentScores maps each label to its probability.
type SentimentScores map[Sentiment]float64

// SentimentResult is the raw outcome of one sentiment detection.
type SentimentResult struct {
	Sentiment Sentiment
	Scores    SentimentScores
}

// Confidence is the probability assigned to the detected label.
func (r SentimentResult) Confidence() float64 {
	return r.Scores[r.Sentiment]
}

// SentimentRecord is one entry of the sentiment history.
type SentimentRecord struct {
	Sentiment  Sentiment       `json:"sentiment"`
	Confidence float64         `json:"confidence"`
	Scores     SentimentScores `json:"scores"`
	Timestamp  time.Time       `json:"timestamp"`
	Message    string          `json:"message"`
	Error      string          `json:"error,omitempty"`
}

// Entity is a named entity detected in a transcript.
type Entity struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// KeyPhrase is a key phrase detected in a transcript.
type KeyPhrase struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Trend classifies how often the user's sentiment changed across turns.
type Trend string

const (
	TrendStable           Trend = "stable"
	TrendSlightlyVariable Trend = "slightly_variable"
	TrendHighlyVariable   Trend = "highly_variable"
)

// SentimentTrend summarizes per-turn user sentiment.
type SentimentTrend struct {
	Trend            Trend       `json:"trend"`
	SentimentChanges int         `json:"sentiment_changes"`
	TotalMessages    int         `json:"total_messages"`
	Sequence         []Sentiment `json:"sentiment_sequence"`
}

// OverallSentiment is the sentiment of a whole transcript.
type OverallSentiment struct {
	Overall    Sentiment       `json:"overall"`
	Confidence float64         `json:"confidence"`
	Scores     SentimentScores `json:"scores"`
}

// BatchAnalysis is the result of analysing a full session transcript.
type BatchAnalysis struct {
	SessionID          string           `json:"session_id"`
	AnalysisTimestamp  time.Time        `json:"analysis_timestamp"`
	MessageCount       int              `json:"message_count"`
	UserMessageCount   int              `json:"user_message_count"`
	ConversationLength int              `json:"conversation_length"`
	Sentiment          OverallSentiment `json:"sentiment"`
	Entities           []Entity         `json:"entities"`
	KeyPhrases         []KeyPhrase      `json:"key_phrases"`
	UserSentimentTrend SentimentTrend   `json:"user_sentiment_trend"`
	Insights           []string         `json:"conversation_insights"`
}

// SentimentSummary aggregates the sentiment history.
type SentimentSummary struct {
	TotalAnalyses     int               `json:"total_analyses"`
	Distribution      map[Sentiment]int `json:"sentiment_distribution,omitempty"`
	AverageConfidence float64           `json:"average_confidence,omitempty"`
	Recent            []SentimentRecord `json:"recent_analyses,omitempty"`
}
