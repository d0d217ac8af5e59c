package sentiment

import (
	"fmt"
	"strings"

	"banking-agent/internal/domain"
)

const strongConfidence = 0.8

var urgentKeywords = []string{"urgente", "problema", "error", "queja", "reclamo", "emergencia"}

// ClassifyTrend counts label changes between consecutive user turns.
func ClassifyTrend(seq []domain.Sentiment) domain.SentimentTrend {
	changes := 0
	for i := 1; i < len(seq); i++ {
		if seq[i] != seq[i-1] {
			changes++
		}
	}

	trend := domain.TrendHighlyVariable
	switch {
	case changes == 0:
		trend = domain.TrendStable
	case float64(changes) <= float64(len(seq))*0.3:
		trend = domain.TrendSlightlyVariable
	}

	return domain.SentimentTrend{
		Trend:            trend,
		SentimentChanges: changes,
		TotalMessages:    len(seq),
		Sequence:         seq,
	}
}

// Insights derives follow-up hints from a batch analysis.
func Insights(overall domain.SentimentResult, entities []domain.Entity, keyPhrases []domain.KeyPhrase) []string {
	insights := []string{}

	confidence := overall.Confidence()
	switch {
	case overall.Sentiment == domain.SentimentNegative && confidence > strongConfidence:
		insights = append(insights, "High negative sentiment detected - consider immediate follow-up")
	case overall.Sentiment == domain.SentimentPositive && confidence > strongConfidence:
		insights = append(insights, "Very positive interaction - good customer experience")
	}

	persons := 0
	for _, e := range entities {
		if e.Type == "PERSON" {
			persons++
		}
	}
	if persons > 0 {
		insights = append(insights, fmt.Sprintf("Customer mentioned %d person(s) - potential family/business context", persons))
	}

	for _, kp := range keyPhrases {
		if containsAny(strings.ToLower(kp.Text), urgentKeywords) {
			insights = append(insights, "Urgent keywords detected - prioritize this conversation")
			break
		}
	}
	return insights
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
