package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"banking-agent/internal/domain"
)

const (
	pkSentiment      = "SENTIMENT"
	skPrefixRecord   = "REC#"
	skPrefixAnalysis = "RUN#"
)

func analysisPK(sessionID string) string {
	return "ANALYSIS#" + sessionID
}

// RecordSentiment appends one per-message sentiment result. Records are
// keyed by time with a random suffix so concurrent writes never collide.
func (c *Client) RecordSentiment(ctx context.Context, rec domain.SentimentRecord) error {
	item := map[string]types.AttributeValue{
		"PK":         strVal(pkSentiment),
		"SK":         strVal(skPrefixRecord + rec.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z") + "#" + uuid.NewString()[:8]),
		"sentiment":  strVal(string(rec.Sentiment)),
		"confidence": floatVal(rec.Confidence),
		"scores":     scoresVal(rec.Scores),
		"message":    strVal(rec.Message),
		"timestamp":  timeVal(rec.Timestamp),
		"ttl":        numVal(c.ttlValue()),
	}
	if rec.Error != "" {
		item["error"] = strVal(rec.Error)
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: RecordSentiment: %w", err)
	}
	return nil
}

// RecordAnalysis stores a batch analysis under its session. The headline
// fields are plain attributes for console queries; the full document rides
// along as JSON.
func (c *Client) RecordAnalysis(ctx context.Context, a domain.BatchAnalysis) error {
	if a.SessionID == "" {
		return errors.New("repository: RecordAnalysis: session id is required")
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("repository: RecordAnalysis: marshal: %w", err)
	}

	insights := make([]types.AttributeValue, 0, len(a.Insights))
	for _, s := range a.Insights {
		insights = append(insights, strVal(s))
	}

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":           strVal(analysisPK(a.SessionID)),
			"SK":           strVal(skPrefixAnalysis + a.AnalysisTimestamp.UTC().Format("2006-01-02T15:04:05.000000000Z")),
			"sessionId":    strVal(a.SessionID),
			"sentiment":    strVal(string(a.Sentiment.Overall)),
			"confidence":   floatVal(a.Sentiment.Confidence),
			"trend":        strVal(string(a.UserSentimentTrend.Trend)),
			"messageCount": numVal(a.MessageCount),
			"insights":     &types.AttributeValueMemberL{Value: insights},
			"payload":      strVal(string(payload)),
			"ttl":          numVal(c.ttlValue()),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: RecordAnalysis: %w", err)
	}
	return nil
}

// LatestAnalysis returns the most recent stored analysis of a session.
func (c *Client) LatestAnalysis(ctx context.Context, sessionID string) (domain.BatchAnalysis, bool, error) {
	items, err := c.queryAll(ctx, analysisPK(sessionID), skPrefixAnalysis, true, 1)
	if err != nil {
		return domain.BatchAnalysis{}, false, fmt.Errorf("repository: LatestAnalysis query: %w", err)
	}
	if len(items) == 0 {
		return domain.BatchAnalysis{}, false, nil
	}
	raw, err := strAttr(items[0], "payload")
	if err != nil {
		return domain.BatchAnalysis{}, false, fmt.Errorf("repository: LatestAnalysis: %w", err)
	}
	var a domain.BatchAnalysis
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return domain.BatchAnalysis{}, false, fmt.Errorf("repository: LatestAnalysis decode: %w", err)
	}
	return a, true, nil
}

func scoresVal(scores domain.SentimentScores) types.AttributeValue {
	m := make(map[string]types.AttributeValue, len(scores))
	for label, v := range scores {
		m[string(label)] = floatVal(v)
	}
	return &types.AttributeValueMemberM{Value: m}
}
