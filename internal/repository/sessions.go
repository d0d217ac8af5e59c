package repository

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"banking-agent/internal/domain"
)

const (
	skPrefixSession = "SESSION#"
	// maxTxItems is the TransactWriteItems limit.
	maxTxItems = 100
)

// SessionStore persists memory store snapshots, one item per session under
// a shared namespace partition. It satisfies memory.Persister.
type SessionStore struct {
	c  *Client
	pk string
}

// Sessions returns the session store for a namespace.
func (c *Client) Sessions(namespace string) *SessionStore {
	if namespace == "" {
		namespace = "default"
	}
	return &SessionStore{c: c, pk: "MEMORY#" + namespace}
}

func sessionSK(id string) string {
	return skPrefixSession + id
}

// Load reads every session of the namespace.
func (s *SessionStore) Load(ctx context.Context) ([]domain.Session, error) {
	items, err := s.c.queryAll(ctx, s.pk, skPrefixSession, false, 0)
	if err != nil {
		return nil, fmt.Errorf("repository: load sessions: %w", err)
	}
	sessions := make([]domain.Session, 0, len(items))
	for _, item := range items {
		sess, err := itemToSession(item)
		if err != nil {
			return nil, fmt.Errorf("repository: load sessions: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Save writes the upserted session and deletes evicted ones. A single write
// uses PutItem; anything larger goes through transactions so each one
// replaces its items atomically.
func (s *SessionStore) Save(ctx context.Context, upsert *domain.Session, evicted []string) error {
	var writes []types.TransactWriteItem
	if upsert != nil {
		writes = append(writes, types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(s.c.tableName),
			Item:      s.sessionItem(*upsert),
		}})
	}
	for _, id := range evicted {
		writes = append(writes, types.TransactWriteItem{Delete: &types.Delete{
			TableName: aws.String(s.c.tableName),
			Key: map[string]types.AttributeValue{
				"PK": strVal(s.pk),
				"SK": strVal(sessionSK(id)),
			},
		}})
	}

	switch {
	case len(writes) == 0:
		return nil
	case len(writes) == 1 && upsert != nil:
		_, err := s.c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.c.tableName),
			Item:      writes[0].Put.Item,
		})
		if err != nil {
			return fmt.Errorf("repository: save session %q: %w", upsert.ID, err)
		}
		return nil
	}

	for start := 0; start < len(writes); start += maxTxItems {
		end := min(start+maxTxItems, len(writes))
		_, err := s.c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: writes[start:end],
		})
		if err != nil {
			return fmt.Errorf("repository: save sessions: %w", err)
		}
	}
	return nil
}

func (s *SessionStore) sessionItem(sess domain.Session) map[string]types.AttributeValue {
	turns := make([]types.AttributeValue, 0, len(sess.Turns))
	for _, t := range sess.Turns {
		turns = append(turns, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"role":      strVal(string(t.Role)),
			"content":   strVal(t.Content),
			"timestamp": timeVal(t.Timestamp),
			"source":    strVal(string(t.Source)),
		}})
	}

	item := map[string]types.AttributeValue{
		"PK":           strVal(s.pk),
		"SK":           strVal(sessionSK(sess.ID)),
		"sessionId":    strVal(sess.ID),
		"createdAt":    timeVal(sess.Metadata.CreatedAt),
		"lastActivity": timeVal(sess.Metadata.LastActivity),
		"messageCount": numVal(sess.Metadata.MessageCount),
		"analyzed":     &types.AttributeValueMemberBOOL{Value: sess.Metadata.Analyzed},
		"turns":        &types.AttributeValueMemberL{Value: turns},
		"ttl":          numVal(s.c.ttlValue()),
	}
	if ts := sess.Metadata.AnalysisTimestamp; ts != nil {
		item["analysisTimestamp"] = timeVal(*ts)
	}
	return item
}

func itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	id, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.Session{}, err
	}
	created, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Session{}, err
	}
	last, err := timeAttr(item, "lastActivity")
	if err != nil {
		return domain.Session{}, err
	}
	count, err := intAttr(item, "messageCount")
	if err != nil {
		return domain.Session{}, err
	}

	sess := domain.Session{
		ID: id,
		Metadata: domain.SessionMetadata{
			CreatedAt:    created,
			LastActivity: last,
			MessageCount: count,
			Analyzed:     boolAttr(item, "analyzed"),
		},
	}
	if _, ok := item["analysisTimestamp"]; ok {
		ts, err := timeAttr(item, "analysisTimestamp")
		if err != nil {
			return domain.Session{}, err
		}
		sess.Metadata.AnalysisTimestamp = &ts
	}

	list, ok := item["turns"].(*types.AttributeValueMemberL)
	if !ok {
		return sess, nil
	}
	for i, v := range list.Value {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			return domain.Session{}, fmt.Errorf("repository: session %q turn %d is not a map", id, i)
		}
		turn, err := itemToTurn(m.Value)
		if err != nil {
			return domain.Session{}, fmt.Errorf("repository: session %q turn %d: %w", id, i, err)
		}
		sess.Turns = append(sess.Turns, turn)
	}
	return sess, nil
}

func itemToTurn(m map[string]types.AttributeValue) (domain.Turn, error) {
	role, err := strAttr(m, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	content, err := strAttr(m, "content")
	if err != nil {
		return domain.Turn{}, err
	}
	ts, err := timeAttr(m, "timestamp")
	if err != nil {
		return domain.Turn{}, err
	}
	source, _ := strAttr(m, "source") // allow empty
	return domain.Turn{
		Role:      domain.Role(role),
		Content:   content,
		Timestamp: ts,
		Source:    domain.Source(source),
	}, nil
}
