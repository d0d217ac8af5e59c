// Package comprehend adapts Amazon Comprehend to the sentiment adapter's
// text analytics contract.
package comprehend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/comprehend"
	"github.com/aws/aws-sdk-go-v2/service/comprehend/types"

	"banking-agent/internal/domain"
)

// MaxTextBytes is the largest document Comprehend accepts for the
// synchronous detect operations.
const MaxTextBytes = 5000

// comprehendAPI is the minimal Comprehend surface used by Client.
// *comprehend.Client satisfies it.
type comprehendAPI interface {
	DetectSentiment(ctx context.Context, in *comprehend.DetectSentimentInput, optFns ...func(*comprehend.Options)) (*comprehend.DetectSentimentOutput, error)
	DetectEntities(ctx context.Context, in *comprehend.DetectEntitiesInput, optFns ...func(*comprehend.Options)) (*comprehend.DetectEntitiesOutput, error)
	DetectKeyPhrases(ctx context.Context, in *comprehend.DetectKeyPhrasesInput, optFns ...func(*comprehend.Options)) (*comprehend.DetectKeyPhrasesOutput, error)
}

type Client struct {
	api      comprehendAPI
	language types.LanguageCode
}

// New creates a Client analysing text in the given language ("es" when
// empty).
func New(api comprehendAPI, language string) (*Client, error) {
	if api == nil {
		return nil, errors.New("comprehend: api must not be nil")
	}
	language = strings.TrimSpace(language)
	if language == "" {
		language = string(types.LanguageCodeEs)
	}
	return &Client{api: api, language: types.LanguageCode(language)}, nil
}

func (c *Client) DetectSentiment(ctx context.Context, text string) (domain.SentimentResult, error) {
	out, err := c.api.DetectSentiment(ctx, &comprehend.DetectSentimentInput{
		Text:         aws.String(Truncate(text)),
		LanguageCode: c.language,
	})
	if err != nil {
		return domain.SentimentResult{}, fmt.Errorf("comprehend: detect sentiment: %w", err)
	}
	if out == nil || out.Sentiment == "" {
		return domain.SentimentResult{}, errors.New("comprehend: empty sentiment response")
	}

	scores := domain.SentimentScores{}
	if s := out.SentimentScore; s != nil {
		scores[domain.SentimentPositive] = f32(s.Positive)
		scores[domain.SentimentNegative] = f32(s.Negative)
		scores[domain.SentimentNeutral] = f32(s.Neutral)
		scores[domain.SentimentMixed] = f32(s.Mixed)
	}
	return domain.SentimentResult{Sentiment: domain.Sentiment(out.Sentiment), Scores: scores}, nil
}

func (c *Client) DetectEntities(ctx context.Context, text string) ([]domain.Entity, error) {
	out, err := c.api.DetectEntities(ctx, &comprehend.DetectEntitiesInput{
		Text:         aws.String(Truncate(text)),
		LanguageCode: c.language,
	})
	if err != nil {
		return nil, fmt.Errorf("comprehend: detect entities: %w", err)
	}
	if out == nil {
		return nil, nil
	}
	entities := make([]domain.Entity, 0, len(out.Entities))
	for _, e := range out.Entities {
		entities = append(entities, domain.Entity{
			Text:       aws.ToString(e.Text),
			Type:       string(e.Type),
			Confidence: f32(e.Score),
		})
	}
	return entities, nil
}

func (c *Client) DetectKeyPhrases(ctx context.Context, text string) ([]domain.KeyPhrase, error) {
	out, err := c.api.DetectKeyPhrases(ctx, &comprehend.DetectKeyPhrasesInput{
		Text:         aws.String(Truncate(text)),
		LanguageCode: c.language,
	})
	if err != nil {
		return nil, fmt.Errorf("comprehend: detect key phrases: %w", err)
	}
	if out == nil {
		return nil, nil
	}
	phrases := make([]domain.KeyPhrase, 0, len(out.KeyPhrases))
	for _, p := range out.KeyPhrases {
		phrases = append(phrases, domain.KeyPhrase{
			Text:       aws.ToString(p.Text),
			Confidence: f32(p.Score),
		})
	}
	return phrases, nil
}

// Truncate cuts text to at most MaxTextBytes without splitting a rune.
func Truncate(text string) string {
	if len(text) <= MaxTextBytes {
		return text
	}
	cut := MaxTextBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func f32(p *float32) float64 {
	if p == nil {
		return 0
	}
	return float64(*p)
}
