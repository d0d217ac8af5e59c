// Package crm files account-opening cases with the CRM over HTTP. When the
// CRM is unreachable it mints a local mock case id so the conversation can
// continue.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"banking-agent/internal/domain"
)

const (
	defaultTimeout = 10 * time.Second
	casesPath      = "/cases"
	mockPrefix     = "MOCK-"
)

type caseResponse struct {
	ID     string `json:"id"`
	CaseID string `json:"case_id"`
}

type Client struct {
	http   *resty.Client
	logger *slog.Logger
	newID  func() string
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.SetTimeout(d)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Client posting to baseURL. An empty baseURL is allowed; every
// case is then degraded to a mock id.
func New(baseURL string, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json").
			SetTimeout(defaultTimeout),
		logger: slog.Default(),
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateCase posts the flat field map and returns the CRM's case id. It does
// not fail: any transport or protocol error yields a degraded mock case.
func (c *Client) CreateCase(ctx context.Context, fields map[string]string) domain.Case {
	id, err := c.post(ctx, fields)
	if err == nil {
		return domain.Case{ID: id}
	}
	mock := mockPrefix + strings.ToUpper(c.newID()[:8])
	c.logger.Warn("crm: create case failed, using mock id",
		"err", err,
		"mock_id", mock,
		"session_id", fields["session_id"],
	)
	return domain.Case{ID: mock, Degraded: true}
}

func (c *Client) post(ctx context.Context, fields map[string]string) (string, error) {
	if c.http.BaseURL == "" {
		return "", errors.New("crm: base url not configured")
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(fields).
		Post(casesPath)
	if err != nil {
		return "", fmt.Errorf("crm: request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("crm: unexpected status %d: %s", resp.StatusCode(), truncate(resp.String(), 512))
	}

	var cr caseResponse
	if err := json.Unmarshal(resp.Body(), &cr); err != nil {
		return "", fmt.Errorf("crm: decode response: %w", err)
	}
	id := strings.TrimSpace(cr.ID)
	if id == "" {
		id = strings.TrimSpace(cr.CaseID)
	}
	if id == "" {
		return "", errors.New("crm: response has no case id")
	}
	return id, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
