package memctx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"noesis/internal/adapters/config"
	"noesis/internal/domain/reasoning"
	"noesis/pkg/errors"
	"noesis/pkg/logger"
)

// Provider fetches ranked, relevance-scored context snippets for a query.
// All failures are reported as ErrContext; callers degrade to an empty
// context list rather than failing the run.
type Provider interface {
	RelevantContext(ctx context.Context, query string, limit int, minScore float64) ([]reasoning.ContextSnippet, error)
}

// HTTPProvider talks to an external memory/context retrieval service
type HTTPProvider struct {
	cfg    config.ContextProviderConfig
	client *http.Client
	log    *logger.Logger
}

// NewHTTPProvider creates a context provider client
func NewHTTPProvider(cfg config.ContextProviderConfig) *HTTPProvider {
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logger.Get().With("component", "context_provider"),
	}
}

type retrieveRequest struct {
	Query    string  `json:"query"`
	Limit    int     `json:"limit"`
	MinScore float64 `json:"min_score"`
}

type retrieveResponse struct {
	Results []struct {
		Content string  `json:"content"`
		Score   float64 `json:"score"`
		Source  string  `json:"source"`
	} `json:"results"`
}

// RelevantContext fetches the top-K snippets for the query
func (p *HTTPProvider) RelevantContext(ctx context.Context, query string, limit int, minScore float64) ([]reasoning.ContextSnippet, error) {
	if p.cfg.BaseURL == "" {
		return nil, errors.Wrap(errors.ErrContext, "context provider URL not configured")
	}

	body, err := json.Marshal(retrieveRequest{Query: query, Limit: limit, MinScore: minScore})
	if err != nil {
		return nil, errors.Wrap(errors.ErrContext, err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrContext, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(errors.ErrContext, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrContext, err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(errors.ErrContext, "context service returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed retrieveResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, errors.Wrap(errors.ErrContext, err.Error())
	}

	snippets := make([]reasoning.ContextSnippet, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.Score < minScore {
			continue
		}
		snippets = append(snippets, reasoning.ContextSnippet{
			Content: r.Content,
			Score:   r.Score,
			Source:  r.Source,
		})
	}

	return snippets, nil
}
