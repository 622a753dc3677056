package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// HTTPClient talks to the profile and template services over JSON/HTTP.
// Base URLs are injected from config so tests can point to a local server.
type HTTPClient struct {
	profileURL  string
	templateURL string
	httpClient  *http.Client
}

func NewHTTPClient(profileURL, templateURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		profileURL:  strings.TrimRight(profileURL, "/"),
		templateURL: strings.TrimRight(templateURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetProfile fetches GET {profile}/api/v1/users/{id}.
func (c *HTTPClient) GetProfile(ctx context.Context, recipientID string) (*domain.Profile, error) {
	var p domain.Profile
	if err := c.getJSON(ctx, c.profileURL+"/api/v1/users/"+url.PathEscape(recipientID), &p); err != nil {
		return nil, fmt.Errorf("get profile %s: %w", recipientID, err)
	}
	if p.ID == "" {
		p.ID = recipientID
	}
	return &p, nil
}

// GetTemplate fetches GET {template}/api/v1/templates/{slug}.
func (c *HTTPClient) GetTemplate(ctx context.Context, slug string) (*domain.Template, error) {
	var t domain.Template
	if err := c.getJSON(ctx, c.templateURL+"/api/v1/templates/"+url.PathEscape(slug), &t); err != nil {
		return nil, fmt.Errorf("get template %s: %w", slug, err)
	}
	if t.Slug == "" {
		t.Slug = slug
	}
	return &t, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return domain.ErrNotFound
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// a 200 that does not decode will not decode on redelivery either
		return fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	return nil
}

// compile-time checks that HTTPClient implements both collaborators
var (
	_ ProfileProvider  = (*HTTPClient)(nil)
	_ TemplateProvider = (*HTTPClient)(nil)
)
