// Package homeassistant is a small Home Assistant REST client backing
// the ha_get_state and ha_call_service tools.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/nugget/chatty/internal/httpkit"
)

// ErrNotFound is returned for unknown entities.
var ErrNotFound = errors.New("entity not found")

var (
	entityIDPattern = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)
	slugPattern     = regexp.MustCompile(`^[a-z0-9_]+$`)
)

// Client talks to one Home Assistant instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client. LAN hosts occasionally refuse the first
// dial, so connection failures are retried.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// State is an entity's current state.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
}

// FriendlyName returns the friendly_name attribute, or the entity id.
func (s State) FriendlyName() string {
	if name, ok := s.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	return s.EntityID
}

// Domain is the entity id prefix, such as "light".
func (s State) Domain() string {
	domain, _, _ := strings.Cut(s.EntityID, ".")
	return domain
}

// Ping checks that the API answers.
func (c *Client) Ping(ctx context.Context) error {
	var status struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/", nil, &status); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status: %s", status.Message)
	}
	return nil
}

// GetState returns one entity's state.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	if !entityIDPattern.MatchString(entityID) {
		return nil, fmt.Errorf("invalid entity id %q", entityID)
	}
	var st State
	if err := c.do(ctx, http.MethodGet, "/api/states/"+entityID, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// States returns every entity, optionally limited to one domain, sorted
// by entity id.
func (c *Client) States(ctx context.Context, domain string) ([]State, error) {
	var all []State
	if err := c.do(ctx, http.MethodGet, "/api/states", nil, &all); err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if domain == "" || s.Domain() == domain {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b State) int { return strings.Compare(a.EntityID, b.EntityID) })
	return out, nil
}

// CallService invokes domain.service and returns the states it changed.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) ([]State, error) {
	if !slugPattern.MatchString(domain) || !slugPattern.MatchString(service) {
		return nil, fmt.Errorf("invalid service %s.%s", domain, service)
	}
	var changed []State
	if err := c.do(ctx, http.MethodPost, "/api/services/"+domain+"/"+service, data, &changed); err != nil {
		return nil, err
	}
	return changed, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, strings.TrimPrefix(path, "/api/states/"))
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
