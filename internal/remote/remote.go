// Package remote lists and fetches sessions from the hosted session API.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/Zuo-Peng/ccsearch/internal/parse"
)

const (
	apiVersion     = "2023-06-01"
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

// Client talks to {base}/v1/sessions.
type Client struct {
	baseURL    string
	token      string
	org        string
	httpClient *http.Client
}

// NewClient creates a client. A nil httpClient gets one with a 30s timeout.
func NewClient(baseURL, token, org string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		org:        org,
		httpClient: httpClient,
	}
}

// SessionInfo is one entry of the session listing.
type SessionInfo struct {
	ID               string `json:"id"`
	SessionID        string `json:"session_id"`
	Title            string `json:"title"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
	MessageCount     int    `json:"message_count"`
	ProjectDirectory string `json:"project_directory"`
}

func (s SessionInfo) key() string {
	if s.ID != "" {
		return s.ID
	}
	return s.SessionID
}

// StatusError is a non-2xx response.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.Status, e.Body)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("anthropic-version", apiVersion)
	if c.org != "" {
		req.Header.Set("x-organization-uuid", c.org)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{URL: u, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	return body, nil
}

// Sessions returns the session listing.
func (c *Client) Sessions(ctx context.Context) ([]SessionInfo, error) {
	body, err := c.get(ctx, "/v1/sessions")
	if err != nil {
		return nil, err
	}
	var payload struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return payload.Sessions, nil
}

// Messages returns a session's raw event records, in order. The body is
// either {"messages": [...]} or a bare array.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]json.RawMessage, error) {
	body, err := c.get(ctx, "/v1/sessions/"+url.PathEscape(sessionID)+"/messages")
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)

	var records []json.RawMessage
	if len(body) > 0 && body[0] == '[' {
		err = json.Unmarshal(body, &records)
	} else {
		var payload struct {
			Messages []json.RawMessage `json:"messages"`
		}
		err = json.Unmarshal(body, &payload)
		records = payload.Messages
	}
	if err != nil {
		return nil, fmt.Errorf("decode messages of %s: %w", sessionID, err)
	}
	return records, nil
}

// Source is the index.Source over the session API.
type Source struct {
	client *Client
}

func NewSource(c *Client) *Source {
	return &Source{client: c}
}

func (s *Source) Origin() string { return parse.SourceRemote }

// List returns the listed sessions fingerprinted by their update time.
// Entries without an identifier are skipped.
func (s *Source) List(ctx context.Context) ([]parse.Session, error) {
	infos, err := s.client.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]parse.Session, 0, len(infos))
	for _, info := range infos {
		id := info.key()
		if id == "" {
			log.Warn().Str("title", info.Title).Msg("remote session without id")
			continue
		}
		out = append(out, parse.Session{
			ID:          id,
			Source:      parse.SourceRemote,
			Path:        s.client.baseURL + "/v1/sessions/" + url.PathEscape(id),
			ProjectDir:  info.ProjectDirectory,
			Fingerprint: info.UpdatedAt,
		})
	}
	return out, nil
}

// Open fetches the session's records and serves them as a JSONL stream, one
// compact record per line, so they go through the same parser as local logs.
func (s *Source) Open(ctx context.Context, sess parse.Session) (io.ReadCloser, error) {
	records, err := s.client.Messages(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, r := range records {
		// goccy's Compact folds the destination's existing bytes into its
		// output, so each record gets a fresh buffer.
		var line bytes.Buffer
		if err := json.Compact(&line, r); err != nil {
			return nil, fmt.Errorf("compact record of %s: %w", sess.ID, err)
		}
		buf.Write(line.Bytes())
		buf.WriteByte('\n')
	}
	return io.NopCloser(&buf), nil
}
