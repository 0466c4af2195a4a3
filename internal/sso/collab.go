package sso

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RESTUserResolver resolves subjects against a user resource service over
// HTTP. The service is expected to answer GET {base}/users/{subject} with a
// JSON document carrying id, name and optional properties.
type RESTUserResolver struct {
	baseURL    string
	httpClient *http.Client
}

// NewRESTUserResolver creates a resolver for the given service base URL.
// A nil client selects a default with a request timeout.
func NewRESTUserResolver(baseURL string, httpClient *http.Client) *RESTUserResolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &RESTUserResolver{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Resolve fetches the user record for subject. A 404 from the service maps
// to ErrUserNotFound; any other non-2xx status is a transport error.
func (r *RESTUserResolver) Resolve(ctx context.Context, subject string) (*User, error) {
	endpoint := r.baseURL + "/users/" + url.PathEscape(subject)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create user lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user lookup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: subject %q", ErrUserNotFound, subject)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read user lookup response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("user lookup returned %d: %s", resp.StatusCode, string(body))
	}

	var record struct {
		ID         string            `json:"id"`
		Name       string            `json:"name"`
		Properties map[string]string `json:"properties"`
	}
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, fmt.Errorf("decode user record: %w", err)
	}
	if record.ID == "" {
		return nil, fmt.Errorf("%w: subject %q", ErrUserNotFound, subject)
	}

	return &User{
		ID:         record.ID,
		Name:       record.Name,
		Properties: record.Properties,
	}, nil
}

// StaticUserResolver resolves subjects from an in-memory table. Used in
// tests and in deployments without a user service, where the subject is
// taken at face value.
type StaticUserResolver struct {
	Users map[string]*User
}

// Resolve returns the table entry for subject, or a user whose ID is the
// subject itself when no table is configured.
func (r *StaticUserResolver) Resolve(_ context.Context, subject string) (*User, error) {
	if r.Users == nil {
		return &User{ID: subject, Name: subject}, nil
	}
	u, ok := r.Users[subject]
	if !ok {
		return nil, fmt.Errorf("%w: subject %q", ErrUserNotFound, subject)
	}
	copy := *u
	return &copy, nil
}

// LogEvents publishes authentication events to the structured log.
type LogEvents struct {
	Logger *slog.Logger
}

func (e *LogEvents) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *LogEvents) Authenticated(_ context.Context, user *User) {
	e.logger().Info("User authenticated", "user", user.ID)
}

func (e *LogEvents) LoggedOut(_ context.Context, user *User) {
	e.logger().Info("User logged out", "user", user.ID)
}

// WebhookEvents publishes authentication events as JSON POSTs to a webhook
// and mirrors them to the log. Delivery failures are logged and dropped;
// authentication never fails because the webhook is down.
type WebhookEvents struct {
	URL        string
	HTTPClient *http.Client
}

// NewWebhookEvents creates a webhook publisher for url.
func NewWebhookEvents(url string, httpClient *http.Client) *WebhookEvents {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookEvents{URL: url, HTTPClient: httpClient}
}

func (e *WebhookEvents) Authenticated(ctx context.Context, user *User) {
	e.post(ctx, "authenticated", user)
}

func (e *WebhookEvents) LoggedOut(ctx context.Context, user *User) {
	e.post(ctx, "logged_out", user)
}

func (e *WebhookEvents) post(ctx context.Context, event string, user *User) {
	payload, err := json.Marshal(map[string]any{
		"event":     event,
		"user":      user.ID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		slog.Error("Failed to encode event payload", "event", event, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(payload))
	if err != nil {
		slog.Error("Failed to create event request", "event", event, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		slog.Warn("Event delivery failed", "event", event, "user", user.ID, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		slog.Warn("Event delivery rejected", "event", event, "user", user.ID, "status", resp.StatusCode)
	}
}
