// Package audience resolves campaign recipients against the external
// lead-mine service: business name, email, and a stable invite token.
// Reads are idempotent and side-effect free; createMissing only mints a
// token for a business that has never been invited.
package audience

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Member is the resolved recipient record the delivery worker needs.
type Member struct {
	BusinessID   string
	BusinessName string
	Email        string
	InviteToken  string
}

// Resolver looks up one recipient for delivery.
type Resolver interface {
	Resolve(ctx context.Context, businessID string) (Member, error)
}

// GroupLister enumerates the member businesses of an audience group. Members
// may come back without an email or invite token; the materializer decides
// what to do with them.
type GroupLister interface {
	ListGroup(ctx context.Context, groupID string, limit int) ([]Member, error)
}

// HTTPResolver talks to the lead-mine integration API.
type HTTPResolver struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPResolver builds a resolver. baseURL must be a valid absolute URL.
func NewHTTPResolver(baseURL, apiKey string, timeout time.Duration) (*HTTPResolver, error) {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	trimmed := strings.TrimRight(baseURL, "/")
	u, err := url.Parse(trimmed)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("audience base url %q is not an absolute url", baseURL)
	}
	return &HTTPResolver{
		baseURL: trimmed,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type businessRecord struct {
	ID      string  `json:"id"`
	Name    *string `json:"name"`
	Contact struct {
		PrimaryEmail *string `json:"primaryEmail"`
	} `json:"contact"`
	Invite *struct {
		Token string `json:"token"`
	} `json:"invite"`
}

type businessResponse struct {
	Data []businessRecord `json:"data"`
}

// Resolve fetches a business by id, asking the service to mint an invite
// token when none exists yet.
func (r *HTTPResolver) Resolve(ctx context.Context, businessID string) (Member, error) {
	q := url.Values{}
	q.Set("ids", businessID)
	q.Set("createMissing", "1")
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+"/api/integration/businesses?"+q.Encode(), nil)
	if err != nil {
		return Member{}, fmt.Errorf("build audience request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Member{}, fmt.Errorf("audience request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Member{}, fmt.Errorf("audience request failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed businessResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Member{}, fmt.Errorf("decode audience response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return Member{}, fmt.Errorf("business %s not found", businessID)
	}

	b := parsed.Data[0]
	if b.Invite == nil || b.Invite.Token == "" {
		return Member{}, fmt.Errorf("invite token missing for business %s", businessID)
	}
	return toMember(b), nil
}

// ListGroup fetches the businesses belonging to one member group, minting
// invite tokens for any that lack them. Unlike Resolve, a member without a
// token or email is returned as-is rather than rejected.
func (r *HTTPResolver) ListGroup(ctx context.Context, groupID string, limit int) ([]Member, error) {
	if limit < 1 {
		limit = 500
	}
	q := url.Values{}
	q.Set("groupId", groupID)
	q.Set("createMissing", "1")
	q.Set("limit", fmt.Sprintf("%d", limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+"/api/integration/businesses?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build audience request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("audience request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("audience request failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed businessResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode audience response: %w", err)
	}

	members := make([]Member, 0, len(parsed.Data))
	for _, b := range parsed.Data {
		members = append(members, toMember(b))
	}
	return members, nil
}

func toMember(b businessRecord) Member {
	m := Member{
		BusinessID:   b.ID,
		BusinessName: "Valued Customer",
	}
	if b.Name != nil && *b.Name != "" {
		m.BusinessName = *b.Name
	}
	if b.Contact.PrimaryEmail != nil {
		m.Email = *b.Contact.PrimaryEmail
	}
	if b.Invite != nil {
		m.InviteToken = b.Invite.Token
	}
	return m
}
