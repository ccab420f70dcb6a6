package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPProvider sends through a SendGrid-style JSON API.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPProvider builds the provider with a bounded request timeout.
func NewHTTPProvider(endpoint, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type httpSendRequest struct {
	Personalizations []struct {
		To []emailAddress `json:"to"`
	} `json:"personalizations"`
	From    emailAddress  `json:"from"`
	Subject string        `json:"subject"`
	Content []contentPart `json:"content"`
}

type emailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type contentPart struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Send posts the message. Any non-2xx status is a provider error.
func (p *HTTPProvider) Send(ctx context.Context, msg Message) (string, error) {
	body := httpSendRequest{
		From:    parseAddress(msg.From),
		Subject: msg.Subject,
	}
	body.Personalizations = append(body.Personalizations, struct {
		To []emailAddress `json:"to"`
	}{To: []emailAddress{{Email: msg.To}}})
	if msg.Text != "" {
		body.Content = append(body.Content, contentPart{Type: "text/plain", Value: msg.Text})
	}
	body.Content = append(body.Content, contentPart{Type: "text/html", Value: msg.HTML})

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("provider rejected send (%d): %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	msgID := resp.Header.Get("X-Message-Id")
	if msgID == "" {
		msgID = "provider-accepted"
	}
	return msgID, nil
}

// parseAddress splits `Display Name <addr@host>` into its parts; a bare
// address passes through unchanged.
func parseAddress(raw string) emailAddress {
	open := strings.LastIndex(raw, "<")
	end := strings.LastIndex(raw, ">")
	if open >= 0 && end > open {
		return emailAddress{
			Name:  strings.TrimSpace(raw[:open]),
			Email: strings.TrimSpace(raw[open+1 : end]),
		}
	}
	return emailAddress{Email: strings.TrimSpace(raw)}
}
