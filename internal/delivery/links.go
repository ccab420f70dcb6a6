package delivery

import (
	"fmt"
	"net/url"
	"strings"
)

// LinkBuilder turns an invite token into the absolute tracking URL embedded
// in every campaign email. A malformed base configuration is an error at
// construction time, never a silently broken link in a sent message.
type LinkBuilder struct {
	base *url.URL
}

// NewLinkBuilder validates the base URL once up front.
func NewLinkBuilder(base string) (*LinkBuilder, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse link base %q: %w", base, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("link base %q is not an absolute url", base)
	}
	return &LinkBuilder{base: u}, nil
}

// Build returns the tracking link for one invite token.
func (b *LinkBuilder) Build(inviteToken string) (string, error) {
	if inviteToken == "" {
		return "", fmt.Errorf("empty invite token")
	}
	u := *b.base
	q := u.Query()
	q.Set("eid", "biz_"+inviteToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
