package portal_client

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/fontyslads/ctf-portal-sub000/go/clients"
)

type PortalClient struct {
	*clients.BaseClient
	token string
}

// NewPortalClient returns a client that authenticates every request with token.
func NewPortalClient(baseURL, token string) *PortalClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := &PortalClient{
		BaseClient: clients.NewBaseClient(strings.TrimRight(baseURL, "/")),
		token:      token,
	}

	if token != "" {
		client.SetBearerToken(token)
	}

	return client
}

// Health checks that the portal answers.
func (c *PortalClient) Health(ctx context.Context) error {
	if _, err := c.Get(ctx, HealthEndpoint); err != nil {
		return fmt.Errorf("portal health check failed: %w", err)
	}
	return nil
}

// GatewayURL builds the websocket address of the team gateway, carrying the
// same credential as the API client.
func (c *PortalClient) GatewayURL(gatewayBase string) (string, error) {
	if gatewayBase == "" {
		gatewayBase = DefaultGatewayURL
	}
	u, err := url.Parse(strings.TrimRight(gatewayBase, "/") + GatewayWSEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid gateway url: %w", err)
	}
	q := u.Query()
	q.Set(TokenQueryParam, c.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
