package purview

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// TokenSource acquires bearer tokens for external catalog calls. When a user
// token is supplied the source attempts to exchange it for a token carrying
// the acting user's permissions, falling back to the service credential.
type TokenSource interface {
	Token(ctx context.Context, tenantId, userToken string) (string, error)
}

// ClientCredentialTokenSource implements the standard client-credentials
// grant against a per-tenant authority, with an on-behalf-of exchange when a
// user token is present.
type ClientCredentialTokenSource struct {
	AuthorityBase string // e.g. https://login.microsoftonline.com
	ClientId      string
	ClientSecret  string
	Scope         string
}

func (t *ClientCredentialTokenSource) Token(ctx context.Context, tenantId, userToken string) (string, error) {
	if userToken != "" {
		token, err := t.acquire(ctx, tenantId, url.Values{
			"grant_type":          {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
			"client_id":           {t.ClientId},
			"client_secret":       {t.ClientSecret},
			"assertion":           {userToken},
			"scope":               {t.Scope},
			"requested_token_use": {"on_behalf_of"},
		})
		if err == nil {
			return token, nil
		}
		slog.Warn("on-behalf-of token exchange failed, falling back to client credentials",
			"tenant_id", tenantId, "error", err)
	}

	return t.acquire(ctx, tenantId, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {t.ClientId},
		"client_secret": {t.ClientSecret},
		"scope":         {t.Scope},
	})
}

func (t *ClientCredentialTokenSource) acquire(ctx context.Context, tenantId string, form url.Values) (string, error) {
	endpoint, err := url.JoinPath(t.AuthorityBase, tenantId, "oauth2/v2.0/token")
	if err != nil {
		return "", fmt.Errorf("error formatting token endpoint for tenant %v: %w", tenantId, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("error creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending token request for tenant %v: %w", tenantId, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(res.Body)
		return "", fmt.Errorf("token endpoint for tenant %v returned status %d: %v", tenantId, res.StatusCode, string(data))
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("error parsing token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token endpoint for tenant %v returned an empty access token", tenantId)
	}

	return body.AccessToken, nil
}

// StaticTokenSource returns a fixed token. Used in tests and local setups.
type StaticTokenSource string

func (t StaticTokenSource) Token(ctx context.Context, tenantId, userToken string) (string, error) {
	return string(t), nil
}
