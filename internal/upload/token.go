package upload

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/zulandar/signalbox/internal/platform"
)

// fetchToken exchanges the app credentials for a short-lived access token.
// A new token is requested for every attempt; nothing is cached.
func (m *Manager) fetchToken(ctx context.Context) (string, error) {
	if m.clientID == "" {
		return "", platform.Missing("platform.client_id")
	}
	if m.clientSecret == "" {
		return "", platform.Missing("platform.client_secret")
	}

	cfg := clientcredentials.Config{
		ClientID:     m.clientID,
		ClientSecret: m.clientSecret,
		TokenURL:     m.baseURL + "/oauth/access_token",
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client.HTTPClient())

	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", classifyTokenError(ctx, cfg.TokenURL, err)
	}
	if tok.AccessToken == "" {
		return "", &platform.ProtocolError{Op: "fetch access token", Reason: "response has no access_token"}
	}
	return tok.AccessToken, nil
}

// classifyTokenError maps oauth2 failures onto the platform error kinds.
// Rejected credentials are a configuration problem, not a remote one.
func classifyTokenError(ctx context.Context, tokenURL string, err error) error {
	op := "POST " + tokenURL

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		switch status {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return &platform.ConfigurationError{Field: "platform.client_secret", Err: fmt.Errorf("credentials rejected: %s", tokenErrorText(re))}
		}
		return &platform.RemoteError{StatusCode: status, Message: tokenErrorText(re), RawBody: re.Body}
	}

	var ue *url.Error
	var ne net.Error
	if errors.As(err, &ue) || errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
			(ne != nil && ne.Timeout())
		return &platform.TransportError{Op: op, Timeout: timeout, Err: err}
	}

	if strings.Contains(err.Error(), "missing access_token") {
		return &platform.ProtocolError{Op: "fetch access token", Reason: "response has no access_token"}
	}
	return &platform.ProtocolError{Op: "fetch access token", Reason: err.Error()}
}

func tokenErrorText(re *oauth2.RetrieveError) string {
	switch {
	case re.ErrorDescription != "":
		return re.ErrorDescription
	case re.ErrorCode != "":
		return re.ErrorCode
	}
	if text := strings.TrimSpace(string(re.Body)); text != "" && len(text) <= 200 {
		return text
	}
	if re.Response != nil {
		return http.StatusText(re.Response.StatusCode)
	}
	return "token request failed"
}
