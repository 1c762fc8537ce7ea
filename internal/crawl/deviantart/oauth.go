package deviantart

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/madeofus/scanner/internal/errs"
)

// tokenRefreshMargin renews the token this long before expiry so in-flight
// pages never race a hard expiration.
const tokenRefreshMargin = 60 * time.Second

// tokenSource caches a client-credentials bearer token.
type tokenSource struct {
	baseURL      string
	clientID     string
	clientSecret string
	http         *http.Client

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func newTokenSource(baseURL, clientID, clientSecret string, client *http.Client) *tokenSource {
	return &tokenSource{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         client,
	}
}

// Token returns a valid bearer token, refreshing when needed.
func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Now().Before(t.expiry.Add(-tokenRefreshMargin)) {
		return t.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {t.clientID},
		"client_secret": {t.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", errs.WrapValidation("deviantart_token", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.http.Do(req)
	if err != nil {
		return "", errs.WrapConnection("deviantart_token", SourceName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", errs.WrapAPI("deviantart_token", SourceName,
			fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, body), resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", errs.WrapAPI("deviantart_token", SourceName, fmt.Errorf("decode token: %w", err), resp.StatusCode)
	}
	if payload.AccessToken == "" {
		return "", errs.WrapAPI("deviantart_token", SourceName, fmt.Errorf("empty access token"), resp.StatusCode)
	}

	t.token = payload.AccessToken
	t.expiry = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	log.Debug().Str("platform", SourceName).Time("expiry", t.expiry).Msg("Refreshed OAuth token")
	return t.token, nil
}

// Invalidate drops the cached token so the next call refreshes.
func (t *tokenSource) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.mu.Unlock()
}
