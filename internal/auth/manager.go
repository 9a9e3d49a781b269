package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"claudegate/internal/metrics"
	"claudegate/internal/proxyerr"
	"claudegate/pkg/logging/logging"

	"go.uber.org/zap"
)

// Public installed-application OAuth client. Installed-app secrets are not
// confidential; the user's refresh token is the actual credential.
const (
	defaultTokenURL     = "https://oauth2.googleapis.com/token"
	defaultClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	defaultClientSecret = "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"

	// refreshBuffer is how long before expiry a token is refreshed, so
	// in-flight requests never carry a token that expires mid-call.
	refreshBuffer = 5 * time.Minute
)

// Manager hands out a valid access token to every request. Reads take the
// fast path under a read lock; when the token is inside the refresh buffer,
// exactly one caller performs the refresh and the rest reuse its result.
type Manager struct {
	ManagerConfig

	credsMu   sync.RWMutex
	creds     *Credentials
	refreshMu chan struct{} // refresh gate, channel so acquisition honors ctx
}

type ManagerConfig struct {
	CredentialsPath string
	TokenURL        string
	ClientID        string
	ClientSecret    string
	HTTPClient      *http.Client
	Now             func() time.Time
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.TokenURL == "" {
		c.TokenURL = defaultTokenURL
	}
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}
	if c.ClientSecret == "" {
		c.ClientSecret = defaultClientSecret
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// NewManager loads credentials from disk and returns a ready manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	cfg = cfg.withDefaults()
	creds, err := LoadCredentials(cfg.CredentialsPath)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		ManagerConfig: cfg,
		creds:         creds,
		refreshMu:     make(chan struct{}, 1),
	}
	return m, nil
}

// Token returns an access token valid for at least the refresh buffer, or a
// stale-but-unexpired token when the refresh endpoint is unreachable.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if tok, ok := m.freshToken(); ok {
		return tok, nil
	}

	select {
	case m.refreshMu <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-m.refreshMu }()

	// Another caller may have refreshed while this one waited for the lock.
	if tok, ok := m.freshToken(); ok {
		return tok, nil
	}
	return m.refresh(ctx)
}

// freshToken returns the current token if it outlives the refresh buffer.
func (m *Manager) freshToken() (string, bool) {
	creds := m.snapshot()
	if creds.AccessToken != "" && m.Now().Add(refreshBuffer).Before(creds.Expiry()) {
		return creds.AccessToken, true
	}
	return "", false
}

func (m *Manager) snapshot() *Credentials {
	m.credsMu.RLock()
	defer m.credsMu.RUnlock()
	c := *m.creds
	return &c
}

func (m *Manager) store(creds *Credentials) {
	m.credsMu.Lock()
	m.creds = creds
	m.credsMu.Unlock()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	creds := *m.snapshot()

	form := url.Values{
		"client_id":     {m.ClientID},
		"client_secret": {m.ClientSecret},
		"refresh_token": {creds.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", proxyerr.Auth("building token refresh request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return m.degrade(ctx, creds, fmt.Sprintf("token endpoint unreachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return m.degrade(ctx, creds, fmt.Sprintf("token refresh returned %d: %s %s", resp.StatusCode, body.Error, body.ErrorDescription))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil || tok.AccessToken == "" {
		return m.degrade(ctx, creds, "token refresh returned an unusable body")
	}

	creds.AccessToken = tok.AccessToken
	if tok.TokenType != "" {
		creds.TokenType = tok.TokenType
	}
	creds.ExpiryDate = m.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli()
	m.store(&creds)

	metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
	logging.L(ctx).Info("token_refreshed", zap.Time("expiry", creds.Expiry()))

	if err := SaveCredentials(m.CredentialsPath, &creds); err != nil {
		// The in-memory token is good; persistence failure only costs a
		// refresh on next startup.
		logging.L(ctx).Warn("credential_persist_failed", zap.Error(err))
	}
	return creds.AccessToken, nil
}

// degrade keeps serving the stale token while it is still actually valid.
// Only a token past its real expiry turns refresh failure into an error.
func (m *Manager) degrade(ctx context.Context, creds Credentials, reason string) (string, error) {
	if creds.AccessToken != "" && m.Now().Before(creds.Expiry()) {
		metrics.TokenRefreshesTotal.WithLabelValues("stale").Inc()
		logging.L(ctx).Warn("token_refresh_degraded",
			zap.String("reason", reason),
			zap.Time("expiry", creds.Expiry()),
		)
		return creds.AccessToken, nil
	}
	metrics.TokenRefreshesTotal.WithLabelValues("failure").Inc()
	return "", proxyerr.Auth("access token expired and refresh failed: %s", reason)
}

// TokenInfo reports token state for the health endpoint.
type TokenInfo struct {
	Expiry    time.Time
	ExpiresIn time.Duration
	ProjectID string
}

func (m *Manager) TokenInfo() TokenInfo {
	creds := m.snapshot()
	return TokenInfo{
		Expiry:    creds.Expiry(),
		ExpiresIn: time.Until(creds.Expiry()),
		ProjectID: creds.ProjectID,
	}
}

// SetProjectID records the resolved backend project in memory and on disk.
func (m *Manager) SetProjectID(ctx context.Context, projectID string) {
	creds := *m.snapshot()
	if creds.ProjectID == projectID {
		return
	}
	creds.ProjectID = projectID
	m.store(&creds)
	if err := SaveCredentials(m.CredentialsPath, &creds); err != nil {
		logging.L(ctx).Warn("credential_persist_failed", zap.Error(err))
	}
}

// ProjectID returns the cached backend project id, if one is known.
func (m *Manager) ProjectID() string {
	return m.snapshot().ProjectID
}
