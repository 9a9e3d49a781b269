// Package auth loads OAuth user credentials from disk and keeps the access
// token fresh across concurrent requests.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"claudegate/internal/proxyerr"
)

// Credentials is the on-disk credential file shape. ExpiryDate is epoch
// milliseconds, matching what the OAuth login flow writes.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiryDate   int64  `json:"expiry_date"`
	ProjectID    string `json:"project_id,omitempty"`
}

// Expiry returns the access token's expiry time.
func (c *Credentials) Expiry() time.Time {
	return time.UnixMilli(c.ExpiryDate)
}

// LoadCredentials reads and validates the credential file. Files readable by
// group or others are rejected; tokens must not be shared through file modes.
func LoadCredentials(path string) (*Credentials, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, proxyerr.Auth("credential file %s: %v", path, err)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return nil, proxyerr.Auth("credential file %s has mode %04o; must not be readable by group or others", path, mode)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, proxyerr.Auth("reading credential file %s: %v", path, err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, proxyerr.Auth("parsing credential file %s: %v", path, err)
	}
	if creds.RefreshToken == "" {
		return nil, proxyerr.Auth("credential file %s has no refresh_token", path)
	}
	return &creds, nil
}

// SaveCredentials persists refreshed credentials atomically with owner-only
// permissions.
func SaveCredentials(path string, creds *Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".creds-*")
	if err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing credentials: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
