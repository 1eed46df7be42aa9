package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/inboxwarden/inboxwarden/internal/vault"
)

// Error classification reasons
const (
	ReasonAccountNotCached    = "account_not_cached"
	ReasonInteractionRequired = "interaction_required"
	ReasonTransient           = "transient"
)

// TokenError classifies a failed token acquisition. The manager only
// classifies; acting on the classification (disconnecting the mailbox,
// notifying the user) is the caller's job.
type TokenError struct {
	Reason    string
	MailboxID string
	Err       error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token acquisition for mailbox %s failed (%s): %v", e.MailboxID, e.Reason, e.Err)
	}
	return fmt.Sprintf("token acquisition for mailbox %s failed (%s)", e.MailboxID, e.Reason)
}

func (e *TokenError) Unwrap() error { return e.Err }

func reasonIs(err error, reason string) bool {
	var te *TokenError
	return errors.As(err, &te) && te.Reason == reason
}

// IsAccountNotCached reports whether no cached account exists for the mailbox
func IsAccountNotCached(err error) bool { return reasonIs(err, ReasonAccountNotCached) }

// IsInteractionRequired reports whether silent reacquisition is impossible
// and the user must re-authenticate
func IsInteractionRequired(err error) bool { return reasonIs(err, ReasonInteractionRequired) }

// IsTransient reports whether the failure is retryable
func IsTransient(err error) bool { return reasonIs(err, ReasonTransient) }

// CacheStore is the explicit cache-plugin interface: one encrypted blob per
// mailbox, loaded before and saved after each acquisition.
type CacheStore interface {
	LoadTokenCache(ctx context.Context, mailboxID string) ([]byte, error)
	SaveTokenCache(ctx context.Context, mailboxID string, blob []byte) error
}

// tokenCache is the decrypted content of one mailbox's cache partition
type tokenCache struct {
	HomeAccountID string    `json:"homeAccountId"`
	Username      string    `json:"username,omitempty"`
	AccessToken   string    `json:"accessToken"`
	ExpiresAt     time.Time `json:"expiresAt"`
	RefreshToken  string    `json:"refreshToken"`
}

// Config holds the OAuth client settings for silent refresh
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
}

// expirySkew is subtracted from the cached expiry so a token about to lapse
// mid-request is refreshed early.
const expirySkew = 2 * time.Minute

// Manager keeps per-mailbox OAuth tokens usable: cached access tokens are
// returned without network I/O, expired ones are refreshed silently with the
// cached refresh credential.
type Manager struct {
	cache  CacheStore
	vault  *vault.Vault
	cfg    Config
	client *http.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a token lifecycle manager
func NewManager(cache CacheStore, v *vault.Vault, cfg Config) *Manager {
	return &Manager{
		cache:  cache,
		vault:  v,
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		locks:  make(map[string]*sync.Mutex),
	}
}

// mailboxLock serializes refreshes per mailbox so concurrent callers
// converge on a single refresh instead of racing the token endpoint.
func (m *Manager) mailboxLock(mailboxID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[mailboxID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[mailboxID] = lock
	}
	return lock
}

// GetAccessToken returns a valid access token for the mailbox, refreshing
// silently when the cached token has expired. Failures are classified as
// AccountNotCached, InteractionRequired or Transient; the mailbox record is
// never touched here.
func (m *Manager) GetAccessToken(ctx context.Context, mailboxID string) (string, error) {
	lock := m.mailboxLock(mailboxID)
	lock.Lock()
	defer lock.Unlock()

	blob, err := m.cache.LoadTokenCache(ctx, mailboxID)
	if err != nil {
		return "", &TokenError{Reason: ReasonTransient, MailboxID: mailboxID, Err: err}
	}
	if len(blob) == 0 {
		return "", &TokenError{Reason: ReasonAccountNotCached, MailboxID: mailboxID}
	}

	plain, err := m.vault.Decrypt(blob)
	if err != nil {
		// An unreadable cache is indistinguishable from a missing account:
		// silent acquisition cannot proceed either way.
		return "", &TokenError{Reason: ReasonAccountNotCached, MailboxID: mailboxID, Err: err}
	}

	var cache tokenCache
	if err := json.Unmarshal(plain, &cache); err != nil {
		return "", &TokenError{Reason: ReasonAccountNotCached, MailboxID: mailboxID, Err: err}
	}
	if cache.HomeAccountID == "" {
		return "", &TokenError{Reason: ReasonAccountNotCached, MailboxID: mailboxID}
	}

	// Valid cached token: no network round trip.
	if cache.AccessToken != "" && time.Until(cache.ExpiresAt) > expirySkew {
		return cache.AccessToken, nil
	}

	if cache.RefreshToken == "" {
		return "", &TokenError{Reason: ReasonInteractionRequired, MailboxID: mailboxID}
	}

	refreshed, err := m.refresh(ctx, mailboxID, cache)
	if err != nil {
		return "", err
	}

	// Write back only when the cache content actually changed.
	if refreshed != cache {
		newPlain, err := json.Marshal(refreshed)
		if err != nil {
			return "", &TokenError{Reason: ReasonTransient, MailboxID: mailboxID, Err: err}
		}
		if !bytes.Equal(newPlain, plain) {
			enc, err := m.vault.Encrypt(newPlain)
			if err != nil {
				return "", &TokenError{Reason: ReasonTransient, MailboxID: mailboxID, Err: err}
			}
			if err := m.cache.SaveTokenCache(ctx, mailboxID, enc); err != nil {
				return "", &TokenError{Reason: ReasonTransient, MailboxID: mailboxID, Err: err}
			}
		}
	}

	return refreshed.AccessToken, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// refresh redeems the cached refresh credential at the token endpoint
func (m *Manager) refresh(ctx context.Context, mailboxID string, cache tokenCache) (tokenCache, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cache.RefreshToken)
	form.Set("client_id", m.cfg.ClientID)
	if m.cfg.ClientSecret != "" {
		form.Set("client_secret", m.cfg.ClientSecret)
	}
	if m.cfg.Scope != "" {
		form.Set("scope", m.cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return cache, &TokenError{Reason: ReasonTransient, MailboxID: mailboxID, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return cache, &TokenError{Reason: ReasonTransient, MailboxID: mailboxID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var oauthErr tokenErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&oauthErr)
		if interactionRequired(resp.StatusCode, oauthErr.Error) {
			return cache, &TokenError{
				Reason:    ReasonInteractionRequired,
				MailboxID: mailboxID,
				Err:       fmt.Errorf("token endpoint returned %q", oauthErr.Error),
			}
		}
		return cache, &TokenError{
			Reason:    ReasonTransient,
			MailboxID: mailboxID,
			Err:       fmt.Errorf("token endpoint returned status %d (%s)", resp.StatusCode, oauthErr.Error),
		}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return cache, &TokenError{Reason: ReasonTransient, MailboxID: mailboxID, Err: err}
	}
	if tr.AccessToken == "" {
		return cache, &TokenError{
			Reason:    ReasonTransient,
			MailboxID: mailboxID,
			Err:       errors.New("token endpoint returned no access token"),
		}
	}

	cache.AccessToken = tr.AccessToken
	cache.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	if tr.RefreshToken != "" {
		cache.RefreshToken = tr.RefreshToken
	}

	return cache, nil
}

// interactionRequired maps OAuth error codes to the class where the refresh
// credential is revoked/expired and only the user can fix it.
func interactionRequired(status int, oauthError string) bool {
	if status >= 500 {
		return false
	}
	switch oauthError {
	case "invalid_grant", "interaction_required", "consent_required", "access_denied":
		return true
	}
	return false
}
