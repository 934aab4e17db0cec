package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jongtix/caa-collector-sub001/internal/config"
	"github.com/jongtix/caa-collector-sub001/internal/crypt"
	"github.com/jongtix/caa-collector-sub001/internal/util"
)

const (
	tokenCachePrefix = "kis:token:"
	expiryLayout     = "2006-01-02 15:04:05"
	expiryMargin     = 5 * time.Minute
)

// TokenCache persists issued access tokens between runs. Values are stored
// encrypted; the cache itself never sees plaintext tokens. Implementations
// must treat expired entries as absent.
type TokenCache interface {
	GetToken(ctx context.Context, key string) (cipher string, ok bool, err error)
	PutToken(ctx context.Context, key string, cipher string, expiresAt time.Time) error
}

// AuthService supplies access tokens for KIS accounts, refreshing through
// the OAuth token endpoint when the cached token is missing or expired.
// Refreshes are single-flight per account.
type AuthService struct {
	baseURL    string
	httpClient *http.Client
	cache      TokenCache
	encryptor  *crypt.TokenEncryptor
	log        *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per account number
}

// NewAuthService creates an AuthService caching tokens in cache, encrypted
// with encryptor.
func NewAuthService(baseURL string, cache TokenCache, encryptor *crypt.TokenEncryptor) *AuthService {
	return &AuthService{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      cache,
		encryptor:  encryptor,
		log:        slog.Default().With("component", "kis-auth"),
		locks:      make(map[string]*sync.Mutex),
	}
}

// AccessToken returns a valid access token for account, from cache when
// possible.
func (a *AuthService) AccessToken(ctx context.Context, account config.Account) (string, error) {
	cacheKey := tokenCachePrefix + account.AccountNumber

	if token, ok, err := a.cachedToken(ctx, cacheKey); err != nil {
		return "", err
	} else if ok {
		return token, nil
	}

	return a.refreshToken(ctx, cacheKey, account)
}

func (a *AuthService) cachedToken(ctx context.Context, cacheKey string) (string, bool, error) {
	cipher, ok, err := a.cache.GetToken(ctx, cacheKey)
	if err != nil {
		return "", false, fmt.Errorf("reading token cache: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	token, err := a.encryptor.Decrypt(cipher)
	if err != nil {
		// A key rotation invalidates old entries; fall through to refresh.
		a.log.Warn("cached token undecryptable, refreshing", "err", err)
		return "", false, nil
	}
	return token, true, nil
}

func (a *AuthService) refreshToken(ctx context.Context, cacheKey string, account config.Account) (string, error) {
	a.mu.Lock()
	lock, ok := a.locks[account.AccountNumber]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[account.AccountNumber] = lock
	}
	a.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if token, ok, err := a.cachedToken(ctx, cacheKey); err != nil {
		return "", err
	} else if ok {
		return token, nil
	}

	a.log.Info("requesting new access token", "account", crypt.MaskUserID(account.AccountNumber))

	var tr tokenResponse
	err := util.Retry(ctx, 3, time.Second, func() error {
		return a.requestToken(ctx, account, &tr)
	})
	if err != nil {
		return "", fmt.Errorf("requesting access token: %w", err)
	}
	if tr.AccessToken == "" {
		return "", &APIError{Message: "token response carried no access token"}
	}

	expiry, err := time.ParseInLocation(expiryLayout, tr.AccessTokenTokenExpired, kstLocation())
	if err != nil {
		return "", fmt.Errorf("parsing token expiry %q: %w", tr.AccessTokenTokenExpired, err)
	}

	if until := time.Until(expiry.Add(-expiryMargin)); until > 0 {
		cipher, err := a.encryptor.Encrypt(tr.AccessToken)
		if err != nil {
			return "", fmt.Errorf("encrypting token for cache: %w", err)
		}
		if err := a.cache.PutToken(ctx, cacheKey, cipher, time.Now().Add(until)); err != nil {
			return "", fmt.Errorf("writing token cache: %w", err)
		}
	}

	a.log.Info("access token obtained", "expires_at", expiry, "token", crypt.MaskToken(tr.AccessToken))
	return tr.AccessToken, nil
}

func (a *AuthService) requestToken(ctx context.Context, account config.Account, out *tokenResponse) error {
	payload, err := json.Marshal(tokenRequest{
		GrantType: "client_credentials",
		AppKey:    account.AppKey,
		AppSecret: account.AppSecret,
	})
	if err != nil {
		return fmt.Errorf("encoding token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+tokenPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("content-type", "application/json; charset=utf-8")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// Bad credentials won't get better on a retry.
			return util.Permanent(err)
		}
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding token response: %w", err)
	}
	return nil
}
