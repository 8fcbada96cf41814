package yandex

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/hashicorp/go-retryablehttp"
	"k8s.io/utils/clock"
)

// DefaultTokenEndpoint is the Yandex Cloud IAM token exchange endpoint.
const DefaultTokenEndpoint = "https://iam.api.cloud.yandex.net/iam/v1/tokens"

// MaxRefreshBefore caps TokenSourceConfig.RefreshBefore.  IAM tokens
// live at most 12 hours.
const MaxRefreshBefore = 12 * time.Hour

// assertionTTL is the lifetime of the signed JWT.  It is only used once,
// to obtain an IAM token.
const assertionTTL = 60 * time.Second

// TokenSourceConfig configures service-account authentication.
type TokenSourceConfig struct {
	// ServiceAccountID is the issuer of the signed JWT (required).
	ServiceAccountID string

	// KeyID is the authorized key ID, sent as the JWT "kid" header (required).
	KeyID string

	// PrivateKeyPEM is the PEM-encoded RSA private key of the authorized key (required).
	PrivateKeyPEM []byte

	// RefreshBefore is how long before expiry a cached token is
	// replaced.  Default: 1h.
	RefreshBefore time.Duration

	// Endpoint overrides DefaultTokenEndpoint.
	Endpoint string

	// RetryMax is the number of HTTP retries for the exchange call.
	RetryMax int
}

// TokenSource exchanges a PS256-signed JWT for an IAM bearer token and
// caches the token until RefreshBefore ahead of its expiry.  It is safe
// for concurrent use; concurrent callers share one refresh.
type TokenSource struct {
	serviceAccountID string
	keyID            string
	key              *rsa.PrivateKey
	refreshBefore    time.Duration
	endpoint         string
	http             *retryablehttp.Client
	clock            clock.PassiveClock
	logger           *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

type tokenResponse struct {
	IAMToken  string    `json:"iamToken"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewTokenSource parses the private key and returns a TokenSource.
func NewTokenSource(cfg TokenSourceConfig, logger *slog.Logger) (*TokenSource, error) {
	if cfg.RefreshBefore == 0 {
		cfg.RefreshBefore = time.Hour
	}
	if cfg.RefreshBefore > MaxRefreshBefore {
		return nil, fmt.Errorf("refresh_before %s exceeds %s", cfg.RefreshBefore, MaxRefreshBefore)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultTokenEndpoint
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing authorized key %s: %w", cfg.KeyID, err)
	}

	return &TokenSource{
		serviceAccountID: cfg.ServiceAccountID,
		keyID:            cfg.KeyID,
		key:              key,
		refreshBefore:    cfg.RefreshBefore,
		endpoint:         cfg.Endpoint,
		http:             newHTTPClient(cfg.RetryMax, logger),
		clock:            clock.RealClock{},
		logger:           logger,
	}, nil
}

// Token returns a cached IAM token, refreshing it when it is within
// RefreshBefore of expiring.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && t.clock.Now().Add(t.refreshBefore).Before(t.expiresAt) {
		return t.token, nil
	}

	resp, err := t.exchange(ctx)
	if err != nil {
		return "", err
	}

	t.token = resp.IAMToken
	t.expiresAt = resp.ExpiresAt

	t.logger.Info("iam token refreshed", slog.Time("expiresAt", resp.ExpiresAt))
	return t.token, nil
}

func (t *TokenSource) signAssertion() (string, error) {
	now := t.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodPS256, jwt.MapClaims{
		"iss": t.serviceAccountID,
		"aud": t.endpoint,
		"iat": now.Unix(),
		"exp": now.Add(assertionTTL).Unix(),
	})
	token.Header["kid"] = t.keyID

	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}

func (t *TokenSource) exchange(ctx context.Context) (*tokenResponse, error) {
	assertion, err := t.signAssertion()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]string{"jwt": assertion})
	if err != nil {
		return nil, fmt.Errorf("encoding token request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting iam token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("requesting iam token: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding iam token response: %w", err)
	}
	if out.IAMToken == "" {
		return nil, fmt.Errorf("iam token response has no token")
	}
	return &out, nil
}
