// Package identity signs a HealthSense user in through Firebase
// Authentication and hands out bearer tokens for the REST API.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultIdentityToolkitURL = "https://identitytoolkit.googleapis.com/v1"
	DefaultSecureTokenURL     = "https://securetoken.googleapis.com/v1"
)

// ErrSignedOut is returned by Token when no user is signed in.
var ErrSignedOut = errors.New("no user signed in")

// User is the signed-in Firebase account.
type User struct {
	UID   string `json:"uid"`
	Email string `json:"email,omitempty"`
}

// Config points the provider at Firebase (or a stand-in in tests).
type Config struct {
	APIKey             string
	IdentityToolkitURL string
	SecureTokenURL     string
	Timeout            time.Duration
}

// Firebase keeps one signed-in session and refreshes its ID token on demand.
type Firebase struct {
	identity    *resty.Client
	secureToken *resty.Client
	apiKey      string
	logger      *zap.Logger
	now         func() time.Time

	refreshGroup singleflight.Group

	mu    sync.RWMutex
	user  *User
	token *oauth2.Token
}

// NewFirebase creates a signed-out provider.
func NewFirebase(cfg Config, logger *zap.Logger) *Firebase {
	if cfg.IdentityToolkitURL == "" {
		cfg.IdentityToolkitURL = DefaultIdentityToolkitURL
	}
	if cfg.SecureTokenURL == "" {
		cfg.SecureTokenURL = DefaultSecureTokenURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	newClient := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json")
	}
	return &Firebase{
		identity:    newClient(cfg.IdentityToolkitURL),
		secureToken: newClient(cfg.SecureTokenURL),
		apiKey:      cfg.APIKey,
		logger:      logger,
		now:         time.Now,
	}
}

type signInResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

// SignInWithPassword signs in with email and password.
func (f *Firebase) SignInWithPassword(ctx context.Context, email, password string) (*User, error) {
	return f.signIn(ctx, "/accounts:signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	})
}

// SignInWithCustomToken exchanges a custom token minted by the Admin SDK.
func (f *Firebase) SignInWithCustomToken(ctx context.Context, customToken string) (*User, error) {
	return f.signIn(ctx, "/accounts:signInWithCustomToken", map[string]any{
		"token":             customToken,
		"returnSecureToken": true,
	})
}

func (f *Firebase) signIn(ctx context.Context, path string, body map[string]any) (*User, error) {
	var payload signInResponse
	resp, err := f.identity.R().
		SetContext(ctx).
		SetQueryParam("key", f.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&payload).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("firebase sign-in: %w", err)
	}
	if resp.IsError() {
		return nil, parseError(resp)
	}
	if payload.IDToken == "" || payload.LocalID == "" {
		return nil, &Error{Status: resp.StatusCode(), Code: "INVALID_RESPONSE", Message: "sign-in response missing idToken or localId"}
	}

	user := &User{UID: payload.LocalID, Email: payload.Email}
	tok := f.buildToken(payload.IDToken, payload.RefreshToken, payload.ExpiresIn)

	f.mu.Lock()
	f.user = user
	f.token = tok
	f.mu.Unlock()

	f.logger.Info("Signed in to Firebase",
		zap.String("uid", user.UID),
		zap.Time("token_expiry", tok.Expiry))
	return user, nil
}

// CurrentUser returns the signed-in user, or nil when signed out.
func (f *Firebase) CurrentUser() *User {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.user == nil {
		return nil
	}
	u := *f.user
	return &u
}

// Token returns a valid ID token. The held token is reused until it is about
// to expire unless forceRefresh is set.
func (f *Firebase) Token(ctx context.Context, forceRefresh bool) (string, error) {
	f.mu.RLock()
	user, tok := f.user, f.token
	f.mu.RUnlock()

	if user == nil || tok == nil {
		return "", ErrSignedOut
	}
	if !forceRefresh && f.valid(tok) {
		return tok.AccessToken, nil
	}

	// Concurrent refreshes for the same session share one round trip.
	res, err, _ := f.refreshGroup.Do(tok.RefreshToken, func() (any, error) {
		return f.refresh(ctx, tok.RefreshToken)
	})
	if err != nil {
		return "", err
	}
	return res.(*oauth2.Token).AccessToken, nil
}

// SignOut forgets the session.
func (f *Firebase) SignOut() {
	f.mu.Lock()
	uid := ""
	if f.user != nil {
		uid = f.user.UID
	}
	f.user = nil
	f.token = nil
	f.mu.Unlock()

	if uid != "" {
		f.logger.Info("Signed out of Firebase", zap.String("uid", uid))
	}
}

func (f *Firebase) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, &Error{Code: "MISSING_REFRESH_TOKEN", Message: "session has no refresh token"}
	}

	var payload refreshResponse
	resp, err := f.secureToken.R().
		SetContext(ctx).
		SetQueryParam("key", f.apiKey).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
		}).
		SetResult(&payload).
		Post("/token")
	if err != nil {
		return nil, fmt.Errorf("firebase token refresh: %w", err)
	}
	if resp.IsError() {
		return nil, parseError(resp)
	}
	if payload.IDToken == "" {
		return nil, &Error{Status: resp.StatusCode(), Code: "INVALID_RESPONSE", Message: "refresh response missing id_token"}
	}

	next := payload.RefreshToken
	if next == "" {
		next = refreshToken
	}
	tok := f.buildToken(payload.IDToken, next, payload.ExpiresIn)

	f.mu.Lock()
	// A sign-out while refreshing wins.
	if f.user != nil {
		f.token = tok
	}
	f.mu.Unlock()

	f.logger.Debug("Refreshed Firebase ID token", zap.Time("token_expiry", tok.Expiry))
	return tok, nil
}

func (f *Firebase) valid(tok *oauth2.Token) bool {
	if tok.AccessToken == "" {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	// Same early-expiry margin oauth2.Token.Valid applies.
	return f.now().Add(10 * time.Second).Before(tok.Expiry)
}

// buildToken prefers the exp claim of the ID token and falls back to
// expiresIn seconds.
func (f *Firebase) buildToken(idToken, refreshToken, expiresIn string) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  idToken,
		TokenType:    "Bearer",
		RefreshToken: refreshToken,
	}
	if exp, ok := tokenExpiry(idToken); ok {
		tok.Expiry = exp
		return tok
	}
	if secs, err := strconv.Atoi(expiresIn); err == nil && secs > 0 {
		tok.Expiry = f.now().Add(time.Duration(secs) * time.Second)
	}
	return tok
}

// tokenExpiry reads exp without verifying the signature; the API server is
// the party that verifies the token.
func tokenExpiry(idToken string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
