package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// CustomTokenMinter mints Firebase custom tokens with a service account so the
// agent can act as a user without holding their password.
type CustomTokenMinter struct {
	client *auth.Client
	logger *zap.Logger
}

// NewCustomTokenMinter initializes the Admin SDK from a service account JSON
// document.
func NewCustomTokenMinter(ctx context.Context, serviceAccountJSON string, logger *zap.Logger) (*CustomTokenMinter, error) {
	if serviceAccountJSON == "" {
		return nil, errors.New("service account JSON is empty")
	}

	opt := option.WithCredentialsJSON([]byte(serviceAccountJSON))
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting auth client: %w", err)
	}

	return &CustomTokenMinter{client: client, logger: logger}, nil
}

// Mint returns a custom token for uid.
func (m *CustomTokenMinter) Mint(ctx context.Context, uid string) (string, error) {
	token, err := m.client.CustomToken(ctx, uid)
	if err != nil {
		return "", fmt.Errorf("mint custom token for %s: %w", uid, err)
	}
	return token, nil
}

// tokenSigner is the part of Firebase that SignInAs needs.
type tokenSigner interface {
	SignInWithCustomToken(ctx context.Context, customToken string) (*User, error)
}

type minter interface {
	Mint(ctx context.Context, uid string) (string, error)
}

// SignInAs mints a custom token for uid and exchanges it, retrying transient
// failures with a linear backoff.
func SignInAs(ctx context.Context, m minter, fb tokenSigner, uid string, logger *zap.Logger) (*User, error) {
	const maxRetries = 3

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		logger.Info("Signing in with custom token",
			zap.String("uid", uid),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries))

		token, err := m.Mint(ctx, uid)
		if err == nil {
			var user *User
			user, err = fb.SignInWithCustomToken(ctx, token)
			if err == nil {
				return user, nil
			}
		}
		lastErr = err

		// Firebase rejected the request itself; retrying will not help.
		var fbErr *Error
		if errors.As(err, &fbErr) && fbErr.Status >= 400 && fbErr.Status < 500 {
			return nil, err
		}

		logger.Warn("Custom token sign-in failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	return nil, fmt.Errorf("custom token sign-in failed after %d attempts: %w", maxRetries, lastErr)
}
