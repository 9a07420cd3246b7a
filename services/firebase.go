package services

import (
	"context"
	"fmt"
	"time"

	"healthsense/config"
	"healthsense/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// FirebaseMirrorService mirrors a user's records into the Realtime Database
// under vitals/<uid>/.
type FirebaseMirrorService struct {
	client *db.Client
	uid    string
	logger *zap.Logger
}

var _ BatchWriter = (*FirebaseMirrorService)(nil)

func NewFirebaseMirrorService(ctx context.Context, cfg *config.Config, uid string, logger *zap.Logger) (*FirebaseMirrorService, error) {
	conf := &firebase.Config{
		DatabaseURL: cfg.FirebaseDatabaseURL,
	}

	opt := option.WithCredentialsJSON([]byte(cfg.FirebaseServiceAccountJSON))
	app, err := firebase.NewApp(ctx, conf, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	fs := &FirebaseMirrorService{
		client: client,
		uid:    uid,
		logger: logger,
	}

	// Test Firebase connection with retry
	if err := fs.testConnection(ctx); err != nil {
		logger.Error("Firebase connection test failed", zap.Error(err))
		return nil, fmt.Errorf("firebase connection test failed: %w", err)
	}

	return fs, nil
}

// testConnection reads the user's mirror root with retry
func (fs *FirebaseMirrorService) testConnection(ctx context.Context) error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		fs.logger.Info("Testing Firebase connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		var data interface{}
		err := fs.client.NewRef(fs.root()).Child("latest").Get(ctx, &data)
		if err == nil {
			fs.logger.Info("Firebase connection successful")
			return nil
		}

		fs.logger.Warn("Firebase connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Firebase after %d attempts", maxRetries)
}

func (fs *FirebaseMirrorService) root() string {
	return "vitals/" + fs.uid
}

// WriteBatch writes records and the newest of them as latest in a single
// multi-path update.
func (fs *FirebaseMirrorService) WriteBatch(ctx context.Context, batch []models.HealthRecord) error {
	updates := MirrorUpdates(batch)
	if len(updates) == 0 {
		return nil
	}
	if err := fs.client.NewRef(fs.root()).Update(ctx, updates); err != nil {
		return fmt.Errorf("error writing batch: %w", err)
	}
	return nil
}

// MirrorUpdates builds the multi-path update for batch, relative to the
// user's mirror root.
func MirrorUpdates(batch []models.HealthRecord) map[string]interface{} {
	if len(batch) == 0 {
		return nil
	}
	updates := make(map[string]interface{}, len(batch)+1)
	for _, r := range batch {
		updates["records/"+mirrorKey(r)] = r
	}
	updates["latest"] = newest(batch)
	return updates
}

// mirrorKey is a database-safe child key for r.
func mirrorKey(r models.HealthRecord) string {
	if r.ID == "" {
		return fmt.Sprintf("ts_%d", r.Timestamp)
	}
	key := []rune(r.ID)
	for i, c := range key {
		switch c {
		case '.', '#', '$', '[', ']', '/':
			key[i] = '_'
		}
	}
	return string(key)
}

// Close closes the Firebase connection
func (fs *FirebaseMirrorService) Close() error {
	fs.logger.Info("Closing Firebase mirror")
	// Firebase client doesn't require explicit closing but we log it
	return nil
}
