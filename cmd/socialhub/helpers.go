package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	socialhub "github.com/socialhub-app/socialhub/sdk/golang"
)

// newClient builds a client from the config file, backed by the session
// file in the config directory.
func newClient() (*socialhub.Client, *socialhub.FileTokenStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	path, err := sessionPath()
	if err != nil {
		return nil, nil, err
	}
	store, err := socialhub.OpenFileTokenStore(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session: %w", err)
	}

	opts := append(endpointOptions(cfg),
		socialhub.WithTokenStore(store),
		socialhub.WithLogger(logger),
		socialhub.WithMetrics(metrics),
	)
	return socialhub.NewClient("", opts...), store, nil
}

// endpointOptions turns the [default] endpoints into client options.
func endpointOptions(cfg *Config) []socialhub.ClientOption {
	var opts []socialhub.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, socialhub.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.ChatURL != "" {
		opts = append(opts, socialhub.WithChatURL(cfg.Default.ChatURL))
	}
	if cfg.Default.NotifyURL != "" {
		opts = append(opts, socialhub.WithNotificationURL(cfg.Default.NotifyURL))
	}
	if cfg.Default.MediaURL != "" {
		opts = append(opts, socialhub.WithMedia(socialhub.MediaConfig{
			UploadURL: cfg.Default.MediaURL,
			Preset:    cfg.Default.MediaPreset,
		}))
	}
	return opts
}

// requireLogin returns the signed-in identity. An expired or missing token
// is replaced by logging in with remembered credentials when there are any.
func requireLogin(ctx context.Context, client *socialhub.Client, store *socialhub.FileTokenStore) (socialhub.Identity, error) {
	id, err := client.Identity()
	if err == nil && !id.Expired(time.Now()) {
		return id, nil
	}
	if _, ok := store.Remembered(); ok {
		logger.Info("session expired, logging in with remembered credentials")
		id, rerr := client.Auth.LoginRemembered(ctx, store)
		if rerr == nil {
			return id, nil
		}
		logger.Warn("remembered login failed", zap.Error(rerr))
	}
	if err == nil || errors.Is(err, socialhub.ErrNoToken) {
		return socialhub.Identity{}, fmt.Errorf("not logged in. Run 'socialhub login <username>' first")
	}
	return socialhub.Identity{}, fmt.Errorf("invalid session: %w", err)
}

// withTimeout is the per-command deadline for REST-only commands.
func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskToken shows the first and last few characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func displayName(p socialhub.Participant) string {
	if p.FirstName != "" || p.LastName != "" {
		return fmt.Sprintf("%s %s", p.FirstName, p.LastName)
	}
	return valueOrDefault(p.Username, p.UserID)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// offer returns a socket handler that hands events to ch without blocking
// the socket's read goroutine. Events that do not fit are dropped.
func offer[T any](ch chan T) func(T) {
	return func(v T) {
		select {
		case ch <- v:
		default:
		}
	}
}
