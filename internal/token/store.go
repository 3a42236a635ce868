package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrAuthExpired means no usable cached token exists and the account
	// has no non-interactive refresh path. Run homeprobe-login.
	ErrAuthExpired = errors.New("token: auth expired, interactive login required")

	// ErrAuthFailed means a refresh ran and the backend rejected the
	// credentials.
	ErrAuthFailed = errors.New("token: authentication failed")
)

// Token is one cached credential derived from an out-of-band login.
type Token struct {
	// Value is the opaque serialized token the driver sends to the backend.
	Value string `json:"value"`

	// RefreshValue is the backend's refresh token, when it issues one.
	// Empty means the account cannot be refreshed non-interactively.
	RefreshValue string `json:"refresh_value,omitempty"`

	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`

	// Invalidated is set when a driver reported an authorization error;
	// the next Get must refresh even if the TTL has not elapsed.
	Invalidated bool `json:"invalidated,omitempty"`
}

// Usable reports whether the token can still be presented to the backend.
func (t Token) Usable(now time.Time) bool {
	if t.Value == "" || t.Invalidated {
		return false
	}
	if t.TTL <= 0 {
		return true // no expiry metadata: trust it until invalidated
	}
	return now.Before(t.CreatedAt.Add(t.TTL))
}

// RefreshFunc performs a non-interactive refresh for one account, given
// whatever was previously cached (possibly a zero Token). It must not
// prompt; anything requiring input belongs in homeprobe-login.
type RefreshFunc func(ctx context.Context, cached Token) (Token, error)

// Store is the process-wide token cache. It owns the cache file: every
// successful refresh or Put atomically rewrites it.
type Store struct {
	path string

	mu         sync.RWMutex
	tokens     map[string]Token
	refreshers map[string]RefreshFunc

	group singleflight.Group
	now   func() time.Time
}

// Open loads the cache file at path. A missing file yields an empty store;
// a corrupt file is an error so bad state never silently discards tokens.
func Open(path string) (*Store, error) {
	s := &Store{
		path:       path,
		tokens:     map[string]Token{},
		refreshers: map[string]RefreshFunc{},
		now:        time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("token: read cache: %w", err)
	}
	tokens := map[string]Token{}
	if err := json.Unmarshal(data, &tokens); err != nil {
		return fmt.Errorf("token: parse cache %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()
	return nil
}

// save writes the cache to a temp file in the same directory and renames it
// over the old one, so a crash mid-write never corrupts valid tokens.
// Callers must hold s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("token: encode cache: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return fmt.Errorf("token: create temp cache: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("token: write temp cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("token: close temp cache: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("token: chmod temp cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("token: replace cache: %w", err)
	}
	return nil
}

// RegisterRefresher installs the non-interactive refresh path for account.
// Drivers register these at construction time.
func (s *Store) RegisterRefresher(account string, fn RefreshFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshers[account] = fn
}

// Get returns a usable token for account, refreshing non-interactively if
// the cached one is expired or invalidated. Concurrent callers for the
// same account during a refresh all receive that refresh's outcome.
func (s *Store) Get(ctx context.Context, account string) (Token, error) {
	s.mu.RLock()
	tok, have := s.tokens[account]
	s.mu.RUnlock()
	if have && tok.Usable(s.now()) {
		return tok, nil
	}
	return s.Refresh(ctx, account)
}

// Refresh forces a non-interactive refresh for account, deduplicated so at
// most one login attempt is in flight per account at any time.
func (s *Store) Refresh(ctx context.Context, account string) (Token, error) {
	v, err, _ := s.group.Do(account, func() (any, error) {
		s.mu.RLock()
		cached := s.tokens[account]
		fn := s.refreshers[account]
		s.mu.RUnlock()

		// Another waiter may have completed a refresh between our caller's
		// staleness check and this execution.
		if cached.Usable(s.now()) {
			return cached, nil
		}
		if fn == nil {
			return Token{}, fmt.Errorf("account %q: %w", account, ErrAuthExpired)
		}

		fresh, err := fn(ctx, cached)
		if err != nil {
			return Token{}, err
		}
		if fresh.CreatedAt.IsZero() {
			fresh.CreatedAt = s.now()
		}
		if err := s.Put(account, fresh); err != nil {
			// The token is good even if persisting it failed; keep serving.
			slog.Warn("token: refresh succeeded but cache write failed",
				"account", account, "err", err)
		}
		slog.Info("token: refreshed", "account", account)
		return fresh, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// Put stores tok for account and rewrites the cache file. It is also the
// write path for homeprobe-login. A zero CreatedAt is filled in with the
// store clock; without it a token carrying a TTL would already be expired.
func (s *Store) Put(account string, tok Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = s.now()
	}
	s.tokens[account] = tok
	return s.save()
}

// Invalidate marks the account's token unusable after a driver-reported
// authorization error. The next Get attempts a non-interactive refresh.
func (s *Store) Invalidate(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[account]
	if !ok {
		return
	}
	tok.Invalidated = true
	s.tokens[account] = tok
	if err := s.save(); err != nil {
		slog.Warn("token: cache write failed on invalidate", "account", account, "err", err)
	}
}

// Len returns the number of cached tokens.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// Watch reloads the cache file whenever it is rewritten out-of-band, e.g.
// by homeprobe-login while the exporter is serving. It runs until ctx is
// cancelled. Our own saves also trigger a reload, which is harmless.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: atomic rename replaces the file's inode, and a
	// watch on the old inode would go quiet after the first rewrite.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return err
	}

	slog.Info("token: watching cache for out-of-band logins", "path", s.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.load(); err != nil {
				slog.Error("token: cache reload failed — keeping previous tokens",
					"path", s.path, "err", err)
				continue
			}
			slog.Info("token: cache reloaded", "accounts", s.Len())

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("token: watcher error", "err", err)
		}
	}
}
