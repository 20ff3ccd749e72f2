// internal/vault/vault.go
//
// Vault client wrapper for config secrets.
//
// Context
// -------
// Configuration may name a secret instead of embedding it:
//
//	database:
//	  password: "vault:secret/flexcache#db_password"
//
// The reference is `vault:<mount>/<path>#<key>` against a KV-v2 engine.
// cmd/web calls ResolveAll on Config.Secrets() once after Load, so only
// plain strings reach the database and redis clients.
//
// Public workflow
// ---------------
//  1. cli, err := vault.New(ctx)                    during boot.
//  2. err = cli.ResolveAll(ctx, cfg.Secrets()...)   rewrites fields in place.
//
// Notes
// -----
//   - VAULT_ADDR and VAULT_TOKEN come from the environment.
//   - A background lifetime watcher keeps renewable tokens alive until ctx
//     is cancelled.
//   - Oxford commas, two spaces after periods.
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// RefPrefix marks a config value as a vault reference.
const RefPrefix = "vault:"

// ErrBadRef is returned for malformed references.
var ErrBadRef = errors.New("malformed vault reference")

//
// references
//

// Ref names one key of one KV-v2 secret.
type Ref struct {
	Mount string
	Path  string
	Key   string
}

// IsRef reports whether s is a vault reference.
func IsRef(s string) bool { return strings.HasPrefix(s, RefPrefix) }

// ParseRef parses `vault:<mount>/<path>#<key>`.
func ParseRef(s string) (Ref, error) {
	if !IsRef(s) {
		return Ref{}, fmt.Errorf("%w: %q lacks %q prefix", ErrBadRef, s, RefPrefix)
	}
	loc, key, ok := strings.Cut(strings.TrimPrefix(s, RefPrefix), "#")
	if !ok || key == "" {
		return Ref{}, fmt.Errorf("%w: %q has no #key", ErrBadRef, s)
	}
	mount, path, ok := strings.Cut(loc, "/")
	if !ok || mount == "" || path == "" {
		return Ref{}, fmt.Errorf("%w: %q needs mount/path", ErrBadRef, s)
	}
	return Ref{Mount: mount, Path: path, Key: key}, nil
}

func (r Ref) String() string { return RefPrefix + r.Mount + "/" + r.Path + "#" + r.Key }

//
// client
//

// Client is safe for concurrent use.  Zero value is invalid.
type Client struct {
	api *vault.Client

	mu    sync.RWMutex
	cache map[Ref]cached
}

type cached struct {
	val string
	exp time.Time
}

// New constructs a client from the environment and starts token renewal.
func New(ctx context.Context) (*Client, error) {
	cfg := vault.DefaultConfig()
	if err := cfg.ReadEnvironment(); err != nil {
		return nil, fmt.Errorf("vault env cfg: %w", err)
	}
	api, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault api: %w", err)
	}
	if tok := os.Getenv("VAULT_TOKEN"); tok != "" {
		api.SetToken(tok)
	}

	c := &Client{api: api, cache: make(map[Ref]cached)}
	go c.renewLoop(ctx)
	return c, nil
}

// Get fetches one key.  With ttl > 0 the value is cached that long.
func (c *Client) Get(ctx context.Context, ref Ref, ttl time.Duration) (string, error) {
	if ttl > 0 {
		c.mu.RLock()
		cv, ok := c.cache[ref]
		c.mu.RUnlock()
		if ok && time.Now().Before(cv.exp) {
			return cv.val, nil
		}
	}

	sec, err := c.api.KVv2(ref.Mount).Get(ctx, ref.Path)
	if err != nil {
		return "", fmt.Errorf("vault get %s: %w", ref, err)
	}
	raw, ok := sec.Data[ref.Key]
	if !ok {
		return "", fmt.Errorf("key %q not found in %s/%s", ref.Key, ref.Mount, ref.Path)
	}
	val, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("value at %s is not a string", ref)
	}

	if ttl > 0 {
		c.mu.Lock()
		c.cache[ref] = cached{val: val, exp: time.Now().Add(ttl)}
		c.mu.Unlock()
	}
	return val, nil
}

// ResolveAll replaces every field holding a vault reference with the
// secret it names.  Fields without the prefix are left untouched.
func (c *Client) ResolveAll(ctx context.Context, fields ...*string) error {
	for _, f := range fields {
		if f == nil || !IsRef(*f) {
			continue
		}
		ref, err := ParseRef(*f)
		if err != nil {
			return err
		}
		val, err := c.Get(ctx, ref, 5*time.Minute)
		if err != nil {
			return err
		}
		*f = val
	}
	return nil
}

// NeedsVault reports whether any field holds a reference, so callers can
// skip dialing vault entirely.
func NeedsVault(fields ...*string) bool {
	for _, f := range fields {
		if f != nil && IsRef(*f) {
			return true
		}
	}
	return false
}

//
// token renewal
//

func (c *Client) renewLoop(ctx context.Context) {
	log := zap.S().Named("vault")
	for ctx.Err() == nil {
		sec, err := c.api.Auth().Token().RenewSelfWithContext(ctx, 0)
		if err != nil {
			log.Warnw("token renew self failed", "err", err)
			backoff(ctx, 30*time.Second)
			continue
		}
		if sec == nil || sec.Auth == nil || !sec.Auth.Renewable {
			log.Infow("token is not renewable, sleeping 1h")
			backoff(ctx, time.Hour)
			continue
		}

		w, err := c.api.NewLifetimeWatcher(&vault.LifetimeWatcherInput{Secret: sec})
		if err != nil {
			log.Warnw("lifetime watcher init failed", "err", err)
			backoff(ctx, 30*time.Second)
			continue
		}
		c.watch(ctx, w)
		backoff(ctx, 15*time.Second)
	}
}

func (c *Client) watch(ctx context.Context, w *vault.LifetimeWatcher) {
	go w.Start()
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-w.DoneCh():
			if err != nil {
				zap.S().Named("vault").Warnw("token renewal stopped", "err", err)
			}
			return
		case ev := <-w.RenewCh():
			if ev != nil && ev.Secret != nil && ev.Secret.Auth != nil {
				zap.S().Named("vault").Debugw("token renewed", "ttl", ev.Secret.Auth.LeaseDuration)
			}
		}
	}
}

func backoff(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
