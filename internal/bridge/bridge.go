package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/eoger/lockbox-bridge/internal/account"
	"github.com/eoger/lockbox-bridge/internal/config"
	"github.com/eoger/lockbox-bridge/internal/handle"
	"github.com/eoger/lockbox-bridge/internal/logins"
	"github.com/eoger/lockbox-bridge/internal/model"
	"github.com/eoger/lockbox-bridge/internal/registry"
)

// Engine kinds, used as registry names and metric labels.
const (
	KindAccount = "account"
	KindStore   = "store"
)

// Operation names, used in errors, logs and metrics.
const (
	OpCreateAccountSession  = "create_account_session"
	OpBeginAuthFlow         = "begin_auth_flow"
	OpCompleteAuthFlow      = "complete_auth_flow"
	OpGetAccessToken        = "get_access_token"
	OpReleaseAccountSession = "release_account_session"
	OpCreateStore           = "create_store"
	OpSyncStore             = "sync_store"
	OpListStoreEntries      = "list_store_entries"
	OpAddStoreEntry         = "add_store_entry"
	OpReleaseStore          = "release_store"
)

var defaultScopes = []string{account.ScopeOldSync, account.ScopeProfile}

// Bridge owns the account and store registries. Both registries draw from
// one allocator, so a handle names at most one live instance of any kind.
type Bridge struct {
	cfg      config.Config
	accounts *registry.Registry[*account.Session]
	stores   *registry.Registry[*logins.Engine]
	client   *http.Client
	logger   *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithHTTPClient sets the client stores use to reach the sync servers.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bridge) { b.client = c }
}

// New creates a bridge with empty registries.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	alloc := handle.NewAllocator()
	b := &Bridge{
		cfg:      cfg,
		accounts: registry.New[*account.Session](KindAccount, alloc, logger),
		stores:   registry.New[*logins.Engine](KindStore, alloc, logger),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// LiveHandles returns the number of live handles per engine kind.
func (b *Bridge) LiveHandles() map[string]int {
	return map[string]int{
		b.accounts.Kind(): b.accounts.Len(),
		b.stores.Kind():   b.stores.Len(),
	}
}

// Close releases every remaining handle. It is meant for shutdown.
func (b *Bridge) Close() {
	b.accounts.Drain()
	b.stores.Drain()
	b.updateLiveHandles()
}

// CreateAccountSession creates an unauthenticated account session and
// returns its handle.
func (b *Bridge) CreateAccountSession(ctx context.Context) (string, error) {
	return call(ctx, b, OpCreateAccountSession, func(ctx context.Context) (string, error) {
		s, err := account.New(account.Config{
			ContentURL:  b.cfg.ContentURL,
			OAuthURL:    b.cfg.OAuthURL,
			ClientID:    b.cfg.ClientID,
			RedirectURI: b.cfg.RedirectURI,
		})
		if err != nil {
			return "", err
		}
		id, err := b.accounts.Insert(s)
		if err != nil {
			return "", err
		}
		b.updateLiveHandles()
		return id.String(), nil
	})
}

// BeginAuthFlow starts an OAuth flow on the session and returns the URL the
// user should visit.
func (b *Bridge) BeginAuthFlow(ctx context.Context, h string) (string, error) {
	return call(ctx, b, OpBeginAuthFlow, func(ctx context.Context) (string, error) {
		id, err := handle.Parse(h)
		if err != nil {
			return "", err
		}
		return registry.With(ctx, b.accounts, id, func(s *account.Session) (string, error) {
			return s.BeginOAuthFlow(defaultScopes...)
		})
	})
}

// CompleteAuthFlow finishes an OAuth flow. Any rejection by the account
// engine, an empty code or state included, is reported as false; errors are
// kept for handle failures.
func (b *Bridge) CompleteAuthFlow(ctx context.Context, h, code, state string) (bool, error) {
	return call(ctx, b, OpCompleteAuthFlow, func(ctx context.Context) (bool, error) {
		id, err := handle.Parse(h)
		if err != nil {
			return false, err
		}
		return registry.With(ctx, b.accounts, id, func(s *account.Session) (bool, error) {
			if err := s.CompleteOAuthFlow(ctx, code, state); err != nil {
				b.logger.Info("oauth flow not completed", "handle", id, "error", err)
				return false, nil
			}
			return true, nil
		})
	})
}

// GetAccessToken returns the session's access token as a JSON document.
func (b *Bridge) GetAccessToken(ctx context.Context, h string) (string, error) {
	return call(ctx, b, OpGetAccessToken, func(ctx context.Context) (string, error) {
		id, err := handle.Parse(h)
		if err != nil {
			return "", err
		}
		info, err := registry.With(ctx, b.accounts, id, func(s *account.Session) (*account.AccessTokenInfo, error) {
			return s.GetAccessToken(ctx, strings.Join(defaultScopes, " "))
		})
		if err != nil {
			return "", err
		}
		return encodeJSON(info)
	})
}

// ReleaseAccountSession destroys the session behind h.
func (b *Bridge) ReleaseAccountSession(ctx context.Context, h string) error {
	_, err := call(ctx, b, OpReleaseAccountSession, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.release(ctx, h, b.accounts.Remove)
	})
	return err
}

// CreateStore opens the login store at path and returns its handle.
func (b *Bridge) CreateStore(ctx context.Context, path string) (string, error) {
	return call(ctx, b, OpCreateStore, func(ctx context.Context) (string, error) {
		if path == "" {
			return "", malformedArgument("path")
		}
		e, err := logins.Open(path, b.cfg.StoreKey, logins.Options{
			HTTPClient: b.client,
			Logger:     b.logger,
		})
		if err != nil {
			return "", err
		}
		id, err := b.stores.Insert(e)
		if err != nil {
			e.Close()
			return "", err
		}
		b.updateLiveHandles()
		return id.String(), nil
	})
}

// SyncStore syncs the store with the account's storage servers. syncKey is
// the base64url key bundle; it is decoded by the store, so a bad key is an
// engine failure like any other sync failure.
func (b *Bridge) SyncStore(ctx context.Context, h, keyID, accessToken, syncKey string) error {
	_, err := call(ctx, b, OpSyncStore, func(ctx context.Context) (logins.SyncResult, error) {
		id, err := handle.Parse(h)
		if err != nil {
			return logins.SyncResult{}, err
		}
		if keyID == "" {
			return logins.SyncResult{}, malformedArgument("key id")
		}
		if accessToken == "" {
			return logins.SyncResult{}, malformedArgument("access token")
		}
		res, err := registry.With(ctx, b.stores, id, func(e *logins.Engine) (logins.SyncResult, error) {
			kb, err := logins.KeyBundleFromSyncKey(syncKey)
			if err != nil {
				return logins.SyncResult{}, err
			}
			return e.Sync(ctx, logins.ClientInit{
				KeyID:          keyID,
				AccessToken:    accessToken,
				TokenserverURL: b.cfg.TokenserverURL,
			}, kb)
		})
		if err != nil {
			return res, err
		}
		b.logger.Info("store synced",
			"handle", id,
			"incoming", res.Incoming,
			"applied", res.Applied,
			"uploaded", res.Uploaded,
		)
		return res, nil
	})
	return err
}

// ListStoreEntries returns the store's live logins as a JSON array.
func (b *Bridge) ListStoreEntries(ctx context.Context, h string) (string, error) {
	return call(ctx, b, OpListStoreEntries, func(ctx context.Context) (string, error) {
		id, err := handle.Parse(h)
		if err != nil {
			return "", err
		}
		entries, err := registry.With(ctx, b.stores, id, func(e *logins.Engine) ([]model.Login, error) {
			return e.List(ctx)
		})
		if err != nil {
			return "", err
		}
		if entries == nil {
			entries = []model.Login{}
		}
		return encodeJSON(entries)
	})
}

// AddStoreEntry adds the login encoded in entry and returns it as stored.
func (b *Bridge) AddStoreEntry(ctx context.Context, h, entry string) (string, error) {
	return call(ctx, b, OpAddStoreEntry, func(ctx context.Context) (string, error) {
		id, err := handle.Parse(h)
		if err != nil {
			return "", err
		}
		var l model.Login
		if err := json.Unmarshal([]byte(entry), &l); err != nil {
			return "", &Error{Kind: KindMalformedArgument, Message: "entry is not a valid login document", Err: err}
		}
		added, err := registry.With(ctx, b.stores, id, func(e *logins.Engine) (model.Login, error) {
			return e.Add(ctx, l)
		})
		if err != nil {
			return "", err
		}
		return encodeJSON(added)
	})
}

// ReleaseStore closes the store behind h.
func (b *Bridge) ReleaseStore(ctx context.Context, h string) error {
	_, err := call(ctx, b, OpReleaseStore, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.release(ctx, h, b.stores.Remove)
	})
	return err
}

// release unlinks h at once. Waiting for an in-flight operation honours ctx;
// if that wait is abandoned the operation closes the instance when it ends.
func (b *Bridge) release(ctx context.Context, h string, remove func(context.Context, handle.ID) error) error {
	id, err := handle.Parse(h)
	if err != nil {
		return err
	}
	err = remove(ctx, id)
	b.updateLiveHandles()
	return err
}

func (b *Bridge) updateLiveHandles() {
	liveHandles.WithLabelValues(b.accounts.Kind()).Set(float64(b.accounts.Len()))
	liveHandles.WithLabelValues(b.stores.Kind()).Set(float64(b.stores.Len()))
}

// call runs one operation: it times and counts it, translates its error and
// keeps any panic from escaping.
func call[R any](ctx context.Context, b *Bridge, op string, fn func(context.Context) (R, error)) (res R, err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			var zero R
			res = zero
			err = &Error{Kind: KindInternal, Op: op, Message: fmt.Sprintf("panic: %v", p)}
		}

		outcome := outcomeOK
		if err != nil {
			outcome = string(KindOf(err))
			b.logger.Warn("bridge call failed", "op", op, "kind", outcome, "error", err)
		} else {
			b.logger.Debug("bridge call", "op", op)
		}
		callsTotal.WithLabelValues(op, outcome).Inc()
		callDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	res, err = fn(ctx)
	if err != nil {
		var zero R
		return zero, Translate(op, err)
	}
	return res, nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}
