package logins

import (
	"context"
	"crypto/cipher"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/eoger/lockbox-bridge/internal/model"
	"github.com/eoger/lockbox-bridge/internal/store"
)

// Meta keys kept in the store.
const (
	metaSalt     = "salt"
	metaKeyCheck = "key_check"
	metaLastSync = "last_sync"
)

const defaultHTTPTimeout = 60 * time.Second

// Options configures an Engine. The zero value is usable.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Engine is an encrypted login store bound to one database file.
// It is not safe for concurrent use; callers serialize access.
type Engine struct {
	store  store.Store
	aead   cipher.AEAD
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the store at path and unlocks it with key.
func Open(path, key string, opts Options) (*Engine, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	e, err := newEngine(context.Background(), s, key, opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	return e, nil
}

func newEngine(ctx context.Context, s store.Store, key string, opts Options) (*Engine, error) {
	salt, err := s.GetMeta(ctx, metaSalt)
	fresh := errors.Is(err, store.ErrNotFound)
	if err != nil && !fresh {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	if fresh {
		if salt, err = newSalt(); err != nil {
			return nil, err
		}
		if err := s.SetMeta(ctx, metaSalt, salt); err != nil {
			return nil, err
		}
	}

	aead, err := deriveAEAD(key, salt)
	if err != nil {
		return nil, err
	}

	if fresh {
		check, err := seal(aead, keyCheckPlaintext, metaKeyCheck)
		if err != nil {
			return nil, err
		}
		if err := s.SetMeta(ctx, metaKeyCheck, check); err != nil {
			return nil, err
		}
	} else {
		check, err := s.GetMeta(ctx, metaKeyCheck)
		if err != nil {
			return nil, fmt.Errorf("read key check: %w", err)
		}
		if _, err := unseal(aead, check, metaKeyCheck); err != nil {
			return nil, ErrWrongKey
		}
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Engine{
		store:  s,
		aead:   aead,
		client: client,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the underlying store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Add validates and stores a new login, filling in the ID and timestamps when
// they are unset. It returns the login as stored.
func (e *Engine) Add(ctx context.Context, l model.Login) (model.Login, error) {
	l = normalize(l)
	if err := validate(l); err != nil {
		return model.Login{}, err
	}

	now := e.now().UnixMilli()
	if l.ID == "" {
		l.ID = model.NewID()
	}
	if l.TimeCreated == 0 {
		l.TimeCreated = now
	}
	if l.TimeLastUsed == 0 {
		l.TimeLastUsed = now
	}
	if l.TimePasswordChanged == 0 {
		l.TimePasswordChanged = now
	}
	if l.TimesUsed == 0 {
		l.TimesUsed = 1
	}

	sl, err := e.sealLogin(l, model.SyncStatusNew)
	if err != nil {
		return model.Login{}, err
	}
	sl.LocalModified = now
	if err := e.store.CreateLogin(ctx, sl); err != nil {
		if errors.Is(err, store.ErrExists) {
			return model.Login{}, fmt.Errorf("%w: id %s already in use", ErrInvalidLogin, l.ID)
		}
		return model.Login{}, err
	}
	return l, nil
}

// Get returns a live login by ID.
func (e *Engine) Get(ctx context.Context, id string) (model.Login, error) {
	sl, err := e.getLive(ctx, id)
	if err != nil {
		return model.Login{}, err
	}
	return e.openLogin(sl)
}

// Update replaces a live login. The password change time is bumped when the
// password differs from the stored one.
func (e *Engine) Update(ctx context.Context, l model.Login) error {
	l = normalize(l)
	if err := validate(l); err != nil {
		return err
	}
	existing, err := e.getLive(ctx, l.ID)
	if err != nil {
		return err
	}
	old, err := e.openLogin(existing)
	if err != nil {
		return err
	}

	now := e.now().UnixMilli()
	l.TimeCreated = old.TimeCreated
	if l.Password != old.Password {
		l.TimePasswordChanged = now
	} else if l.TimePasswordChanged == 0 {
		l.TimePasswordChanged = old.TimePasswordChanged
	}

	status := model.SyncStatusChanged
	if existing.SyncStatus == model.SyncStatusNew {
		status = model.SyncStatusNew
	}
	if err := checkTransition(existing, status); err != nil {
		return err
	}
	sl, err := e.sealLogin(l, status)
	if err != nil {
		return err
	}
	sl.ServerModified = existing.ServerModified
	sl.LocalModified = now
	return e.store.UpdateLogin(ctx, sl)
}

// Delete removes a login. Records that were never uploaded vanish at once;
// others leave a tombstone until the next sync. It reports whether a live
// login existed.
func (e *Engine) Delete(ctx context.Context, id string) (bool, error) {
	existing, err := e.getLive(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if existing.SyncStatus == model.SyncStatusNew {
		if err := e.store.DeleteLogin(ctx, id); err != nil {
			return false, fmt.Errorf("delete login: %w", err)
		}
		return true, nil
	}

	if err := checkTransition(existing, model.SyncStatusDeleted); err != nil {
		return false, err
	}
	existing.SyncStatus = model.SyncStatusDeleted
	existing.LocalModified = e.now().UnixMilli()
	if err := e.store.UpdateLogin(ctx, existing); err != nil {
		return false, fmt.Errorf("tombstone login: %w", err)
	}
	return true, nil
}

// List returns every live login with its password decrypted.
func (e *Engine) List(ctx context.Context) ([]model.Login, error) {
	stored, err := e.store.ListLogins(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Login, 0, len(stored))
	for _, sl := range stored {
		l, err := e.openLogin(sl)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (e *Engine) getLive(ctx context.Context, id string) (*model.StoredLogin, error) {
	sl, err := e.store.GetLogin(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if sl.SyncStatus == model.SyncStatusDeleted {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sl, nil
}

func (e *Engine) sealLogin(l model.Login, status string) (*model.StoredLogin, error) {
	sealed, err := seal(e.aead, []byte(l.Password), l.ID)
	if err != nil {
		return nil, fmt.Errorf("seal password: %w", err)
	}
	sl := &model.StoredLogin{
		Login:          l,
		SealedPassword: sealed,
		SyncStatus:     status,
	}
	sl.Password = ""
	return sl, nil
}

func (e *Engine) openLogin(sl *model.StoredLogin) (model.Login, error) {
	pw, err := unseal(e.aead, sl.SealedPassword, sl.ID)
	if err != nil {
		return model.Login{}, fmt.Errorf("login %s: %w", sl.ID, err)
	}
	l := sl.Login
	l.Password = string(pw)
	return l, nil
}

func checkTransition(sl *model.StoredLogin, to string) error {
	if !model.ValidTransition(sl.SyncStatus, to) {
		return fmt.Errorf("%w: login %s from %s to %s", ErrInvalidTransition, sl.ID, sl.SyncStatus, to)
	}
	return nil
}

func normalize(l model.Login) model.Login {
	l.Hostname = norm.NFC.String(l.Hostname)
	l.FormSubmitURL = norm.NFC.String(l.FormSubmitURL)
	l.HTTPRealm = norm.NFC.String(l.HTTPRealm)
	l.Username = norm.NFC.String(l.Username)
	return l
}

func validate(l model.Login) error {
	switch {
	case l.Hostname == "":
		return fmt.Errorf("%w: hostname is required", ErrInvalidLogin)
	case l.Password == "":
		return fmt.Errorf("%w: password is required", ErrInvalidLogin)
	case l.FormSubmitURL != "" && l.HTTPRealm != "":
		return fmt.Errorf("%w: formSubmitURL and httpRealm are mutually exclusive", ErrInvalidLogin)
	}
	return nil
}
