package logins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/eoger/lockbox-bridge/internal/model"
	"github.com/eoger/lockbox-bridge/internal/store"
)

const (
	collection      = "passwords"
	maxSyncAttempts = 3
	maxErrorBody    = 512
	maxResponseBody = 32 << 20
)

// ClientInit carries what the caller knows about the account: the key id and
// OAuth access token to present to the tokenserver, and where it lives.
type ClientInit struct {
	KeyID          string
	AccessToken    string
	TokenserverURL string
}

// SyncResult summarises one sync.
type SyncResult struct {
	Incoming       int   `json:"incoming"`
	Applied        int   `json:"applied"`
	Uploaded       int   `json:"uploaded"`
	ServerModified int64 `json:"serverModified"`
}

// tokenResponse is the tokenserver reply.
type tokenResponse struct {
	ID          string `json:"id"`
	Key         string `json:"key"`
	UID         int64  `json:"uid"`
	APIEndpoint string `json:"api_endpoint"`
	Duration    int64  `json:"duration"`
}

// bso is a stored record as the storage server returns it.
type bso struct {
	ID       string  `json:"id"`
	Modified float64 `json:"modified,omitempty"`
	Payload  string  `json:"payload"`
}

// passwordRecord is the cleartext inside a bso payload.
type passwordRecord struct {
	model.Login
	Deleted bool `json:"deleted,omitempty"`
}

type uploadResponse struct {
	Modified float64             `json:"modified"`
	Success  []string            `json:"success"`
	Failed   map[string][]string `json:"failed"`
}

// Sync downloads remote changes, merges them, and uploads local changes.
// Incoming records are applied in one transaction; a failure before that
// point leaves the store untouched. Uploads are conditional on the collection
// not having changed since the download; when it has, the new records are
// merged first and the upload is retried.
func (e *Engine) Sync(ctx context.Context, init ClientInit, kb *KeyBundle) (SyncResult, error) {
	var res SyncResult
	if kb == nil {
		return res, ErrInvalidKeyBundle
	}

	creds, endpoint, err := e.fetchToken(ctx, init)
	if err != nil {
		return res, err
	}

	since, err := e.lastSync(ctx)
	if err != nil {
		return res, err
	}

	for attempt := 1; ; attempt++ {
		incoming, collectionTS, err := e.download(ctx, creds, endpoint, since)
		if err != nil {
			return res, err
		}
		res.Incoming += len(incoming)

		changes, err := e.reconcile(ctx, incoming, kb)
		if err != nil {
			return res, err
		}
		if err := e.store.ApplyIncoming(ctx, changes); err != nil {
			return res, fmt.Errorf("apply incoming: %w", err)
		}
		res.Applied += len(changes)
		since = max(since, collectionTS)

		uploaded, err := e.upload(ctx, creds, endpoint, kb, since)
		if errors.Is(err, ErrCollectionChanged) && attempt < maxSyncAttempts {
			e.logger.Info("collection changed during sync, downloading again", "attempt", attempt)
			continue
		}
		if err != nil {
			return res, err
		}
		res.Uploaded = uploaded
		break
	}

	// last_sync is the collection time seen by the download, never the upload
	// time: records other clients write in between are newer than it.
	res.ServerModified = since
	if err := e.store.SetMeta(ctx, metaLastSync, []byte(strconv.FormatInt(since, 10))); err != nil {
		return res, err
	}

	e.logger.Info("sync finished",
		"incoming", res.Incoming,
		"applied", res.Applied,
		"uploaded", res.Uploaded,
		"server_modified", res.ServerModified,
	)
	return res, nil
}

func (e *Engine) lastSync(ctx context.Context) (int64, error) {
	v, err := e.store.GetMeta(ctx, metaLastSync)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse last sync %q: %w", v, err)
	}
	return ts, nil
}

func (e *Engine) fetchToken(ctx context.Context, init ClientInit) (hawkCredentials, string, error) {
	u, err := url.JoinPath(init.TokenserverURL, "1.0", "sync", "1.5")
	if err != nil {
		return hawkCredentials{}, "", fmt.Errorf("tokenserver url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return hawkCredentials{}, "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+init.AccessToken)
	req.Header.Set("X-KeyID", init.KeyID)
	req.Header.Set("Accept", "application/json")

	var tok tokenResponse
	if _, err := e.doJSON(req, "tokenserver", &tok); err != nil {
		return hawkCredentials{}, "", err
	}
	if tok.ID == "" || tok.Key == "" || tok.APIEndpoint == "" {
		return hawkCredentials{}, "", errors.New("tokenserver: incomplete token response")
	}
	return hawkCredentials{ID: tok.ID, Key: tok.Key}, tok.APIEndpoint, nil
}

func (e *Engine) download(ctx context.Context, creds hawkCredentials, endpoint string, since int64) ([]bso, int64, error) {
	u, err := url.JoinPath(endpoint, "storage", collection)
	if err != nil {
		return nil, 0, fmt.Errorf("storage url: %w", err)
	}
	q := url.Values{"full": {"1"}}
	if since > 0 {
		q.Set("newer", formatServerTime(since))
	}
	u += "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if err := creds.sign(req, e.now()); err != nil {
		return nil, 0, err
	}

	var records []bso
	hdr, err := e.doJSON(req, "download", &records)
	if err != nil {
		return nil, 0, err
	}

	// Prefer the collection's last-modified time over the response time.
	ts := headerMillis(hdr, "X-Last-Modified")
	if ts == 0 {
		ts = headerMillis(hdr, "X-Weave-Timestamp")
	}
	if ts == 0 {
		for _, r := range records {
			ts = max(ts, toMillis(r.Modified))
		}
	}
	return records, ts, nil
}

// reconcile decides what each incoming record does to local state. Remote
// tombstones always win. A remote record overwrites a synced local one;
// records with pending local changes are settled by keepLocal.
func (e *Engine) reconcile(ctx context.Context, incoming []bso, kb *KeyBundle) ([]store.Change, error) {
	changes := make([]store.Change, 0, len(incoming))
	for _, b := range incoming {
		cleartext, err := kb.decrypt(b.Payload)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", b.ID, err)
		}
		var rec passwordRecord
		if err := json.Unmarshal(cleartext, &rec); err != nil {
			return nil, fmt.Errorf("record %s: decode cleartext: %w", b.ID, err)
		}
		if rec.ID == "" {
			rec.ID = b.ID
		}
		if rec.ID != b.ID {
			return nil, fmt.Errorf("record %s: payload id %q does not match", b.ID, rec.ID)
		}

		if rec.Deleted {
			changes = append(changes, store.Change{DeleteID: rec.ID})
			continue
		}

		modified := toMillis(b.Modified)
		local, err := e.store.GetLogin(ctx, rec.ID)
		if errors.Is(err, store.ErrNotFound) {
			local = nil
		} else if err != nil {
			return nil, err
		}
		if local != nil {
			if keepLocal(local, rec, modified) {
				e.logger.Debug("keeping local record", "id", rec.ID, "status", local.SyncStatus)
				continue
			}
			if err := checkTransition(local, model.SyncStatusSynced); err != nil {
				return nil, err
			}
		}

		l := normalize(rec.Login)
		if err := validate(l); err != nil {
			return nil, fmt.Errorf("record %s: %w", b.ID, err)
		}
		sl, err := e.sealLogin(l, model.SyncStatusSynced)
		if err != nil {
			return nil, err
		}
		sl.ServerModified = modified
		if local != nil {
			sl.LocalModified = local.LocalModified
		}
		changes = append(changes, store.Change{Upsert: sl})
	}
	return changes, nil
}

// keepLocal reports whether a record with pending local changes survives an
// incoming copy last written on the server at modified.
func keepLocal(local *model.StoredLogin, rec passwordRecord, modified int64) bool {
	switch local.SyncStatus {
	case model.SyncStatusSynced:
		return false
	case model.SyncStatusDeleted:
		// A tombstone only yields to a remote write made after the delete.
		return modified <= local.LocalModified
	default:
		// The server copy is the one we last synced, so nothing changed remotely.
		if local.ServerModified != 0 && modified == local.ServerModified {
			return true
		}
		return local.TimePasswordChanged >= rec.TimePasswordChanged
	}
}

// upload sends every pending record. The server refuses the batch if the
// collection changed after since; that comes back as ErrCollectionChanged.
func (e *Engine) upload(ctx context.Context, creds hawkCredentials, endpoint string, kb *KeyBundle, since int64) (int, error) {
	pending, err := e.store.ListChanged(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	out := make([]bso, 0, len(pending))
	for _, sl := range pending {
		var rec passwordRecord
		if sl.SyncStatus == model.SyncStatusDeleted {
			rec = passwordRecord{Login: model.Login{ID: sl.ID}, Deleted: true}
		} else {
			l, err := e.openLogin(sl)
			if err != nil {
				return 0, err
			}
			rec = passwordRecord{Login: l}
		}
		cleartext, err := json.Marshal(rec)
		if err != nil {
			return 0, fmt.Errorf("marshal record %s: %w", sl.ID, err)
		}
		payload, err := kb.encrypt(cleartext)
		if err != nil {
			return 0, err
		}
		out = append(out, bso{ID: sl.ID, Payload: payload})
	}

	body, err := json.Marshal(out)
	if err != nil {
		return 0, fmt.Errorf("marshal upload: %w", err)
	}
	u, err := url.JoinPath(endpoint, "storage", collection)
	if err != nil {
		return 0, fmt.Errorf("storage url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if since > 0 {
		req.Header.Set("X-If-Unmodified-Since", formatServerTime(since))
	}
	if err := creds.sign(req, e.now()); err != nil {
		return 0, err
	}

	var resp uploadResponse
	if _, err := e.doJSON(req, "upload", &resp); err != nil {
		var he *HTTPError
		if errors.As(err, &he) && he.StatusCode == http.StatusPreconditionFailed {
			return 0, fmt.Errorf("%w: %v", ErrCollectionChanged, err)
		}
		return 0, err
	}

	modified := toMillis(resp.Modified)
	if err := e.store.MarkSynced(ctx, resp.Success, modified); err != nil {
		return 0, err
	}
	if len(resp.Failed) > 0 {
		ids := make([]string, 0, len(resp.Failed))
		for id := range resp.Failed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return len(resp.Success), fmt.Errorf("%w: %s", ErrUploadRejected, strings.Join(ids, ", "))
	}
	return len(resp.Success), nil
}

// doJSON performs req, decodes a 200 JSON body into v and returns the
// response headers.
func (e *Engine) doJSON(req *http.Request, op string, v any) (http.Header, error) {
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(v); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return resp.Header, nil
}

// headerMillis parses a server timestamp header (fractional seconds) into
// milliseconds, or 0 when absent or malformed.
func headerMillis(h http.Header, key string) int64 {
	v := h.Get(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return toMillis(f)
}

// toMillis converts a server timestamp in fractional seconds to milliseconds.
func toMillis(seconds float64) int64 {
	return int64(math.Round(seconds * 1000))
}

func formatServerTime(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000, 'f', 2, 64)
}
