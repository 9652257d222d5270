// Package credential implements C1: per-domain credential storage,
// OAuth refresh under single-flight contention, and atomic on-disk
// updates (spec.md §4.1).
package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	gocache "github.com/patrickmn/go-cache"

	"github.com/claude-nexus/proxy/common"
	"github.com/claude-nexus/proxy/common/config"
	"github.com/claude-nexus/proxy/common/logger"
)

// Sentinel errors, matching spec.md §7's abstract error taxonomy.
var (
	ErrNotFound          = errors.New("credential: domain not found")
	ErrNoRefreshToken    = errors.New("credential: no refresh token available")
	ErrRefreshRejected   = errors.New("credential: refresh rejected by upstream")
)

const (
	cacheTTL            = 30 * time.Second
	refreshSkewDuration = 60 * time.Second
)

// OAuthCredential is the oauth branch of the on-disk credential file (spec.md §6).
type OAuthCredential struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    int64    `json:"expires_at"`
	Scopes       []string `json:"scopes"`
	IsMax        bool     `json:"is_max"`
}

// Credential is one domain's entry in the credentials directory.
type Credential struct {
	Type         string           `json:"type"` // "api_key" | "oauth"
	APIKey       string           `json:"api_key,omitempty"`
	OAuth        *OAuthCredential `json:"oauth,omitempty"`
	ClientAPIKey string           `json:"client_api_key,omitempty"`
}

// Store maps domain -> Credential, backed by files in a directory,
// fronted by a process-wide TTL cache, hot-reloaded via fsnotify.
type Store struct {
	dir  string
	http *http.Client

	cache *gocache.Cache

	mu         sync.Mutex
	refreshMus map[string]*sync.Mutex

	watcher *fsWatcher
}

// NewStore opens (but does not yet populate) a credential store rooted at dir.
func NewStore(dir string, httpClient *http.Client) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create credentials dir: %s", dir)
	}
	s := &Store{
		dir:        dir,
		http:       httpClient,
		cache:      gocache.New(cacheTTL, 2*cacheTTL),
		refreshMus: make(map[string]*sync.Mutex),
	}
	return s, nil
}

// WatchForChanges starts an fsnotify watcher that invalidates the cache
// entry for any credential file modified out-of-band (e.g. by a sibling
// proxy instance, or an operator editing the file directly).
func (s *Store) WatchForChanges() error {
	w, err := newFSWatcher(s.dir, func(path string) {
		domain := domainFromPath(path)
		if domain == "" {
			return
		}
		s.cache.Delete(domain)
		logger.Logger.Info("credential file changed, cache invalidated", zap.String("domain", domain))
	})
	if err != nil {
		return errors.Wrap(err, "start credential watcher")
	}
	s.watcher = w
	return nil
}

// Close stops the hot-reload watcher, if running.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

// Lookup returns the current credential for a domain, reading from cache
// where possible and falling back to the credentials directory.
func (s *Store) Lookup(domain string) (*Credential, error) {
	if cached, ok := s.cache.Get(domain); ok {
		return cached.(*Credential), nil
	}
	cred, err := s.readFromDisk(domain)
	if err != nil {
		return nil, err
	}
	s.cache.Set(domain, cred, gocache.DefaultExpiration)
	return cred, nil
}

// EnsureFresh returns a usable access token for domain, refreshing an
// OAuth credential if it expires within refreshSkewDuration. Concurrent
// callers for the same domain observe a single refresh: the loser of the
// per-domain mutex re-reads the (by then fresh) credential instead of
// issuing its own refresh call.
func (s *Store) EnsureFresh(ctx context.Context, domain string) (string, error) {
	cred, err := s.Lookup(domain)
	if err != nil {
		return "", err
	}

	if cred.Type == "api_key" {
		return cred.APIKey, nil
	}
	if cred.OAuth == nil {
		return "", errors.Wrapf(ErrNoRefreshToken, "domain=%s", domain)
	}
	if !needsRefresh(cred.OAuth) {
		return cred.OAuth.AccessToken, nil
	}

	mu := s.domainMutex(domain)
	mu.Lock()
	defer mu.Unlock()

	// Re-check: another goroutine may have already refreshed while we
	// were waiting for the lock.
	s.cache.Delete(domain)
	cred, err = s.Lookup(domain)
	if err != nil {
		return "", err
	}
	if cred.OAuth == nil {
		return "", errors.Wrapf(ErrNoRefreshToken, "domain=%s", domain)
	}
	if !needsRefresh(cred.OAuth) {
		return cred.OAuth.AccessToken, nil
	}
	if cred.OAuth.RefreshToken == "" {
		return "", errors.Wrapf(ErrNoRefreshToken, "domain=%s", domain)
	}

	refreshed, err := s.refresh(ctx, domain, cred)
	if err != nil {
		return "", err
	}
	return refreshed.OAuth.AccessToken, nil
}

func needsRefresh(o *OAuthCredential) bool {
	return time.Now().Add(refreshSkewDuration).Unix() >= o.ExpiresAt
}

// domainMutex returns (lazily creating) the per-domain single-flight mutex.
func (s *Store) domainMutex(domain string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.refreshMus[domain]
	if !ok {
		mu = &sync.Mutex{}
		s.refreshMus[domain] = mu
	}
	return mu
}

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int64    `json:"expires_in"`
	Scopes       []string `json:"scopes"`
}

// refresh calls the OAuth refresh endpoint and persists the result,
// preserving non-OAuth fields of the credential (spec.md §4.1).
func (s *Store) refresh(ctx context.Context, domain string, cred *Credential) (*Credential, error) {
	logger.Logger.Info("refreshing oauth credential",
		zap.String("domain", domain),
		zap.String("refresh_token", common.MaskSecret(cred.OAuth.RefreshToken)))

	body, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: cred.OAuth.RefreshToken,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal refresh request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.OAuthRefreshURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, errors.Wrap(err, "build refresh request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrRefreshRejected, "domain=%s: %s", domain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Wrapf(ErrRefreshRejected, "domain=%s status=%d", domain, resp.StatusCode)
	}

	var parsed refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrapf(ErrRefreshRejected, "domain=%s: decode response: %s", domain, err)
	}

	updated := *cred
	oauth := *cred.OAuth
	oauth.AccessToken = parsed.AccessToken
	if parsed.RefreshToken != "" {
		oauth.RefreshToken = parsed.RefreshToken
	}
	oauth.ExpiresAt = time.Now().Unix() + parsed.ExpiresIn
	if len(parsed.Scopes) > 0 {
		oauth.Scopes = parsed.Scopes
	}
	updated.OAuth = &oauth

	if err := s.writeAtomic(domain, &updated); err != nil {
		return nil, errors.Wrap(err, "persist refreshed credential")
	}
	s.cache.Set(domain, &updated, gocache.DefaultExpiration)
	return &updated, nil
}

func (s *Store) readFromDisk(domain string) (*Credential, error) {
	path := s.pathFor(domain)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "domain=%s", domain)
		}
		return nil, errors.Wrapf(err, "read credential file: %s", path)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, errors.Wrapf(err, "parse credential file: %s", path)
	}
	return &cred, nil
}

// writeAtomic writes the credential as write-temp-then-rename, per
// spec.md §6's "atomic write on refresh" contract.
func (s *Store) writeAtomic(domain string, cred *Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal credential")
	}

	path := s.pathFor(domain)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(err, "open temp credential file: %s", tmp)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "write temp credential file: %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "fsync temp credential file: %s", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close temp credential file: %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "rename credential file: %s -> %s", tmp, path)
	}
	return nil
}

func (s *Store) pathFor(domain string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.credentials.json", domain))
}

const credentialFileSuffix = ".credentials.json"

func domainFromPath(path string) string {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, credentialFileSuffix) {
		return ""
	}
	return strings.TrimSuffix(base, credentialFileSuffix)
}
