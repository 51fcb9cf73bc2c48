package webbotauth

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"gopkg.in/square/go-jose.v2"
)

// DirectoryContentType is the media type the key directory must serve.
const DirectoryContentType = "application/http-message-signatures-directory+json"

const (
	// maxDirectoryBytes caps the directory response body.
	maxDirectoryBytes = 64 * 1024

	// directoryCacheTTL bounds how long a fetched directory may be reused.
	directoryCacheTTL = 60 * time.Second

	// directoryFetchTimeout is the per-fetch deadline.
	directoryFetchTimeout = 10 * time.Second
)

// DirectoryKey is one usable signing key from a directory: an Ed25519
// public key with its RFC 7638 thumbprint.
type DirectoryKey struct {
	PublicKey  ed25519.PublicKey
	Thumbprint string
}

type directoryEntry struct {
	keys      []DirectoryKey
	fetchedAt time.Time
}

// DirectoryClient fetches Web-Bot-Auth key directories and caches them for
// at most 60 seconds. The cache is shared across requests; writes are rare.
type DirectoryClient struct {
	// AllowInsecure permits http:// directory URLs on loopback hosts only.
	// Production directories require https.
	AllowInsecure bool

	// HTTPClient overrides the transport; a 10 s timeout client is the
	// default.
	HTTPClient *http.Client

	mu    sync.RWMutex
	cache map[string]directoryEntry
	now   func() time.Time
}

// NewDirectoryClient creates a directory client.
func NewDirectoryClient() *DirectoryClient {
	return &DirectoryClient{
		HTTPClient: &http.Client{Timeout: directoryFetchTimeout},
		cache:      make(map[string]directoryEntry),
		now:        time.Now,
	}
}

// LookupKey resolves the signing key whose RFC 7638 thumbprint equals keyID
// in the directory published at agentURL. A cached directory is used when
// fresh; an explicit miss invalidates the cached entry.
func (c *DirectoryClient) LookupKey(ctx context.Context, agentURL, keyID string) (DirectoryKey, error) {
	keys, err := c.keysFor(ctx, agentURL)
	if err != nil {
		return DirectoryKey{}, err
	}

	for _, key := range keys {
		if key.Thumbprint == keyID {
			return key, nil
		}
	}

	// The key may have rotated since the cache fill; drop the entry so the
	// next attempt refetches.
	c.mu.Lock()
	delete(c.cache, agentURL)
	c.mu.Unlock()

	return DirectoryKey{}, fmt.Errorf("no directory key with thumbprint %s", keyID)
}

func (c *DirectoryClient) keysFor(ctx context.Context, agentURL string) ([]DirectoryKey, error) {
	c.mu.RLock()
	entry, ok := c.cache[agentURL]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.fetchedAt) < directoryCacheTTL {
		return entry.keys, nil
	}

	keys, err := c.fetch(ctx, agentURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[agentURL] = directoryEntry{keys: keys, fetchedAt: c.now()}
	c.mu.Unlock()
	return keys, nil
}

func (c *DirectoryClient) fetch(ctx context.Context, agentURL string) ([]DirectoryKey, error) {
	parsed, err := url.Parse(agentURL)
	if err != nil {
		return nil, fmt.Errorf("invalid signature-agent url: %w", err)
	}
	switch parsed.Scheme {
	case "https":
	case "http":
		if !c.AllowInsecure || !isLoopbackHost(parsed.Hostname()) {
			return nil, fmt.Errorf("signature-agent url must use https: %s", agentURL)
		}
	default:
		return nil, fmt.Errorf("signature-agent url must use https: %s", agentURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agentURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", DirectoryContentType)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory fetch returned status %d", resp.StatusCode)
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != DirectoryContentType {
		return nil, fmt.Errorf("directory served unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDirectoryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("directory read failed: %w", err)
	}
	if len(body) > maxDirectoryBytes {
		return nil, fmt.Errorf("directory exceeds %d bytes", maxDirectoryBytes)
	}

	var keySet jose.JSONWebKeySet
	if err := json.Unmarshal(body, &keySet); err != nil {
		return nil, fmt.Errorf("directory is not a JWKS document: %w", err)
	}

	var keys []DirectoryKey
	for _, jwk := range keySet.Keys {
		publicKey, ok := jwk.Key.(ed25519.PublicKey)
		if !ok {
			// Only OKP/Ed25519 keys participate in this profile.
			continue
		}
		thumbprint, err := jwk.Thumbprint(crypto.SHA256)
		if err != nil {
			continue
		}
		keys = append(keys, DirectoryKey{
			PublicKey:  publicKey,
			Thumbprint: base64.RawURLEncoding.EncodeToString(thumbprint),
		})
	}
	return keys, nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
