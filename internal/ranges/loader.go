package ranges

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Digest algorithms accepted for the announced checksum.
const (
	DigestMD5    = "md5"
	DigestSHA256 = "sha256"
)

// DefaultMaxBodyBytes caps the downloaded document size.
const DefaultMaxBodyBytes = 16 << 20

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	Service      string
	IncludeIPv6  bool
	Digest       string
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
}

// Loader fetches, verifies and parses the published range document.
type Loader struct {
	cfg        LoaderConfig
	httpClient *http.Client
}

// NewLoader creates a Loader. A nil httpClient gets a client with cfg.Timeout.
func NewLoader(cfg LoaderConfig, httpClient *http.Client) *Loader {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Digest == "" {
		cfg.Digest = DigestMD5
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "edgesync"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Loader{cfg: cfg, httpClient: httpClient}
}

// Load fetches url, checks the body against checksum and returns the parsed
// document together with the desired CIDR set for the configured service.
func (l *Loader) Load(ctx context.Context, url, checksum string) (*Document, *Set, error) {
	body, err := l.fetch(ctx, url)
	if err != nil {
		return nil, nil, err
	}

	if err := l.verify(body, checksum); err != nil {
		return nil, nil, err
	}

	doc, err := ParseDocument(body)
	if err != nil {
		return nil, nil, err
	}

	set, err := doc.Select(l.cfg.Service, l.cfg.IncludeIPv6)
	if err != nil {
		return nil, nil, err
	}

	log.Info().
		Str("service", l.cfg.Service).
		Str("sync_token", doc.SyncToken).
		Int("prefixes", len(doc.Prefixes)).
		Int("selected", set.Len()).
		Msg("IP ranges loaded")

	return doc, set, nil
}

func (l *Loader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", l.cfg.UserAgent)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &TransportError{URL: url, StatusCode: resp.StatusCode}
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &ContentTypeError{URL: url, ContentType: contentType}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, l.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	if int64(len(body)) > l.cfg.MaxBodyBytes {
		return nil, &TransportError{URL: url, Err: fmt.Errorf("body exceeds %d bytes", l.cfg.MaxBodyBytes)}
	}

	log.Debug().Str("url", url).Int("bytes", len(body)).Msg("IP ranges fetched")
	return body, nil
}

func (l *Loader) verify(body []byte, checksum string) error {
	var h hash.Hash
	switch l.cfg.Digest {
	case DigestSHA256:
		h = sha256.New()
	default:
		h = md5.New()
	}
	h.Write(body)
	actual := hex.EncodeToString(h.Sum(nil))
	expected := strings.ToLower(strings.TrimSpace(checksum))

	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return &IntegrityError{Algorithm: l.cfg.Digest, Expected: expected, Actual: actual}
	}
	return nil
}
