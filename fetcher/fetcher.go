// Package fetcher defines the external collaborators the trust layer is
// deliberately built against rather than on top of (spec §6): Fetcher for
// network I/O, Clock for time, and Cache for local persistence. This
// package also ships the default HTTP-backed implementations of all
// three, grounded on kolide-updater/tuf/remote_repo.go's notaryRepo (for
// Fetcher) and tuf/local_repo.go + tuf/persistence.go (for Cache).
package fetcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/pkg/errors"

	"github.com/kolide/tuf/tuferrors"
)

// Fetcher retrieves the bytes of a single remote resource, bounding the
// response to maxBytes and the wait to deadline. Implementations may
// retry internally; the trust layer treats one call as one logical fetch
// (spec §6).
type Fetcher interface {
	Fetch(ctx context.Context, url string, maxBytes int64, deadline time.Time) ([]byte, error)
}

// Clock abstracts reference_time() (spec §4.4's T2/T3/T4/T5 expiration
// checks). Production code uses NewRealClock; tests inject a fixed or
// advancing clock, the same seam kolide-updater/tuf/delegation_test.go
// exercises via github.com/WatchBeam/clock's MockClock.
type Clock interface {
	Now() time.Time
}

// realClock adapts github.com/WatchBeam/clock's wall-clock implementation
// — the same library the teacher's test suite uses for its mock — to
// this package's narrower Clock interface.
type realClock struct {
	c clock.Clock
}

// NewRealClock returns a Clock backed by wall-clock UTC time.
func NewRealClock() Clock {
	return &realClock{c: clock.New()}
}

func (r *realClock) Now() time.Time {
	return r.c.Now().UTC()
}

// Cache is the optional local-persistence collaborator (spec §6): Read
// returns (nil, nil) for a missing entry, Write is atomic (rename after a
// temp-file write, never a partial file observable at name), Delete is
// idempotent.
type Cache interface {
	Read(name string) ([]byte, error)
	Write(name string, data []byte) error
	Delete(name string) error
}

// HTTPFetcher is the default Fetcher, built directly on net/http the way
// kolide-updater/tuf/remote_repo.go's notaryRepo.getRole is: a bounded
// io.LimitedReader over the response body, translating HTTP status and
// size-limit outcomes into the trust layer's own error taxonomy instead of
// leaking *http.Response details upward.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns an HTTPFetcher whose client has a bounded TLS
// handshake timeout and no overall client timeout; the wait for each
// request is bounded only by the deadline passed to Fetch. Replace Client
// to change either.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Client: &http.Client{
			Transport: &http.Transport{
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// NewHTTPFetcherWithRootCAs returns an HTTPFetcher that trusts only the
// certificate authorities in pemCerts, for repositories served from a
// private or self-hosted TLS endpoint — grounded on
// kolide-updater/transport.go's certPool/getTransport (pool built from a
// PEM file, dialer with a bounded handshake timeout and keep-alive),
// generalized from that Notary-specific reader/config indirection to a
// direct PEM-bytes argument.
func NewHTTPFetcherWithRootCAs(pemCerts []byte) (*HTTPFetcher, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemCerts) {
		return nil, errors.New("no certificates could be parsed from the supplied PEM bytes")
	}
	return &HTTPFetcher{
		Client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
				TLSClientConfig:     &tls.Config{RootCAs: pool},
			},
		},
	}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, maxBytes int64, deadline time.Time) ([]byte, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, errors.Wrapf(err, "parsing fetch url %q", rawURL)
	}
	reqCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building fetch request")
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, &tuferrors.Timeout{URL: rawURL}
		}
		return nil, &tuferrors.Transport{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &tuferrors.NotFound{URL: rawURL}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &tuferrors.Transport{URL: rawURL, Err: errors.Errorf("unexpected status %s", resp.Status)}
	}

	// Clients must bound read sizes per spec §4.4/§4.6; read one byte past
	// the limit so an exactly-sized body doesn't falsely look oversized.
	limited := &io.LimitedReader{R: resp.Body, N: maxBytes + 1}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, limited)
	if err != nil {
		return nil, &tuferrors.Transport{URL: rawURL, Err: err}
	}
	if n > maxBytes {
		return nil, &tuferrors.OversizedMetadata{Role: rawURL, MaxSize: maxBytes}
	}
	return buf.Bytes(), nil
}

// FileCache is the default Cache, a directory of <name> files written via
// temp-file-then-rename, generalizing the backup/restore discipline of
// kolide-updater/tuf/persistence.go into a single atomic write primitive
// rather than a whole-repo backup/restore pass.
type FileCache struct {
	Dir string
}

func NewFileCache(dir string) *FileCache {
	return &FileCache{Dir: dir}
}

func (c *FileCache) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(c.Dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading cache entry %q", name)
	}
	return data, nil
}

func (c *FileCache) Write(name string, data []byte) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return errors.Wrap(err, "creating cache directory")
	}
	tmp, err := os.CreateTemp(c.Dir, "."+name+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating temp cache file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "writing temp cache file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "syncing temp cache file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "closing temp cache file")
	}
	if err := os.Rename(tmpPath, filepath.Join(c.Dir, name)); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "renaming temp cache file into place")
	}
	return nil
}

func (c *FileCache) Delete(name string) error {
	err := os.Remove(filepath.Join(c.Dir, name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "deleting cache entry %q", name)
	}
	return nil
}
