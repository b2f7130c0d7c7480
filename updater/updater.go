// Package updater implements the orchestrator (spec §4.6): it drives a
// trustedmetadata.Set through a refresh against a fetcher.Fetcher, and
// exposes get_target_info / download_target to callers.
//
// The functional-options configuration (WithClock, WithCache, WithLogger,
// ...) follows kolide-updater/updater.go's own Frequency/WantNotifications
// pattern, generalized from a single closed set of two option types to an
// open one via a typed Option func, and structured logging follows the
// same library the rest of this module's ambient stack uses,
// github.com/go-kit/kit/log, with security-relevant failures (signature,
// rollback, expiry, integrity) logged at a distinct level from transient
// transport errors, per spec.md §7's closing guidance.
package updater

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/kolide/tuf/fetcher"
	"github.com/kolide/tuf/metadata"
	"github.com/kolide/tuf/trustedmetadata"
	"github.com/kolide/tuf/tuferrors"
)

// Settings configures an Updater. MetadataURL and TargetsURL are the two
// repository base URLs named in spec §6's "URL layout" contract.
type Settings struct {
	MetadataURL string
	TargetsURL  string

	Fetcher fetcher.Fetcher
	Clock   fetcher.Clock
	Cache   fetcher.Cache
	Logger  kitlog.Logger
	Limits  trustedmetadata.Limits

	FetchTimeout time.Duration
}

// Option mutates Settings at construction time.
type Option func(*Settings)

// WithClock overrides the reference clock (default: wall-clock UTC).
func WithClock(c fetcher.Clock) Option {
	return func(s *Settings) { s.Clock = c }
}

// WithCache enables local persistence of admitted metadata bytes.
func WithCache(c fetcher.Cache) Option {
	return func(s *Settings) { s.Cache = c }
}

// WithLogger overrides the structured logger (default: a no-op logger).
func WithLogger(l kitlog.Logger) Option {
	return func(s *Settings) { s.Logger = l }
}

// WithLimits overrides the default per-role size and delegation bounds.
func WithLimits(l trustedmetadata.Limits) Option {
	return func(s *Settings) { s.Limits = l }
}

// WithFetchTimeout bounds every individual fetch (default: 30s).
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Settings) { s.FetchTimeout = d }
}

const defaultFetchTimeout = 30 * time.Second

// Updater orchestrates refresh(), get_target_info(), and download_target()
// for a single repository (spec §4.6). It owns exactly one
// trustedmetadata.Set for its lifetime (spec §3's ownership rule).
type Updater struct {
	settings Settings
	logger   kitlog.Logger

	mu        sync.Mutex
	set       *trustedmetadata.Set
	refreshed bool
}

// New parses and accepts initialRootBytes as the trust anchor without
// checking expiration — the bootstrap step spec §4.6 calls out
// explicitly, deferring the expiry check to the first CheckFinalRoot
// inside Refresh. metadataURL and targetsURL are the two repository base
// URLs spec §4.6's constructor signature names explicitly.
func New(initialRootBytes []byte, metadataURL, targetsURL string, f fetcher.Fetcher, opts ...Option) (*Updater, error) {
	settings := Settings{
		MetadataURL:  metadataURL,
		TargetsURL:   targetsURL,
		Fetcher:      f,
		Clock:        fetcher.NewRealClock(),
		Limits:       trustedmetadata.DefaultLimits(),
		FetchTimeout: defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.Logger == nil {
		settings.Logger = kitlog.NewNopLogger()
	}
	logger := kitlog.With(settings.Logger, "ts", kitlog.DefaultTimestampUTC)

	set, err := trustedmetadata.New(settings.Clock, initialRootBytes, settings.Limits)
	if err != nil {
		return nil, errors.Wrap(err, "constructing trusted metadata set")
	}
	return &Updater{settings: settings, logger: logger, set: set}, nil
}

// Set exposes the underlying Trusted Metadata Set, primarily for tests
// and for a Multi-Repo Client composing several Updaters.
func (u *Updater) Set() *trustedmetadata.Set { return u.set }

func (u *Updater) deadline() time.Time {
	if u.settings.FetchTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(u.settings.FetchTimeout)
}

func (u *Updater) fetch(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	data, err := u.settings.Fetcher.Fetch(ctx, url, maxBytes, u.deadline())
	if err != nil {
		logFetchError(u.logger, url, err)
	}
	return data, err
}

// Refresh implements spec §4.6's refresh(): root-walk, check_final_root,
// then timestamp/snapshot/targets in strict sequence. Each trustedmetadata
// transition is itself all-or-nothing, so a mid-refresh failure stops
// before the next transition is attempted; transitions already admitted
// earlier in the same refresh (and the slots they cleared) stay as they
// are, and are not rolled back.
func (u *Updater) Refresh(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.refreshLocked(ctx)
}

// refreshLocked is Refresh's body, split out so GetTargetInfo can perform
// its "refresh if needed" check and the refresh itself inside one critical
// section instead of releasing u.mu between the check and the act.
func (u *Updater) refreshLocked(ctx context.Context) error {
	if err := u.walkRoots(ctx); err != nil {
		return errors.Wrap(err, "refreshing root")
	}
	if err := u.set.CheckFinalRoot(); err != nil {
		level.Error(u.logger).Log("phase", "check_final_root", "err", err)
		return err
	}

	tsURL := u.metadataURL("timestamp.json")
	tsBytes, err := u.fetch(ctx, tsURL, u.settings.Limits.MaxTimestampSize)
	if err != nil {
		return errors.Wrap(err, "fetching timestamp")
	}
	if err := u.set.UpdateTimestamp(tsBytes); err != nil {
		logAdmissionError(u.logger, metadata.RoleTimestamp, err)
		return err
	}
	u.persist(metadata.FilenameTimestamp, tsBytes)

	snapName := u.versionedName(metadata.FilenameSnapshot, u.set.Timestamp().SnapshotMeta().Version)
	snapBytes, err := u.fetch(ctx, u.metadataURL(snapName), u.settings.Limits.MaxSnapshotSize)
	if err != nil {
		return errors.Wrap(err, "fetching snapshot")
	}
	if err := u.set.UpdateSnapshot(snapBytes); err != nil {
		logAdmissionError(u.logger, metadata.RoleSnapshot, err)
		return err
	}
	u.persist(metadata.FilenameSnapshot, snapBytes)

	tgtMeta := u.set.Snapshot().Meta[metadata.FilenameTargets]
	tgtName := u.versionedName(metadata.FilenameTargets, tgtMeta.Version)
	tgtBytes, err := u.fetch(ctx, u.metadataURL(tgtName), u.settings.Limits.MaxTargetsSize)
	if err != nil {
		return errors.Wrap(err, "fetching targets")
	}
	if err := u.set.UpdateTargets(tgtBytes); err != nil {
		logAdmissionError(u.logger, metadata.RoleTargets, err)
		return err
	}
	u.persist(metadata.FilenameTargets, tgtBytes)

	u.refreshed = true
	level.Info(u.logger).Log("msg", "refresh complete", "root_version", u.set.Root().Version)
	return nil
}

// walkRoots fetches "<n>.root.json" for n = current+1, current+2, ...,
// feeding each to UpdateRoot, and stops at the first absent version
// (spec §4.6).
func (u *Updater) walkRoots(ctx context.Context) error {
	for {
		next := u.set.Root().Version + 1
		url := u.metadataURL(fmt.Sprintf("%d.root.json", next))
		data, err := u.settings.Fetcher.Fetch(ctx, url, u.settings.Limits.MaxRootSize, u.deadline())
		if err != nil {
			var nf *tuferrors.NotFound
			if stderrors.As(err, &nf) {
				return nil
			}
			logFetchError(u.logger, url, err)
			return err
		}
		if err := u.set.UpdateRoot(data); err != nil {
			logAdmissionError(u.logger, metadata.RoleRoot, err)
			return err
		}
		u.persist(fmt.Sprintf("%d.root.json", next), data)
		u.persist(metadata.FilenameRoot, data)
	}
}

// GetTargetInfo implements spec §4.6: refreshes first if needed, then
// runs the Delegation Resolver, fetching and admitting any delegated role
// the walk touches along the way.
func (u *Updater) GetTargetInfo(ctx context.Context, path string) (*metadata.TargetFile, string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.refreshed {
		if err := u.refreshLocked(ctx); err != nil {
			return nil, "", err
		}
	}

	fetchAdmit := func(name, parentName string) error {
		fm, ok := u.set.Snapshot().Meta[name+".json"]
		if !ok {
			return &tuferrors.UnknownRole{Name: name}
		}
		roleURL := u.metadataURL(u.versionedName(name+".json", fm.Version))
		data, err := u.fetch(ctx, roleURL, u.settings.Limits.MaxTargetsSize)
		if err != nil {
			return err
		}
		if err := u.set.UpdateDelegatedTargets(name, data, parentName); err != nil {
			logAdmissionError(u.logger, name, err)
			return err
		}
		u.persist(name+".json", data)
		return nil
	}

	result, err := u.set.Resolve(path, fetchAdmit)
	if err != nil {
		return nil, "", err
	}
	if result == nil {
		return nil, "", nil
	}
	return result.TargetFile, result.Role, nil
}

// DownloadTarget fetches, verifies, and optionally persists a target's
// bytes (spec §4.6's download_target). localDest, if non-empty, is where
// the verified bytes are written.
func (u *Updater) DownloadTarget(ctx context.Context, tf *metadata.TargetFile, path string, localDest string) (string, []byte, error) {
	downloadURL := u.targetURL(tf, path)
	data, err := u.fetch(ctx, downloadURL, tf.Length)
	if err != nil {
		return "", nil, errors.Wrapf(err, "downloading target %q", path)
	}
	if int64(len(data)) != tf.Length {
		err := &tuferrors.IntegrityFailure{Kind: tuferrors.IntegrityFailureLength, File: path}
		level.Error(u.logger).Log("phase", "download_target", "path", path, "err", err)
		return "", nil, err
	}
	if err := trustedmetadata.VerifyHashes(path, data, tf.Hashes); err != nil {
		level.Error(u.logger).Log("phase", "download_target", "path", path, "err", err)
		return "", nil, err
	}

	if localDest == "" {
		return path, data, nil
	}
	if err := os.WriteFile(localDest, data, 0o644); err != nil {
		return "", nil, errors.Wrapf(err, "writing target %q to %q", path, localDest)
	}
	return localDest, data, nil
}

// targetURL computes the download URL per spec §4.6: hash-prefixed
// basename under consistent_snapshot, else the path as-is.
func (u *Updater) targetURL(tf *metadata.TargetFile, path string) string {
	if !u.set.Root().ConsistentSnapshot {
		return u.settings.TargetsURL + "/" + path
	}
	hashHex := firstHash(tf.Hashes)
	base := path
	if idx := lastSlash(path); idx >= 0 {
		base = path[idx+1:]
	}
	return u.settings.TargetsURL + "/" + hashHex + "." + base
}

// firstHash picks a deterministic representative hash from a TargetFile's
// hashes map (Go map iteration order is randomized) by sorting algorithm
// names and taking the first — spec §4.6 says "the first listed hash"
// without defining an order across implementations, so this client
// defines "listed" as "lexicographically first algorithm name".
func firstHash(hashes map[string]string) string {
	algs := make([]string, 0, len(hashes))
	for alg := range hashes {
		algs = append(algs, alg)
	}
	sort.Strings(algs)
	if len(algs) == 0 {
		return ""
	}
	return hashes[algs[0]]
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func (u *Updater) metadataURL(name string) string {
	return u.settings.MetadataURL + "/" + name
}

// versionedName prefixes name with "<version>." when the trusted root
// declares consistent_snapshot, per spec §6's URL layout contract.
func (u *Updater) versionedName(name string, version int64) string {
	if !u.set.Root().ConsistentSnapshot {
		return name
	}
	return fmt.Sprintf("%d.%s", version, name)
}

func (u *Updater) persist(name string, data []byte) {
	if u.settings.Cache == nil {
		return
	}
	if err := u.settings.Cache.Write(name, data); err != nil {
		level.Warn(u.logger).Log("msg", "failed to persist metadata to cache", "name", name, "err", err)
	}
}

// logFetchError logs a transport-layer failure. These are routine and
// expected (a flaky mirror, a timeout) so they are logged at Warn, not
// Error. walkRoots does not call it for the NotFound that ends root
// rotation.
func logFetchError(logger kitlog.Logger, url string, err error) {
	level.Warn(logger).Log("msg", "fetch failed", "url", url, "err", err)
}

// logAdmissionError logs a trustedmetadata admission failure, splitting
// security-relevant rejections (signature, rollback, expiry) from
// ordinary structural ones onto a distinct, louder log level, per
// spec.md §7's closing guidance to treat these two classes differently.
func logAdmissionError(logger kitlog.Logger, role string, err error) {
	if isSecurityRelevant(err) {
		level.Error(logger).Log("msg", "security-relevant metadata rejection", "role", role, "err", err)
		return
	}
	level.Warn(logger).Log("msg", "metadata rejected", "role", role, "err", err)
}

func isSecurityRelevant(err error) bool {
	switch err.(type) {
	case *tuferrors.SignatureVerificationFailed,
		*tuferrors.InsufficientSignatures,
		*tuferrors.RollbackAttack,
		*tuferrors.EqualVersionNumber,
		*tuferrors.ExpiredMetadata,
		*tuferrors.IntegrityFailure:
		return true
	default:
		return false
	}
}
