// Package metadata is the typed representation of TUF roles: Root,
// Timestamp, Snapshot, Targets, delegations, and the Mirrors role added by
// this module's domain-stack expansion (SPEC_FULL.md §3).
//
// The shapes here are grounded on kolide-updater's tuf/roles.go (Root,
// Snapshot, Timestamp, Targets, Signature, Delegations, DelegationRole,
// Key), generalized from Notary's fixed non-rotating root to full TUF:
// RoleKeys carries a threshold per role, Root carries consistent_snapshot,
// and DelegatedRole carries terminating and path_hash_prefixes, none of
// which Notary's model needs.
package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/kolide/tuf/canonicaljson"
	"github.com/kolide/tuf/keys"
	"github.com/kolide/tuf/tuferrors"
)

// Role type-name constants, the "_type" field of every role document.
const (
	RoleRoot      = "root"
	RoleTimestamp = "timestamp"
	RoleSnapshot  = "snapshot"
	RoleTargets   = "targets"
)

// Filenames for the four fixed top-level roles.
const (
	FilenameRoot      = "root.json"
	FilenameTimestamp = "timestamp.json"
	FilenameSnapshot  = "snapshot.json"
	FilenameTargets   = "targets.json"
)

// SupportedSpecVersionMajor is the major component this client's
// spec_version checks accept (spec §4.3).
const SupportedSpecVersionMajor = "1"

var specVersionPattern = regexp.MustCompile(`^(\d+)\.\d+\.\d+$`)

// Default per-role size bounds, spec §4.4.
const (
	DefaultMaxRootSize      = 512 * 1024
	DefaultMaxTimestampSize = 16 * 1024
	DefaultMaxSnapshotSize  = 2 * 1024 * 1024
	DefaultMaxTargetsSize   = 5 * 1024 * 1024
)

// Signature is one entry of a metadata document's "signatures" array.
type Signature struct {
	KeyID string `json:"keyid"`
	Sig   string `json:"sig"`
}

// RoleKeys names the keys and threshold authorized to sign one of Root's
// four top-level roles (spec §3).
type RoleKeys struct {
	KeyIDs    []string `json:"keyids"`
	Threshold int      `json:"threshold"`
}

// FileMetadata describes an expected file's version and, optionally, its
// length and hashes — used in Timestamp.Meta and Snapshot.Meta.
type FileMetadata struct {
	Version int64             `json:"version"`
	Length  *int64            `json:"length,omitempty"`
	Hashes  map[string]string `json:"hashes,omitempty"`
}

// TargetFile describes a single downloadable target: its length and
// hashes are mandatory (unlike FileMetadata's, which are optional for
// metadata-file entries).
type TargetFile struct {
	Length int64             `json:"length"`
	Hashes map[string]string `json:"hashes"`
	Custom json.RawMessage   `json:"custom,omitempty"`
}

// Equal compares two TargetFiles by (length, hashes), ignoring Custom, per
// spec §4.7's multi-repo consensus grouping rule.
func (t *TargetFile) Equal(o *TargetFile) bool {
	if t.Length != o.Length {
		return false
	}
	if len(t.Hashes) != len(o.Hashes) {
		return false
	}
	for alg, h := range t.Hashes {
		oh, ok := o.Hashes[alg]
		if !ok || oh != h {
			return false
		}
	}
	return true
}

// DelegatedRole is one entry of a Targets role's delegations.roles array.
type DelegatedRole struct {
	Name             string   `json:"name"`
	KeyIDs           []string `json:"keyids"`
	Threshold        int      `json:"threshold"`
	Terminating      bool     `json:"terminating"`
	Paths            []string `json:"paths,omitempty"`
	PathHashPrefixes []string `json:"path_hash_prefixes,omitempty"`
}

// Validate enforces "exactly one of paths / path_hash_prefixes" (spec §3).
func (d *DelegatedRole) Validate() error {
	hasPaths := len(d.Paths) > 0
	hasPrefixes := len(d.PathHashPrefixes) > 0
	if hasPaths == hasPrefixes {
		return &tuferrors.MalformedMetadata{
			Role: d.Name,
			Msg:  "delegated role must set exactly one of paths or path_hash_prefixes",
		}
	}
	return nil
}

// Delegations is a Targets role's optional delegation block.
type Delegations struct {
	Keys  map[string]*keys.Key `json:"keys"`
	Roles []DelegatedRole      `json:"roles"`
}

// Root is the signed content of root.json.
type Root struct {
	Type               string               `json:"_type"`
	SpecVersion        string               `json:"spec_version"`
	Version            int64                `json:"version"`
	Expires            time.Time            `json:"expires"`
	ConsistentSnapshot bool                 `json:"consistent_snapshot,omitempty"`
	Keys               map[string]*keys.Key `json:"keys"`
	Roles              map[string]RoleKeys  `json:"roles"`
}

// IsExpired reports whether referenceTime is at or after Expires (spec's
// "expires ≤ reference_time()" expiration rule).
func (r *Root) IsExpired(referenceTime time.Time) bool {
	return !referenceTime.Before(r.Expires)
}

// MarshalJSON normalizes Expires to the exact wire format ValidateExpires
// requires, regardless of the location or sub-second precision carried by
// the in-memory time.Time: signing bytes must match what a verifier will
// later accept.
func (r *Root) MarshalJSON() ([]byte, error) {
	type alias Root
	return json.Marshal(&struct {
		Expires string `json:"expires"`
		*alias
	}{
		Expires: EncodeExpires(r.Expires),
		alias:   (*alias)(r),
	})
}

// Validate enforces Root's structural invariants from spec §3: every
// keyid named by a role must be a key in Keys, and threshold must not
// exceed the number of keyids.
func (r *Root) Validate() error {
	if r.Type != RoleRoot {
		return &tuferrors.MalformedMetadata{Role: RoleRoot, Msg: "_type must be \"root\""}
	}
	if err := validateSpecVersion(r.SpecVersion); err != nil {
		return err
	}
	if r.Version < 1 {
		return &tuferrors.MalformedMetadata{Role: RoleRoot, Msg: "version must be >= 1"}
	}
	for _, required := range []string{RoleRoot, RoleTimestamp, RoleSnapshot, RoleTargets} {
		rk, ok := r.Roles[required]
		if !ok {
			return &tuferrors.MalformedMetadata{Role: RoleRoot, Msg: "missing role " + required}
		}
		if rk.Threshold < 1 {
			return &tuferrors.MalformedMetadata{Role: required, Msg: "threshold must be >= 1"}
		}
		if rk.Threshold > len(rk.KeyIDs) {
			return &tuferrors.MalformedMetadata{Role: required, Msg: "threshold exceeds number of keyids"}
		}
		for _, kid := range rk.KeyIDs {
			if _, ok := r.Keys[kid]; !ok {
				return &tuferrors.MalformedMetadata{Role: required, Msg: "keyid " + kid + " not present in keys"}
			}
		}
	}
	return nil
}

// Timestamp is the signed content of timestamp.json: exactly one meta
// entry, "snapshot.json" (spec §3).
type Timestamp struct {
	Type        string                  `json:"_type"`
	SpecVersion string                  `json:"spec_version"`
	Version     int64                   `json:"version"`
	Expires     time.Time               `json:"expires"`
	Meta        map[string]FileMetadata `json:"meta"`
}

func (t *Timestamp) IsExpired(referenceTime time.Time) bool {
	return !referenceTime.Before(t.Expires)
}

// MarshalJSON normalizes Expires the same way Root.MarshalJSON does.
func (t *Timestamp) MarshalJSON() ([]byte, error) {
	type alias Timestamp
	return json.Marshal(&struct {
		Expires string `json:"expires"`
		*alias
	}{
		Expires: EncodeExpires(t.Expires),
		alias:   (*alias)(t),
	})
}

func (t *Timestamp) Validate() error {
	if t.Type != RoleTimestamp {
		return &tuferrors.MalformedMetadata{Role: RoleTimestamp, Msg: "_type must be \"timestamp\""}
	}
	if err := validateSpecVersion(t.SpecVersion); err != nil {
		return err
	}
	if t.Version < 1 {
		return &tuferrors.MalformedMetadata{Role: RoleTimestamp, Msg: "version must be >= 1"}
	}
	if len(t.Meta) != 1 {
		return &tuferrors.MalformedMetadata{Role: RoleTimestamp, Msg: "meta must contain exactly one entry"}
	}
	if _, ok := t.Meta[FilenameSnapshot]; !ok {
		return &tuferrors.MalformedMetadata{Role: RoleTimestamp, Msg: "meta must contain \"snapshot.json\""}
	}
	return nil
}

// SnapshotMeta returns the FileMetadata entry for snapshot.json.
func (t *Timestamp) SnapshotMeta() FileMetadata {
	return t.Meta[FilenameSnapshot]
}

// Snapshot is the signed content of snapshot.json.
type Snapshot struct {
	Type        string                  `json:"_type"`
	SpecVersion string                  `json:"spec_version"`
	Version     int64                   `json:"version"`
	Expires     time.Time               `json:"expires"`
	Meta        map[string]FileMetadata `json:"meta"`
}

func (s *Snapshot) IsExpired(referenceTime time.Time) bool {
	return !referenceTime.Before(s.Expires)
}

// MarshalJSON normalizes Expires the same way Root.MarshalJSON does.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	type alias Snapshot
	return json.Marshal(&struct {
		Expires string `json:"expires"`
		*alias
	}{
		Expires: EncodeExpires(s.Expires),
		alias:   (*alias)(s),
	})
}

func (s *Snapshot) Validate() error {
	if s.Type != RoleSnapshot {
		return &tuferrors.MalformedMetadata{Role: RoleSnapshot, Msg: "_type must be \"snapshot\""}
	}
	if err := validateSpecVersion(s.SpecVersion); err != nil {
		return err
	}
	if s.Version < 1 {
		return &tuferrors.MalformedMetadata{Role: RoleSnapshot, Msg: "version must be >= 1"}
	}
	if _, ok := s.Meta[FilenameTargets]; !ok {
		return &tuferrors.MalformedMetadata{Role: RoleSnapshot, Msg: "meta must contain \"targets.json\""}
	}
	return nil
}

// Targets is the signed content of targets.json or a delegated role's
// <name>.json.
type Targets struct {
	Type        string                 `json:"_type"`
	SpecVersion string                 `json:"spec_version"`
	Version     int64                  `json:"version"`
	Expires     time.Time              `json:"expires"`
	Targets     map[string]*TargetFile `json:"targets"`
	Delegations *Delegations           `json:"delegations,omitempty"`
}

func (t *Targets) IsExpired(referenceTime time.Time) bool {
	return !referenceTime.Before(t.Expires)
}

// MarshalJSON normalizes Expires the same way Root.MarshalJSON does.
func (t *Targets) MarshalJSON() ([]byte, error) {
	type alias Targets
	return json.Marshal(&struct {
		Expires string `json:"expires"`
		*alias
	}{
		Expires: EncodeExpires(t.Expires),
		alias:   (*alias)(t),
	})
}

func (t *Targets) Validate() error {
	if t.Type != RoleTargets {
		return &tuferrors.MalformedMetadata{Role: RoleTargets, Msg: "_type must be \"targets\""}
	}
	if err := validateSpecVersion(t.SpecVersion); err != nil {
		return err
	}
	if t.Version < 1 {
		return &tuferrors.MalformedMetadata{Role: RoleTargets, Msg: "version must be >= 1"}
	}
	for path, tf := range t.Targets {
		if len(tf.Hashes) == 0 {
			return &tuferrors.MalformedMetadata{Role: RoleTargets, Msg: "target " + path + " has no hashes"}
		}
	}
	if t.Delegations != nil {
		for _, d := range t.Delegations.Roles {
			if err := d.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// MirrorInfo and Mirrors implement the optional mirrors.json role this
// module's domain-stack expansion adds (SPEC_FULL.md §3.1), grounded on
// kolide-updater's Settings.MirrorURL field and the mirror test server in
// tuf/delegation_test.go's TestEndToEnd.
type MirrorInfo struct {
	URLBase             string   `json:"url_base"`
	MetadataPath        string   `json:"metadata_path"`
	TargetsPath         string   `json:"targets_path"`
	ConfinedTargetDirs  []string `json:"confined_target_dirs,omitempty"`
}

type Mirrors struct {
	Type        string       `json:"_type"`
	SpecVersion string       `json:"spec_version"`
	Version     int64        `json:"version"`
	Expires     time.Time    `json:"expires"`
	Mirrors     []MirrorInfo `json:"mirrors"`
}

func validateSpecVersion(v string) error {
	m := specVersionPattern.FindStringSubmatch(v)
	if m == nil {
		return &tuferrors.UnsupportedSpecVersion{Got: v}
	}
	if m[1] != SupportedSpecVersionMajor {
		return &tuferrors.UnsupportedSpecVersion{Got: v}
	}
	return nil
}

// ValidateExpires enforces the RFC3339-UTC-seconds-no-fraction shape spec
// §4.3 requires ("Z suffix", "no fractional seconds"). time.Time's JSON
// unmarshaling already parses RFC3339; this re-validates the exact
// wire-format the signer must have used, since a byte-for-byte match is
// what signing actually covers.
func ValidateExpires(raw string) error {
	const layout = "2006-01-02T15:04:05Z"
	parsed, err := time.Parse(layout, raw)
	if err != nil {
		return errors.Wrap(err, "expires must be RFC3339 UTC with seconds precision and a Z suffix")
	}
	if parsed.Location() != time.UTC {
		return errors.New("expires must be UTC")
	}
	// time.Parse accepts a fractional-second field even when the layout
	// has none, so compare against the exact re-formatted value.
	if parsed.Format(layout) != raw {
		return errors.New("expires must not carry fractional seconds")
	}
	return nil
}

// EncodeExpires formats a time.Time the way this client signs and emits
// "expires" fields: RFC3339, UTC, seconds precision, Z suffix.
func EncodeExpires(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// ValidateExpiresField re-validates the raw wire-format "expires" string
// in a signed role document before it is decoded into a time.Time: Go's
// encoding/json happily parses fractional-second or non-Z-suffixed
// RFC3339 variants into time.Time, which would silently admit a document
// violating spec §4.3's exact format rule. role names the document for
// the returned error.
func ValidateExpiresField(role string, signedBytes []byte) error {
	var probe struct {
		Expires string `json:"expires"`
	}
	if err := json.Unmarshal(signedBytes, &probe); err != nil {
		return &tuferrors.MalformedJson{Role: role, Err: err}
	}
	if err := ValidateExpires(probe.Expires); err != nil {
		return &tuferrors.MalformedMetadata{Role: role, Msg: err.Error()}
	}
	return nil
}

// PathIsMatch implements spec §4.3's DelegatedRole.path_is_match(path):
// exactly one of Paths/PathHashPrefixes is populated (Validate enforces
// this), so exactly one branch below applies. An empty pattern list
// matches nothing.
func (d *DelegatedRole) PathIsMatch(path string) bool {
	if len(d.Paths) > 0 {
		for _, pattern := range d.Paths {
			if fnmatchPath(pattern, path) {
				return true
			}
		}
		return false
	}
	if len(d.PathHashPrefixes) > 0 {
		sum := sha256.Sum256([]byte(path))
		hexSum := hex.EncodeToString(sum[:])
		for _, prefix := range d.PathHashPrefixes {
			if strings.HasPrefix(hexSum, strings.ToLower(prefix)) {
				return true
			}
		}
		return false
	}
	return false
}

// MatchGlob applies spec §4.3/§4.7's fnmatch-style path pattern to path.
// It is the same matcher DelegatedRole.PathIsMatch uses for its paths
// case, exported so the Multi-Repo Client (C7) can apply the identical
// rule to MappingRule.Paths without duplicating the glob engine.
func MatchGlob(pattern, path string) bool {
	return fnmatchPath(pattern, path)
}

// fnmatchPath matches pattern against path using shell-glob-like
// semantics restricted to spec §4.3's rules: '*' matches any run of
// zero or more non-'/' characters, '?' matches exactly one non-'/'
// character, and every other byte matches itself literally. '*' is
// never recursive; '**' has no special meaning (each '*' in it is
// matched independently).
func fnmatchPath(pattern, path string) bool {
	return fnmatchMatch(pattern, path)
}

func fnmatchMatch(pattern, s string) bool {
	// Classic greedy-backtracking glob match, non-recursive '*'.
	var pi, si int
	var starIdx = -1
	var starMatch int
	for si < len(s) {
		if pi < len(pattern) && (pattern[pi] == '?' && s[si] != '/' || pattern[pi] == s[si]) {
			pi++
			si++
			continue
		}
		if pi < len(pattern) && pattern[pi] == '*' {
			starIdx = pi
			starMatch = si
			pi++
			continue
		}
		if starIdx != -1 {
			// Backtrack: '*' consumes one more character, but never '/'.
			if s[starMatch] == '/' {
				return false
			}
			starMatch++
			si = starMatch
			pi = starIdx + 1
			continue
		}
		return false
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// Sign computes the canonical-JSON signed-bytes of signed, signs them
// with every signer in keyPairs, and returns a full {signed,signatures}
// envelope. Used by the Repository Builder (C8); mirrors the Sign step
// of other_examples/53a3d8a9_kipz-go-tuf-metadata__metadata-metadata.go.go,
// generalized to this package's canonicaljson/keys types instead of that
// file's sigstore-native signer abstraction.
func Sign(signed interface{}, keyPairs []Signer) ([]byte, error) {
	signedBytes, err := canonicaljson.MarshalCanonical(signed)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling signed content")
	}
	sigs := make([]canonicaljson.RawSignature, 0, len(keyPairs))
	for _, kp := range keyPairs {
		sigHex, err := kp.Sign(signedBytes)
		if err != nil {
			return nil, errors.Wrapf(err, "signing with key %s", kp.KeyID())
		}
		sigs = append(sigs, canonicaljson.RawSignature{KeyID: kp.KeyID(), Sig: sigHex})
	}
	env := struct {
		Signed     json.RawMessage             `json:"signed"`
		Signatures []canonicaljson.RawSignature `json:"signatures"`
	}{
		Signed:     signedBytes,
		Signatures: sigs,
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling signed envelope")
	}
	return out, nil
}

// Signer is the minimal signing capability the Repository Builder needs
// from a private key: produce a hex signature over already-canonicalized
// bytes, and report the KeyID it signs as.
type Signer interface {
	KeyID() string
	Sign(signedBytes []byte) (sigHex string, err error)
}
