// Package trustedmetadata implements the security kernel of the client
// (spec §4.4): a state machine that ingests untrusted role bytes and
// either admits them to a monotonically advancing Trusted Metadata Set or
// rejects them with a precise error. It also implements the Delegation
// Resolver (spec §4.5), a bounded, cycle-safe DFS over the set's
// delegated targets roles.
//
// The set's shape — named slots (Root/Timestamp/Snapshot/Targets plus a
// map of delegated roles) each holding the last admitted document and its
// verified signed-bytes — generalizes kolide-updater/tuf/repo.go's
// repo/remoteRepo/persistentRepo split: where the teacher fetches a role
// fresh from local or remote storage on every call, this set is the
// single owned, mutating object that a refresh threads through in strict
// order (spec §4.4's T1..T6), matching spec §5's "single-threaded with
// cooperative suspension" scheduling model.
package trustedmetadata

import (
	"github.com/pkg/errors"

	"github.com/kolide/tuf/canonicaljson"
	"github.com/kolide/tuf/fetcher"
	"github.com/kolide/tuf/keys"
	"github.com/kolide/tuf/metadata"
	"github.com/kolide/tuf/tuferrors"
)

// Limits bounds the state machine accepts documents under: per-role byte
// sizes (spec §4.4) and delegation DFS bounds (spec §4.5).
type Limits struct {
	MaxRootSize         int64
	MaxTimestampSize    int64
	MaxSnapshotSize     int64
	MaxTargetsSize      int64
	MaxDelegationDepth  int
	MaxDelegationVisits int
}

// DefaultLimits returns the defaults named in spec §4.4/§4.5.
func DefaultLimits() Limits {
	return Limits{
		MaxRootSize:         metadata.DefaultMaxRootSize,
		MaxTimestampSize:    metadata.DefaultMaxTimestampSize,
		MaxSnapshotSize:     metadata.DefaultMaxSnapshotSize,
		MaxTargetsSize:      metadata.DefaultMaxTargetsSize,
		MaxDelegationDepth:  32,
		MaxDelegationVisits: 32 * 32,
	}
}

// delegatedEntry is one admitted delegated targets role.
type delegatedEntry struct {
	targets     *metadata.Targets
	signedBytes []byte
	parent      string
}

// Set is the Trusted Metadata Set: the single owned, mutating collection
// of admitted role documents for one repository. An Updater holds exactly
// one Set for its lifetime (spec §3's "Ownership/lifecycle").
type Set struct {
	clock  fetcher.Clock
	limits Limits

	root      *metadata.Root
	rootBytes []byte

	timestamp      *metadata.Timestamp
	timestampBytes []byte

	snapshot      *metadata.Snapshot
	snapshotBytes []byte

	targets      *metadata.Targets
	targetsBytes []byte

	delegated map[string]*delegatedEntry
}

// New constructs a Set from the initial trusted root bytes (the bootstrap
// trust anchor). Per spec §4.6, the initial root is accepted without an
// expiration check — CheckFinalRoot is the caller's responsibility once a
// refresh actually begins.
func New(clk fetcher.Clock, initialRootBytes []byte, limits Limits) (*Set, error) {
	if int64(len(initialRootBytes)) > limits.MaxRootSize {
		return nil, &tuferrors.OversizedMetadata{Role: metadata.RoleRoot, MaxSize: limits.MaxRootSize}
	}
	root, _, err := decodeRoot(initialRootBytes)
	if err != nil {
		return nil, err
	}
	if err := root.Validate(); err != nil {
		return nil, err
	}
	// The bootstrap root is self-trusting: its own signatures must satisfy
	// its own threshold (there is no "old root" yet to also check against).
	if err := verifyRoleSignatures(metadata.RoleRoot, initialRootBytes, root.Keys, root.Roles[metadata.RoleRoot]); err != nil {
		return nil, err
	}
	return &Set{
		clock:     clk,
		limits:    limits,
		root:      root,
		rootBytes: initialRootBytes,
		delegated: make(map[string]*delegatedEntry),
	}, nil
}

// Root returns the currently trusted Root document.
func (s *Set) Root() *metadata.Root { return s.root }

// Timestamp returns the currently trusted Timestamp document, or nil.
func (s *Set) Timestamp() *metadata.Timestamp { return s.timestamp }

// Snapshot returns the currently trusted Snapshot document, or nil.
func (s *Set) Snapshot() *metadata.Snapshot { return s.snapshot }

// Targets returns the currently trusted top-level Targets document, or nil.
func (s *Set) Targets() *metadata.Targets { return s.targets }

// Delegated returns an admitted delegated targets role by name, or nil.
func (s *Set) Delegated(name string) *metadata.Targets {
	e, ok := s.delegated[name]
	if !ok {
		return nil
	}
	return e.targets
}

// UpdateRoot implements T1: admit a candidate new root, verified against
// both the currently-trusted root's threshold and the candidate root's
// own threshold, requiring an exact version increment. On success, every
// downstream slot is cleared, since a root rotation can change who is
// authorized to sign everything below it.
func (s *Set) UpdateRoot(newRootBytes []byte) error {
	if int64(len(newRootBytes)) > s.limits.MaxRootSize {
		return &tuferrors.OversizedMetadata{Role: metadata.RoleRoot, MaxSize: s.limits.MaxRootSize}
	}
	newRoot, _, err := decodeRoot(newRootBytes)
	if err != nil {
		return err
	}
	if err := newRoot.Validate(); err != nil {
		return err
	}

	if err := verifyRoleSignatures(metadata.RoleRoot, newRootBytes, s.root.Keys, s.root.Roles[metadata.RoleRoot]); err != nil {
		return err
	}
	if err := verifyRoleSignatures(metadata.RoleRoot, newRootBytes, newRoot.Keys, newRoot.Roles[metadata.RoleRoot]); err != nil {
		return err
	}

	if newRoot.Version != s.root.Version+1 {
		return &tuferrors.RollbackAttack{Role: metadata.RoleRoot, Prev: s.root.Version, Got: newRoot.Version}
	}

	s.root = newRoot
	s.rootBytes = newRootBytes
	s.timestamp, s.timestampBytes = nil, nil
	s.snapshot, s.snapshotBytes = nil, nil
	s.targets, s.targetsBytes = nil, nil
	s.delegated = make(map[string]*delegatedEntry)
	return nil
}

// CheckFinalRoot implements T2: once root rotation has converged, the
// root actually in force must not be expired.
func (s *Set) CheckFinalRoot() error {
	now := s.clock.Now()
	if s.root.IsExpired(now) {
		return &tuferrors.ExpiredMetadata{Role: metadata.RoleRoot, ExpiredAt: metadata.EncodeExpires(s.root.Expires)}
	}
	return nil
}

// UpdateTimestamp implements T3.
func (s *Set) UpdateTimestamp(data []byte) error {
	if int64(len(data)) > s.limits.MaxTimestampSize {
		return &tuferrors.OversizedMetadata{Role: metadata.RoleTimestamp, MaxSize: s.limits.MaxTimestampSize}
	}
	ts, _, err := decodeTimestamp(data)
	if err != nil {
		return err
	}
	if err := ts.Validate(); err != nil {
		return err
	}
	if err := verifyRoleSignatures(metadata.RoleTimestamp, data, s.root.Keys, s.root.Roles[metadata.RoleTimestamp]); err != nil {
		return err
	}

	if s.timestamp != nil {
		if ts.Version < s.timestamp.Version {
			return &tuferrors.RollbackAttack{Role: metadata.RoleTimestamp, Prev: s.timestamp.Version, Got: ts.Version}
		}
		if ts.Version == s.timestamp.Version {
			return &tuferrors.EqualVersionNumber{Role: metadata.RoleTimestamp, Version: ts.Version}
		}
		oldSnap := s.timestamp.SnapshotMeta()
		newSnap := ts.SnapshotMeta()
		if newSnap.Version < oldSnap.Version {
			return &tuferrors.RollbackAttack{Role: metadata.RoleSnapshot, Prev: oldSnap.Version, Got: newSnap.Version}
		}
	}

	now := s.clock.Now()
	if !ts.Expires.After(now) {
		return &tuferrors.ExpiredMetadata{Role: metadata.RoleTimestamp, ExpiredAt: metadata.EncodeExpires(ts.Expires)}
	}

	s.timestamp = ts
	s.timestampBytes = data
	s.snapshot, s.snapshotBytes = nil, nil
	s.targets, s.targetsBytes = nil, nil
	s.delegated = make(map[string]*delegatedEntry)
	return nil
}

// UpdateSnapshot implements T4.
func (s *Set) UpdateSnapshot(data []byte) error {
	if s.timestamp == nil {
		return &tuferrors.NotInitialized{Msg: "snapshot cannot be admitted before timestamp"}
	}
	if int64(len(data)) > s.limits.MaxSnapshotSize {
		return &tuferrors.OversizedMetadata{Role: metadata.RoleSnapshot, MaxSize: s.limits.MaxSnapshotSize}
	}
	expected := s.timestamp.SnapshotMeta()
	if err := checkFileMetadata(metadata.RoleSnapshot, data, expected); err != nil {
		return err
	}

	snap, _, err := decodeSnapshot(data)
	if err != nil {
		return err
	}
	if err := snap.Validate(); err != nil {
		return err
	}
	if err := verifyRoleSignatures(metadata.RoleSnapshot, data, s.root.Keys, s.root.Roles[metadata.RoleSnapshot]); err != nil {
		return err
	}

	if snap.Version != expected.Version {
		return &tuferrors.RollbackAttack{Role: metadata.RoleSnapshot, Prev: expected.Version, Got: snap.Version}
	}

	if s.snapshot != nil {
		for filename, oldMeta := range s.snapshot.Meta {
			newMeta, ok := snap.Meta[filename]
			if !ok {
				// Missing entries are not rollback for snapshot-vs-snapshot
				// comparison (spec §4.4 T4) — the resolver fails to locate
				// the role later if this matters.
				continue
			}
			if newMeta.Version < oldMeta.Version {
				return &tuferrors.RollbackAttack{Role: filename, Prev: oldMeta.Version, Got: newMeta.Version}
			}
		}
	}

	now := s.clock.Now()
	if !snap.Expires.After(now) {
		return &tuferrors.ExpiredMetadata{Role: metadata.RoleSnapshot, ExpiredAt: metadata.EncodeExpires(snap.Expires)}
	}

	s.snapshot = snap
	s.snapshotBytes = data
	s.targets, s.targetsBytes = nil, nil
	s.delegated = make(map[string]*delegatedEntry)
	return nil
}

// UpdateTargets implements T5 (the top-level targets role).
func (s *Set) UpdateTargets(data []byte) error {
	if s.snapshot == nil {
		return &tuferrors.NotInitialized{Msg: "targets cannot be admitted before snapshot"}
	}
	return s.admitTargets(metadata.RoleTargets, data, s.root.Keys, s.root.Roles[metadata.RoleTargets], "")
}

// UpdateDelegatedTargets implements T6: admit bytes for a named delegated
// role, verified against its parent's delegation keys and threshold.
func (s *Set) UpdateDelegatedTargets(name string, data []byte, parentName string) error {
	parent, err := s.resolveParent(parentName)
	if err != nil {
		return err
	}
	if parent.Delegations == nil {
		return &tuferrors.UnknownRole{Name: name}
	}
	var role *metadata.DelegatedRole
	for i := range parent.Delegations.Roles {
		if parent.Delegations.Roles[i].Name == name {
			role = &parent.Delegations.Roles[i]
			break
		}
	}
	if role == nil {
		return &tuferrors.UnknownRole{Name: name}
	}
	rk := metadata.RoleKeys{KeyIDs: role.KeyIDs, Threshold: role.Threshold}
	if err := s.admitTargets(name, data, parent.Delegations.Keys, rk, parentName); err != nil {
		return err
	}
	return nil
}

func (s *Set) resolveParent(parentName string) (*metadata.Targets, error) {
	if parentName == metadata.RoleTargets || parentName == "" {
		if s.targets == nil {
			return nil, &tuferrors.NotInitialized{Msg: "top-level targets not yet admitted"}
		}
		return s.targets, nil
	}
	e, ok := s.delegated[parentName]
	if !ok {
		return nil, &tuferrors.NotInitialized{Msg: "delegated parent " + parentName + " not yet admitted"}
	}
	return e.targets, nil
}

// admitTargets is the shared body of T5/T6: both admit a Targets document
// against a (keys, RoleKeys) pair and a Snapshot-pinned FileMetadata
// entry named "<name>.json"; they differ only in which slot the result
// lands in and which key set authorizes it.
func (s *Set) admitTargets(name string, data []byte, availableKeys map[string]*keys.Key, rk metadata.RoleKeys, parentName string) error {
	if int64(len(data)) > s.limits.MaxTargetsSize {
		return &tuferrors.OversizedMetadata{Role: name, MaxSize: s.limits.MaxTargetsSize}
	}
	filename := name + ".json"
	expected, ok := s.snapshot.Meta[filename]
	if !ok {
		return &tuferrors.UnknownRole{Name: name}
	}
	if err := checkFileMetadata(name, data, expected); err != nil {
		return err
	}

	tgt, _, err := decodeTargets(data)
	if err != nil {
		return err
	}
	if err := tgt.Validate(); err != nil {
		return err
	}
	if err := verifyRoleSignatures(name, data, availableKeys, rk); err != nil {
		return err
	}
	if tgt.Version != expected.Version {
		return &tuferrors.RollbackAttack{Role: name, Prev: expected.Version, Got: tgt.Version}
	}

	now := s.clock.Now()
	if !tgt.Expires.After(now) {
		return &tuferrors.ExpiredMetadata{Role: name, ExpiredAt: metadata.EncodeExpires(tgt.Expires)}
	}

	if name == metadata.RoleTargets {
		s.targets = tgt
		s.targetsBytes = data
	} else {
		s.delegated[name] = &delegatedEntry{targets: tgt, signedBytes: data, parent: parentName}
	}
	return nil
}

// checkFileMetadata verifies data's length and hashes (when set) against a
// Snapshot/Timestamp FileMetadata pin (spec §4.4 T4/T5/T6).
func checkFileMetadata(role string, data []byte, expected metadata.FileMetadata) error {
	if expected.Length != nil && int64(len(data)) != *expected.Length {
		return &tuferrors.IntegrityFailure{Kind: tuferrors.IntegrityFailureLength, File: role}
	}
	if len(expected.Hashes) > 0 {
		if err := verifyHashes(role, data, expected.Hashes); err != nil {
			return err
		}
	}
	return nil
}

// DelegationResult is the output of the Delegation Resolver (spec §4.5):
// the located TargetFile and the name of the role that authorized it.
type DelegationResult struct {
	TargetFile *metadata.TargetFile
	Role       string
}

// FetchAdmitFunc fetches and admits (via UpdateDelegatedTargets) a
// not-yet-visited delegated role by name, so the resolver can pull in new
// roles lazily during the walk, per spec §4.5 ("If the delegated role is
// not yet in Delegated, request fetch+admit (T6)").
type FetchAdmitFunc func(name string, parentName string) error

// Resolve runs the pre-order DFS of spec §4.5 to locate path, starting
// from the top-level Targets role. fetchAdmit is called to pull in and
// admit a delegated role the walk needs but has not yet fetched.
func (s *Set) Resolve(path string, fetchAdmit FetchAdmitFunc) (*DelegationResult, error) {
	if s.targets == nil {
		return nil, &tuferrors.NotInitialized{Msg: "targets not yet admitted"}
	}
	visited := map[string]bool{metadata.RoleTargets: true}
	visits := 0
	return s.resolveFrom(path, metadata.RoleTargets, s.targets, 0, visited, &visits, fetchAdmit)
}

func (s *Set) resolveFrom(path, roleName string, role *metadata.Targets, depth int, visited map[string]bool, visits *int, fetchAdmit FetchAdmitFunc) (*DelegationResult, error) {
	if tf, ok := role.Targets[path]; ok {
		return &DelegationResult{TargetFile: tf, Role: roleName}, nil
	}
	if role.Delegations == nil {
		return nil, nil
	}
	for _, d := range role.Delegations.Roles {
		if !d.PathIsMatch(path) {
			continue
		}
		if depth+1 > s.limits.MaxDelegationDepth {
			return nil, &tuferrors.DelegationLimitExceeded{Path: path, Msg: "max delegation depth exceeded"}
		}
		if visited[d.Name] {
			// Already resolved in this lookup; do not recurse again, but a
			// terminating sibling rule still applies below.
			if d.Terminating {
				return nil, nil
			}
			continue
		}
		*visits++
		if *visits > s.limits.MaxDelegationVisits {
			return nil, &tuferrors.DelegationLimitExceeded{Path: path, Msg: "max delegated roles visited exceeded"}
		}
		visited[d.Name] = true

		entry, ok := s.delegated[d.Name]
		if !ok {
			if err := fetchAdmit(d.Name, roleName); err != nil {
				return nil, err
			}
			entry, ok = s.delegated[d.Name]
			if !ok {
				return nil, &tuferrors.UnknownRole{Name: d.Name}
			}
		}

		result, err := s.resolveFrom(path, d.Name, entry.targets, depth+1, visited, visits, fetchAdmit)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		if d.Terminating {
			return nil, nil
		}
	}
	return nil, nil
}

// verifyRoleSignatures implements spec §4.4's "Signature verification for
// any role R": collect (keyid, sig) pairs whose keyid is authorized for
// the role, verify each against the corresponding key, counting a keyid
// at most once, and require the distinct-valid count to meet threshold.
func verifyRoleSignatures(role string, data []byte, availableKeys map[string]*keys.Key, rk metadata.RoleKeys) error {
	env, signedBytes, err := canonicaljson.ParseEnvelope(role, data)
	if err != nil {
		return err
	}
	authorized := make(map[string]bool, len(rk.KeyIDs))
	for _, kid := range rk.KeyIDs {
		authorized[kid] = true
	}

	valid := make(map[string]bool)
	var lastKeyErr error
	for _, sig := range env.Signatures {
		if !authorized[sig.KeyID] {
			continue
		}
		if valid[sig.KeyID] {
			continue
		}
		k, ok := availableKeys[sig.KeyID]
		if !ok {
			continue
		}
		ok2, err := k.Verify(sig.Sig, signedBytes)
		if err != nil {
			lastKeyErr = err
			continue
		}
		if ok2 {
			valid[sig.KeyID] = true
		}
	}
	if len(valid) < rk.Threshold {
		if lastKeyErr != nil && len(valid) == 0 {
			return errors.Wrapf(lastKeyErr, "verifying signatures for role %q", role)
		}
		return &tuferrors.InsufficientSignatures{Role: role, Required: rk.Threshold, Got: len(valid)}
	}
	return nil
}

func decodeRoot(data []byte) (*metadata.Root, []byte, error) {
	_, signedBytes, err := canonicaljson.ParseEnvelope(metadata.RoleRoot, data)
	if err != nil {
		return nil, nil, err
	}
	if err := canonicaljson.ValidateIntegerFields(signedBytes, "version", "threshold"); err != nil {
		return nil, nil, err
	}
	if err := metadata.ValidateExpiresField(metadata.RoleRoot, signedBytes); err != nil {
		return nil, nil, err
	}
	var root metadata.Root
	if err := unmarshalSigned(signedBytes, &root); err != nil {
		return nil, nil, &tuferrors.MalformedJson{Role: metadata.RoleRoot, Err: err}
	}
	return &root, signedBytes, nil
}

func decodeTimestamp(data []byte) (*metadata.Timestamp, []byte, error) {
	_, signedBytes, err := canonicaljson.ParseEnvelope(metadata.RoleTimestamp, data)
	if err != nil {
		return nil, nil, err
	}
	if err := canonicaljson.ValidateIntegerFields(signedBytes, "version", "length"); err != nil {
		return nil, nil, err
	}
	if err := metadata.ValidateExpiresField(metadata.RoleTimestamp, signedBytes); err != nil {
		return nil, nil, err
	}
	var ts metadata.Timestamp
	if err := unmarshalSigned(signedBytes, &ts); err != nil {
		return nil, nil, &tuferrors.MalformedJson{Role: metadata.RoleTimestamp, Err: err}
	}
	return &ts, signedBytes, nil
}

func decodeSnapshot(data []byte) (*metadata.Snapshot, []byte, error) {
	_, signedBytes, err := canonicaljson.ParseEnvelope(metadata.RoleSnapshot, data)
	if err != nil {
		return nil, nil, err
	}
	if err := canonicaljson.ValidateIntegerFields(signedBytes, "version", "length"); err != nil {
		return nil, nil, err
	}
	if err := metadata.ValidateExpiresField(metadata.RoleSnapshot, signedBytes); err != nil {
		return nil, nil, err
	}
	var snap metadata.Snapshot
	if err := unmarshalSigned(signedBytes, &snap); err != nil {
		return nil, nil, &tuferrors.MalformedJson{Role: metadata.RoleSnapshot, Err: err}
	}
	return &snap, signedBytes, nil
}

func decodeTargets(data []byte) (*metadata.Targets, []byte, error) {
	_, signedBytes, err := canonicaljson.ParseEnvelope(metadata.RoleTargets, data)
	if err != nil {
		return nil, nil, err
	}
	if err := canonicaljson.ValidateIntegerFields(signedBytes, "version", "length", "threshold"); err != nil {
		return nil, nil, err
	}
	if err := metadata.ValidateExpiresField(metadata.RoleTargets, signedBytes); err != nil {
		return nil, nil, err
	}
	var tgt metadata.Targets
	if err := unmarshalSigned(signedBytes, &tgt); err != nil {
		return nil, nil, &tuferrors.MalformedJson{Role: metadata.RoleTargets, Err: err}
	}
	return &tgt, signedBytes, nil
}
