// Package repobuilder implements the Repository Builder (C8, spec §4.8):
// given a signer for each of the four top-level roles, a target set, and an
// expiry, it produces a fully signed, internally consistent set of role
// metadata documents such that a fresh Updater (or trustedmetadata.Set)
// seeded with the produced root accepts the set end-to-end.
//
// Signing order mirrors the dependency order a repository's metadata
// actually has: Targets carries no reference to anything else and so
// signs first; Snapshot references Targets' version; Timestamp references
// Snapshot's version; Root references every role's keys and thresholds and
// therefore signs last. This bottom-up assembly is grounded on Notary's
// own key/role bring-up in
// other_examples/1adcf1ca_theupdateframework-notary__client-client.go.go's
// NewNotaryRepository/Initialize (generate per-role keys, build roles, add
// to a key database, assemble root last), adapted from Notary's
// RSA/Root-key-only model to this module's three-scheme Key type and
// four-role (root/timestamp/snapshot/targets) layout.
package repobuilder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/kolide/tuf/keys"
	"github.com/kolide/tuf/metadata"
	"github.com/kolide/tuf/tuferrors"
)

// specVersion is the spec_version string this Builder stamps onto every
// produced role: the implementation's supported major
// (SupportedSpecVersionMajor) at minor/patch 0.0.
const specVersion = metadata.SupportedSpecVersionMajor + ".0.0"

// RoleSigner pairs a signing collaborator with the public Key it
// corresponds to, so the Builder can both sign with it and register its
// public half (and KeyId) in Root.
type RoleSigner struct {
	Signer    metadata.Signer
	PublicKey *keys.Key
}

// Signers holds one or more RoleSigners for each of the four top-level
// roles. A nil or empty slice for any role is an IncompleteSignerSet.
type Signers struct {
	Root      []RoleSigner
	Timestamp []RoleSigner
	Snapshot  []RoleSigner
	Targets   []RoleSigner
}

func (s Signers) validate() error {
	if len(s.Root) == 0 {
		return &tuferrors.IncompleteSignerSet{MissingRole: metadata.RoleRoot}
	}
	if len(s.Timestamp) == 0 {
		return &tuferrors.IncompleteSignerSet{MissingRole: metadata.RoleTimestamp}
	}
	if len(s.Snapshot) == 0 {
		return &tuferrors.IncompleteSignerSet{MissingRole: metadata.RoleSnapshot}
	}
	if len(s.Targets) == 0 {
		return &tuferrors.IncompleteSignerSet{MissingRole: metadata.RoleTargets}
	}
	return nil
}

// TargetInput is one file the built Targets role should describe.
type TargetInput struct {
	Path   string
	Bytes  []byte
	Custom json.RawMessage
}

// Options configures a Build call. RootThreshold/TimestampThreshold/
// SnapshotThreshold/TargetsThreshold default to "number of signers for
// that role" per spec §4.8 when left at zero; set explicitly to override.
type Options struct {
	Expires            time.Time
	ConsistentSnapshot bool
	RootVersion        int64
	TimestampVersion   int64
	SnapshotVersion    int64
	TargetsVersion     int64
	RootThreshold      int
	TimestampThreshold int
	SnapshotThreshold  int
	TargetsThreshold   int
	Delegations        *metadata.Delegations
}

// Result holds the four produced, signed metadata documents, ready to be
// published at their conventional filenames or handed directly to a
// trustedmetadata.Set/Updater in tests.
type Result struct {
	RootBytes      []byte
	TimestampBytes []byte
	SnapshotBytes  []byte
	TargetsBytes   []byte

	Root      *metadata.Root
	Timestamp *metadata.Timestamp
	Snapshot  *metadata.Snapshot
	Targets   *metadata.Targets
}

func threshold(explicit int, signers []RoleSigner) int {
	if explicit > 0 {
		return explicit
	}
	return len(signers)
}

func version(explicit int64) int64 {
	if explicit > 0 {
		return explicit
	}
	return 1
}

func roleKeyIDs(signers []RoleSigner) []string {
	ids := make([]string, len(signers))
	for i, s := range signers {
		ids[i] = s.Signer.KeyID()
	}
	return ids
}

func signersOf(signers []RoleSigner) []metadata.Signer {
	out := make([]metadata.Signer, len(signers))
	for i, s := range signers {
		out[i] = s.Signer
	}
	return out
}

// Build assembles and signs Targets, Snapshot, Timestamp, and Root, in
// that dependency order (spec §4.8's ordering 1-4), from the given
// signers and target set.
func Build(signers Signers, targets []TargetInput, opts Options) (*Result, error) {
	if err := signers.validate(); err != nil {
		return nil, err
	}
	expires := opts.Expires
	if expires.IsZero() {
		expires = time.Now().Add(24 * time.Hour)
	}

	// 1. Targets: content digests + lengths, sign.
	targetFiles := make(map[string]*metadata.TargetFile, len(targets))
	for _, in := range targets {
		sum := sha256.Sum256(in.Bytes)
		targetFiles[in.Path] = &metadata.TargetFile{
			Length: int64(len(in.Bytes)),
			Hashes: map[string]string{"sha256": hex.EncodeToString(sum[:])},
			Custom: in.Custom,
		}
	}
	tgt := &metadata.Targets{
		Type:        metadata.RoleTargets,
		SpecVersion: specVersion,
		Version:     version(opts.TargetsVersion),
		Expires:     expires,
		Targets:     targetFiles,
		Delegations: opts.Delegations,
	}
	tgtBytes, err := metadata.Sign(tgt, signersOf(signers.Targets))
	if err != nil {
		return nil, errors.Wrap(err, "signing targets")
	}

	// 2. Snapshot: references Targets' length/hashes and version, sign.
	tgtSum := sha256.Sum256(tgtBytes)
	snapLen := int64(len(tgtBytes))
	snap := &metadata.Snapshot{
		Type:        metadata.RoleSnapshot,
		SpecVersion: specVersion,
		Version:     version(opts.SnapshotVersion),
		Expires:     expires,
		Meta: map[string]metadata.FileMetadata{
			metadata.FilenameTargets: {
				Version: tgt.Version,
				Length:  &snapLen,
				Hashes:  map[string]string{"sha256": hex.EncodeToString(tgtSum[:])},
			},
		},
	}
	snapBytes, err := metadata.Sign(snap, signersOf(signers.Snapshot))
	if err != nil {
		return nil, errors.Wrap(err, "signing snapshot")
	}

	// 3. Timestamp: references Snapshot, sign.
	snapSum := sha256.Sum256(snapBytes)
	tsLen := int64(len(snapBytes))
	ts := &metadata.Timestamp{
		Type:        metadata.RoleTimestamp,
		SpecVersion: specVersion,
		Version:     version(opts.TimestampVersion),
		Expires:     expires,
		Meta: map[string]metadata.FileMetadata{
			metadata.FilenameSnapshot: {
				Version: snap.Version,
				Length:  &tsLen,
				Hashes:  map[string]string{"sha256": hex.EncodeToString(snapSum[:])},
			},
		},
	}
	tsBytes, err := metadata.Sign(ts, signersOf(signers.Timestamp))
	if err != nil {
		return nil, errors.Wrap(err, "signing timestamp")
	}

	// 4. Root: references all role keys and thresholds, sign last.
	allKeys := make(map[string]*keys.Key)
	for _, s := range signers.Root {
		allKeys[s.Signer.KeyID()] = s.PublicKey
	}
	for _, s := range signers.Timestamp {
		allKeys[s.Signer.KeyID()] = s.PublicKey
	}
	for _, s := range signers.Snapshot {
		allKeys[s.Signer.KeyID()] = s.PublicKey
	}
	for _, s := range signers.Targets {
		allKeys[s.Signer.KeyID()] = s.PublicKey
	}
	root := &metadata.Root{
		Type:               metadata.RoleRoot,
		SpecVersion:        specVersion,
		Version:            version(opts.RootVersion),
		Expires:            expires,
		ConsistentSnapshot: opts.ConsistentSnapshot,
		Keys:               allKeys,
		Roles: map[string]metadata.RoleKeys{
			metadata.RoleRoot:      {KeyIDs: roleKeyIDs(signers.Root), Threshold: threshold(opts.RootThreshold, signers.Root)},
			metadata.RoleTimestamp: {KeyIDs: roleKeyIDs(signers.Timestamp), Threshold: threshold(opts.TimestampThreshold, signers.Timestamp)},
			metadata.RoleSnapshot:  {KeyIDs: roleKeyIDs(signers.Snapshot), Threshold: threshold(opts.SnapshotThreshold, signers.Snapshot)},
			metadata.RoleTargets:   {KeyIDs: roleKeyIDs(signers.Targets), Threshold: threshold(opts.TargetsThreshold, signers.Targets)},
		},
	}
	rootBytes, err := metadata.Sign(root, signersOf(signers.Root))
	if err != nil {
		return nil, errors.Wrap(err, "signing root")
	}

	return &Result{
		RootBytes:      rootBytes,
		TimestampBytes: tsBytes,
		SnapshotBytes:  snapBytes,
		TargetsBytes:   tgtBytes,
		Root:           root,
		Timestamp:      ts,
		Snapshot:       snap,
		Targets:        tgt,
	}, nil
}
