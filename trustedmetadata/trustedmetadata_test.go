package trustedmetadata

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolide/tuf/keys"
	"github.com/kolide/tuf/metadata"
)

// fixedClock is a minimal fetcher.Clock test double that always reports
// the same instant.
type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

type edSigner struct {
	id   string
	priv ed25519.PrivateKey
}

func (s *edSigner) KeyID() string { return s.id }
func (s *edSigner) Sign(signedBytes []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.priv, signedBytes)), nil
}

func newSigner(t *testing.T) (*edSigner, *keys.Key, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	k, err := keys.FromPublicKey(pub)
	require.NoError(t, err)
	id, err := k.ID()
	require.NoError(t, err)
	return &edSigner{id: id, priv: priv}, k, id
}

func buildRootBytes(t *testing.T, version int64, expires time.Time, rootKeyID string, rootKey *keys.Key, others map[string]struct {
	id  string
	key *keys.Key
}, signers ...metadata.Signer) []byte {
	t.Helper()
	allKeys := map[string]*keys.Key{rootKeyID: rootKey}
	roles := map[string]metadata.RoleKeys{
		metadata.RoleRoot: {KeyIDs: []string{rootKeyID}, Threshold: 1},
	}
	for roleName, info := range others {
		allKeys[info.id] = info.key
		roles[roleName] = metadata.RoleKeys{KeyIDs: []string{info.id}, Threshold: 1}
	}
	root := metadata.Root{
		Type:        metadata.RoleRoot,
		SpecVersion: "1.0.0",
		Version:     version,
		Expires:     expires,
		Keys:        allKeys,
		Roles:       roles,
	}
	out, err := metadata.Sign(&root, signers)
	require.NoError(t, err)
	return out
}

func newTrustAnchor(t *testing.T, expires time.Time) (*Set, *edSigner, *edSigner, *edSigner, *edSigner) {
	t.Helper()
	rootSigner, rootKey, rootID := newSigner(t)
	tsSigner, tsKey, tsID := newSigner(t)
	snapSigner, snapKey, snapID := newSigner(t)
	tgtSigner, tgtKey, tgtID := newSigner(t)

	rootBytes := buildRootBytes(t, 1, expires, rootID, rootKey, map[string]struct {
		id  string
		key *keys.Key
	}{
		metadata.RoleTimestamp: {id: tsID, key: tsKey},
		metadata.RoleSnapshot:  {id: snapID, key: snapKey},
		metadata.RoleTargets:   {id: tgtID, key: tgtKey},
	}, rootSigner)

	set, err := New(fixedClock{t: time.Now().Add(-time.Hour)}, rootBytes, DefaultLimits())
	require.NoError(t, err)
	return set, rootSigner, tsSigner, snapSigner, tgtSigner
}

func TestNewRejectsFractionalSecondExpires(t *testing.T) {
	rootSigner, rootKey, rootID := newSigner(t)
	_, tsKey, tsID := newSigner(t)
	_, snapKey, snapID := newSigner(t)
	_, tgtKey, tgtID := newSigner(t)

	future := time.Now().Add(48 * time.Hour)
	rootBytes := buildRootBytes(t, 1, future, rootID, rootKey, map[string]struct {
		id  string
		key *keys.Key
	}{
		metadata.RoleTimestamp: {id: tsID, key: tsKey},
		metadata.RoleSnapshot:  {id: snapID, key: snapKey},
		metadata.RoleTargets:   {id: tgtID, key: tgtKey},
	}, rootSigner)

	wantExpires := metadata.EncodeExpires(future)
	tampered := bytes.Replace(rootBytes, []byte(wantExpires), []byte(strings.TrimSuffix(wantExpires, "Z")+".000Z"), 1)
	require.NotEqual(t, string(rootBytes), string(tampered), "tamper must actually change the expires field")

	_, err := New(fixedClock{t: time.Now().Add(-time.Hour)}, tampered, DefaultLimits())
	require.Error(t, err)
}

func TestNewAcceptsValidBootstrapRoot(t *testing.T) {
	future := time.Now().Add(48 * time.Hour)
	set, _, _, _, _ := newTrustAnchor(t, future)
	assert.Equal(t, int64(1), set.Root().Version)
}

func TestCheckFinalRootRejectsExpired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	set, _, _, _, _ := newTrustAnchor(t, past)
	err := set.CheckFinalRoot()
	require.Error(t, err)
}

func TestCheckFinalRootAcceptsUnexpired(t *testing.T) {
	future := time.Now().Add(48 * time.Hour)
	set, _, _, _, _ := newTrustAnchor(t, future)
	require.NoError(t, set.CheckFinalRoot())
}

func TestUpdateRootRequiresExactVersionIncrement(t *testing.T) {
	future := time.Now().Add(48 * time.Hour)
	set, rootSigner, tsSigner, snapSigner, tgtSigner := newTrustAnchor(t, future)

	rootKeyID := rootSigner.KeyID()
	rootKey := set.Root().Keys[rootKeyID]
	tsID, snapID, tgtID := tsSigner.KeyID(), snapSigner.KeyID(), tgtSigner.KeyID()

	skippedVersionBytes := buildRootBytes(t, 3, future, rootKeyID, rootKey, map[string]struct {
		id  string
		key *keys.Key
	}{
		metadata.RoleTimestamp: {id: tsID, key: set.Root().Keys[tsID]},
		metadata.RoleSnapshot:  {id: snapID, key: set.Root().Keys[snapID]},
		metadata.RoleTargets:   {id: tgtID, key: set.Root().Keys[tgtID]},
	}, rootSigner)

	err := set.UpdateRoot(skippedVersionBytes)
	require.Error(t, err)
}

func TestUpdateRootRotatesAndClearsDownstream(t *testing.T) {
	future := time.Now().Add(48 * time.Hour)
	set, rootSigner, tsSigner, snapSigner, tgtSigner := newTrustAnchor(t, future)

	newRootSigner, newRootKey, newRootID := newSigner(t)
	tsID, snapID, tgtID := tsSigner.KeyID(), snapSigner.KeyID(), tgtSigner.KeyID()
	require.NoError(t, set.UpdateTimestamp(buildTimestampBytes(t, tsSigner, 1, 1, future)))

	v2Bytes := buildRootBytes(t, 2, future, newRootID, newRootKey, map[string]struct {
		id  string
		key *keys.Key
	}{
		metadata.RoleTimestamp: {id: tsID, key: set.Root().Keys[tsID]},
		metadata.RoleSnapshot:  {id: snapID, key: set.Root().Keys[snapID]},
		metadata.RoleTargets:   {id: tgtID, key: set.Root().Keys[tgtID]},
	}, rootSigner, newRootSigner)

	require.NoError(t, set.UpdateRoot(v2Bytes))
	assert.Equal(t, int64(2), set.Root().Version)
	assert.Nil(t, set.Timestamp())
}

func buildTimestampBytes(t *testing.T, signer *edSigner, version, snapVersion int64, expires time.Time) []byte {
	t.Helper()
	ts := metadata.Timestamp{
		Type:        metadata.RoleTimestamp,
		SpecVersion: "1.0.0",
		Version:     version,
		Expires:     expires,
		Meta: map[string]metadata.FileMetadata{
			metadata.FilenameSnapshot: {Version: snapVersion},
		},
	}
	out, err := metadata.Sign(&ts, []metadata.Signer{signer})
	require.NoError(t, err)
	return out
}

func TestUpdateTimestampAcceptsFirstVersion(t *testing.T) {
	future := time.Now().Add(48 * time.Hour)
	set, _, tsSigner, _, _ := newTrustAnchor(t, future)
	data := buildTimestampBytes(t, tsSigner, 1, 1, future)
	require.NoError(t, set.UpdateTimestamp(data))
	assert.Equal(t, int64(1), set.Timestamp().Version)
}

func TestUpdateTimestampRejectsEqualVersion(t *testing.T) {
	future := time.Now().Add(48 * time.Hour)
	set, _, tsSigner, _, _ := newTrustAnchor(t, future)
	data := buildTimestampBytes(t, tsSigner, 1, 1, future)
	require.NoError(t, set.UpdateTimestamp(data))

	again := buildTimestampBytes(t, tsSigner, 1, 1, future)
	err := set.UpdateTimestamp(again)
	require.Error(t, err)
}

func TestUpdateTimestampRejectsRollback(t *testing.T) {
	future := time.Now().Add(48 * time.Hour)
	set, _, tsSigner, _, _ := newTrustAnchor(t, future)
	data := buildTimestampBytes(t, tsSigner, 2, 2, future)
	require.NoError(t, set.UpdateTimestamp(data))

	older := buildTimestampBytes(t, tsSigner, 1, 1, future)
	err := set.UpdateTimestamp(older)
	require.Error(t, err)
}

func buildSnapshotBytes(t *testing.T, signer *edSigner, version int64, meta map[string]metadata.FileMetadata, expires time.Time) []byte {
	t.Helper()
	snap := metadata.Snapshot{
		Type:        metadata.RoleSnapshot,
		SpecVersion: "1.0.0",
		Version:     version,
		Expires:     expires,
		Meta:        meta,
	}
	out, err := metadata.Sign(&snap, []metadata.Signer{signer})
	require.NoError(t, err)
	return out
}

func buildTargetsBytes(t *testing.T, signer *edSigner, version int64, targets map[string]*metadata.TargetFile, delegations *metadata.Delegations, expires time.Time) []byte {
	t.Helper()
	tgt := metadata.Targets{
		Type:        metadata.RoleTargets,
		SpecVersion: "1.0.0",
		Version:     version,
		Expires:     expires,
		Targets:     targets,
		Delegations: delegations,
	}
	out, err := metadata.Sign(&tgt, []metadata.Signer{signer})
	require.NoError(t, err)
	return out
}

func TestFullRefreshAdmitsAllFourRoles(t *testing.T) {
	future := time.Now().Add(48 * time.Hour)
	set, _, tsSigner, snapSigner, tgtSigner := newTrustAnchor(t, future)

	require.NoError(t, set.UpdateTimestamp(buildTimestampBytes(t, tsSigner, 1, 1, future)))

	snapMeta := map[string]metadata.FileMetadata{
		metadata.FilenameTargets: {Version: 1},
	}
	require.NoError(t, set.UpdateSnapshot(buildSnapshotBytes(t, snapSigner, 1, snapMeta, future)))

	targets := map[string]*metadata.TargetFile{
		"file.bin": {Length: 4, Hashes: map[string]string{"sha256": "00"}},
	}
	require.NoError(t, set.UpdateTargets(buildTargetsBytes(t, tgtSigner, 1, targets, nil, future)))

	result, err := set.Resolve("file.bin", nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, metadata.RoleTargets, result.Role)
}

func TestResolveWithDelegation(t *testing.T) {
	future := time.Now().Add(48 * time.Hour)
	set, _, tsSigner, snapSigner, tgtSigner := newTrustAnchor(t, future)
	delSigner, delKey, delID := newSigner(t)

	require.NoError(t, set.UpdateTimestamp(buildTimestampBytes(t, tsSigner, 1, 1, future)))

	snapMeta := map[string]metadata.FileMetadata{
		metadata.FilenameTargets: {Version: 1},
		"delegated.json":         {Version: 1},
	}
	require.NoError(t, set.UpdateSnapshot(buildSnapshotBytes(t, snapSigner, 1, snapMeta, future)))

	delegations := &metadata.Delegations{
		Keys: map[string]*keys.Key{delID: delKey},
		Roles: []metadata.DelegatedRole{
			{Name: "delegated", KeyIDs: []string{delID}, Threshold: 1, Terminating: false, Paths: []string{"sub/*"}},
		},
	}
	require.NoError(t, set.UpdateTargets(buildTargetsBytes(t, tgtSigner, 1, map[string]*metadata.TargetFile{}, delegations, future)))

	fetchCalls := 0
	fetchAdmit := func(name, parent string) error {
		fetchCalls++
		delTargets := map[string]*metadata.TargetFile{
			"sub/thing.bin": {Length: 3, Hashes: map[string]string{"sha256": "ab"}},
		}
		data := buildTargetsBytes(t, delSigner, 1, delTargets, nil, future)
		return set.UpdateDelegatedTargets(name, data, parent)
	}

	result, err := set.Resolve("sub/thing.bin", fetchAdmit)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "delegated", result.Role)
	assert.Equal(t, 1, fetchCalls)

	result, err = set.Resolve("nope.bin", fetchAdmit)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 1, fetchCalls, "a path no delegation matches must not trigger a fetch")
}
