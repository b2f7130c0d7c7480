package updater

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolide/tuf/keys"
	"github.com/kolide/tuf/metadata"
	"github.com/kolide/tuf/tuferrors"
)

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

type fakeFetcher struct {
	responses map[string][]byte
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, maxBytes int64, deadline time.Time) ([]byte, error) {
	data, ok := f.responses[url]
	if !ok {
		return nil, &tuferrors.NotFound{URL: url}
	}
	return data, nil
}

type testRepo struct {
	metadataURL string
	targetsURL  string
	fetcher     *fakeFetcher
	rootBytes   []byte
}

func newTestRepo(t *testing.T, targetContent []byte) *testRepo {
	t.Helper()
	expires := time.Now().Add(48 * time.Hour)
	rootSigner, rootKey, rootID := newSigner(t)
	tsSigner, tsKey, tsID := newSigner(t)
	snapSigner, snapKey, snapID := newSigner(t)
	tgtSigner, tgtKey, tgtID := newSigner(t)

	root := metadata.Root{
		Type:        metadata.RoleRoot,
		SpecVersion: "1.0.0",
		Version:     1,
		Expires:     expires,
		Keys: map[string]*keys.Key{
			rootID: rootKey, tsID: tsKey, snapID: snapKey, tgtID: tgtKey,
		},
		Roles: map[string]metadata.RoleKeys{
			metadata.RoleRoot:      {KeyIDs: []string{rootID}, Threshold: 1},
			metadata.RoleTimestamp: {KeyIDs: []string{tsID}, Threshold: 1},
			metadata.RoleSnapshot:  {KeyIDs: []string{snapID}, Threshold: 1},
			metadata.RoleTargets:   {KeyIDs: []string{tgtID}, Threshold: 1},
		},
	}
	rootBytes, err := metadata.Sign(&root, []metadata.Signer{rootSigner})
	require.NoError(t, err)

	sum := sha256.Sum256(targetContent)
	targetHash := hex.EncodeToString(sum[:])

	targets := metadata.Targets{
		Type:        metadata.RoleTargets,
		SpecVersion: "1.0.0",
		Version:     1,
		Expires:     expires,
		Targets: map[string]*metadata.TargetFile{
			"file.bin": {Length: int64(len(targetContent)), Hashes: map[string]string{"sha256": targetHash}},
		},
	}
	targetsBytes, err := metadata.Sign(&targets, []metadata.Signer{tgtSigner})
	require.NoError(t, err)

	snapshot := metadata.Snapshot{
		Type:        metadata.RoleSnapshot,
		SpecVersion: "1.0.0",
		Version:     1,
		Expires:     expires,
		Meta: map[string]metadata.FileMetadata{
			metadata.FilenameTargets: {Version: 1},
		},
	}
	snapshotBytes, err := metadata.Sign(&snapshot, []metadata.Signer{snapSigner})
	require.NoError(t, err)

	timestamp := metadata.Timestamp{
		Type:        metadata.RoleTimestamp,
		SpecVersion: "1.0.0",
		Version:     1,
		Expires:     expires,
		Meta: map[string]metadata.FileMetadata{
			metadata.FilenameSnapshot: {Version: 1},
		},
	}
	timestampBytes, err := metadata.Sign(&timestamp, []metadata.Signer{tsSigner})
	require.NoError(t, err)

	const metaURL = "https://example.test/metadata"
	const tgtURL = "https://example.test/targets"

	f := &fakeFetcher{responses: map[string][]byte{
		metaURL + "/timestamp.json":  timestampBytes,
		metaURL + "/snapshot.json":   snapshotBytes,
		metaURL + "/targets.json":    targetsBytes,
		tgtURL + "/file.bin":         targetContent,
	}}

	return &testRepo{metadataURL: metaURL, targetsURL: tgtURL, fetcher: f, rootBytes: rootBytes}
}

func TestRefreshAdmitsFullChain(t *testing.T) {
	repo := newTestRepo(t, []byte("package-bytes"))
	u, err := New(repo.rootBytes, repo.metadataURL, repo.targetsURL, repo.fetcher)
	require.NoError(t, err)

	require.NoError(t, u.Refresh(context.Background()))
	assert.Equal(t, int64(1), u.Set().Targets().Version)
}

func TestGetTargetInfoAutoRefreshes(t *testing.T) {
	repo := newTestRepo(t, []byte("package-bytes"))
	u, err := New(repo.rootBytes, repo.metadataURL, repo.targetsURL, repo.fetcher)
	require.NoError(t, err)

	tf, role, err := u.GetTargetInfo(context.Background(), "file.bin")
	require.NoError(t, err)
	require.NotNil(t, tf)
	assert.Equal(t, metadata.RoleTargets, role)
}

func TestGetTargetInfoMissingPathReturnsNil(t *testing.T) {
	repo := newTestRepo(t, []byte("package-bytes"))
	u, err := New(repo.rootBytes, repo.metadataURL, repo.targetsURL, repo.fetcher)
	require.NoError(t, err)

	tf, _, err := u.GetTargetInfo(context.Background(), "nope.bin")
	require.NoError(t, err)
	assert.Nil(t, tf)
}

func TestDownloadTargetVerifiesIntegrity(t *testing.T) {
	content := []byte("package-bytes")
	repo := newTestRepo(t, content)
	u, err := New(repo.rootBytes, repo.metadataURL, repo.targetsURL, repo.fetcher)
	require.NoError(t, err)

	tf, _, err := u.GetTargetInfo(context.Background(), "file.bin")
	require.NoError(t, err)
	require.NotNil(t, tf)

	path, data, err := u.DownloadTarget(context.Background(), tf, "file.bin", "")
	require.NoError(t, err)
	assert.Equal(t, "file.bin", path)
	assert.Equal(t, content, data)
}

func TestDownloadTargetRejectsTamperedHash(t *testing.T) {
	content := []byte("package-bytes")
	repo := newTestRepo(t, content)
	repo.fetcher.responses[repo.targetsURL+"/file.bin"] = []byte("tampered-byte")
	u, err := New(repo.rootBytes, repo.metadataURL, repo.targetsURL, repo.fetcher)
	require.NoError(t, err)

	tf, _, err := u.GetTargetInfo(context.Background(), "file.bin")
	require.NoError(t, err)
	require.NotNil(t, tf)

	_, _, err = u.DownloadTarget(context.Background(), tf, "file.bin", "")
	require.Error(t, err)
}

func TestWalkRootsStopsAtFirstAbsentVersion(t *testing.T) {
	repo := newTestRepo(t, []byte("x"))
	u, err := New(repo.rootBytes, repo.metadataURL, repo.targetsURL, repo.fetcher)
	require.NoError(t, err)

	// No "2.root.json" registered in the fake fetcher: walkRoots must treat
	// that as convergence, not failure.
	require.NoError(t, u.walkRoots(context.Background()))
	assert.Equal(t, int64(1), u.Set().Root().Version)
}
