package trustedmetadata

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/kolide/tuf/tuferrors"
)

// supportedHashAlgs maps a metadata hash-algorithm name to its digest
// function. Unknown algorithm names in a hashes map are ignored rather
// than rejected, matching the teacher's tuf/fim.go hashTester, which only
// checks the algorithms it knows how to compute.
var supportedHashAlgs = map[string]func([]byte) []byte{
	"sha256": func(b []byte) []byte { h := sha256.Sum256(b); return h[:] },
	"sha512": func(b []byte) []byte { h := sha512.Sum512(b); return h[:] },
}

// VerifyHashes is the exported form of the same hash-matching rule used
// during metadata admission (spec §4.4), reused by the Updater (C6) to
// verify a downloaded target's bytes against its TargetFile.Hashes (spec
// §4.6). role is used only to label the resulting IntegrityFailure.
func VerifyHashes(role string, data []byte, expected map[string]string) error {
	return verifyHashes(role, data, expected)
}

// verifyHashes checks every recognized algorithm entry in expected against
// the actual digest of data, using a constant-time comparison the way
// kolide-updater/tuf/fim.go does via crypto/subtle, since a cache-hit
// early-exit on a byte mismatch here would leak timing information about
// how much of a forged hash matched.
func verifyHashes(role string, data []byte, expected map[string]string) error {
	checked := false
	for alg, wantHex := range expected {
		digest, ok := supportedHashAlgs[alg]
		if !ok {
			continue
		}
		checked = true
		want, err := hex.DecodeString(wantHex)
		if err != nil {
			return errors.Wrapf(err, "decoding expected %s hash for %q", alg, role)
		}
		got := digest(data)
		if subtle.ConstantTimeCompare(want, got) != 1 {
			return &tuferrors.IntegrityFailure{Kind: tuferrors.IntegrityFailureHash, File: role}
		}
	}
	if !checked && len(expected) > 0 {
		return errors.Errorf("no recognized hash algorithm in %v for role %q", mapKeys(expected), role)
	}
	return nil
}

func mapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// unmarshalSigned decodes a role's canonical signed-bytes into a typed
// struct. It is a thin wrapper over encoding/json: the caller has already
// validated JSON syntax (canonicaljson.ParseEnvelope) and integer-field
// shape (canonicaljson.ValidateIntegerFields) before reaching here, so a
// failure at this point means a structural mismatch, not a malformed
// document.
func unmarshalSigned(signedBytes []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(signedBytes))
	return dec.Decode(out)
}
