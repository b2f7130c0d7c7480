// Package keys implements TUF key identity and signature verification for
// the three schemes spec.md §4.2 mandates: ed25519, rsassa-pss-sha256, and
// ecdsa-sha2-nistp256.
//
// PEM-encoded RSA and ECDSA public keys are parsed and verified through
// github.com/sigstore/sigstore/pkg/cryptoutils and
// github.com/sigstore/sigstore/pkg/signature, the same pair of libraries
// other_examples/a9ea5fcd_ivanayov-go-tuf-metadata__metadata-keys.go.go uses
// for the equivalent ToPublicKey/verification logic, and already present
// (indirectly) in sigstore-policy-controller's dependency graph. Raw hex
// ed25519 keys, which carry no PEM envelope, are verified directly with
// stdlib crypto/ed25519 since neither sigstore library has anything to add
// there.
package keys

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"strings"

	"github.com/pkg/errors"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/signature"

	"github.com/kolide/tuf/canonicaljson"
	"github.com/kolide/tuf/tuferrors"
)

// Key types and schemes, per spec §3/§4.2.
const (
	KeyTypeEd25519 = "ed25519"
	KeyTypeRSA     = "rsa"
	KeyTypeECDSA   = "ecdsa"

	SchemeEd25519         = "ed25519"
	SchemeRSASSA_PSS_SHA256 = "rsassa-pss-sha256"
	SchemeECDSA_SHA2_P256   = "ecdsa-sha2-nistp256"

	minRSAKeyBits = 2048
)

// KeyVal holds the public-key material of a Key. Private is never
// populated by this client; it exists only so a Key round-trips through a
// signer-authored document that happens to carry it (the Builder never
// reads it).
type KeyVal struct {
	Public  string `json:"public"`
	Private string `json:"private,omitempty"`
}

// Key is a TUF signing key: identity, scheme, and public material.
type Key struct {
	KeyType string `json:"keytype"`
	Scheme  string `json:"scheme"`
	KeyVal  KeyVal `json:"keyval"`
}

// schemeMatchesType enforces the keytype/scheme pairing table of spec
// §4.2: each keytype accepts exactly one scheme.
func schemeMatchesType(keytype, scheme string) bool {
	switch keytype {
	case KeyTypeEd25519:
		return scheme == SchemeEd25519
	case KeyTypeRSA:
		return scheme == SchemeRSASSA_PSS_SHA256
	case KeyTypeECDSA:
		return scheme == SchemeECDSA_SHA2_P256
	default:
		return false
	}
}

// Validate rejects any (keytype, scheme) combination outside spec §4.2's
// table.
func (k *Key) Validate() error {
	if !schemeMatchesType(k.KeyType, k.Scheme) {
		return &tuferrors.UnsupportedScheme{KeyType: k.KeyType, Scheme: k.Scheme}
	}
	return nil
}

// ID computes the KeyId: the lowercase hex SHA-256 of the canonical JSON
// encoding of the Key object itself, with no additional wrapping (spec §3).
func (k *Key) ID() (string, error) {
	b, err := canonicaljson.MarshalCanonical(k)
	if err != nil {
		return "", errors.Wrap(err, "computing key id")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// publicKey materializes a crypto.PublicKey from the Key's keyval.public
// field, per the "Public key format" column of spec §4.2's scheme table.
func (k *Key) publicKey() (crypto.PublicKey, error) {
	raw := strings.TrimSpace(k.KeyVal.Public)
	switch k.KeyType {
	case KeyTypeEd25519:
		if strings.HasPrefix(raw, "-----BEGIN") {
			pk, err := cryptoutils.UnmarshalPEMToPublicKey([]byte(raw))
			if err != nil {
				return nil, errors.Wrap(err, "parsing ed25519 PEM key")
			}
			edKey, ok := pk.(ed25519.PublicKey)
			if !ok {
				return nil, errors.New("PEM key is not an ed25519 public key")
			}
			return edKey, nil
		}
		decoded, err := hex.DecodeString(raw)
		if err != nil {
			return nil, errors.Wrap(err, "hex-decoding ed25519 key")
		}
		if len(decoded) != ed25519.PublicKeySize {
			return nil, errors.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
		}
		return ed25519.PublicKey(decoded), nil
	case KeyTypeRSA:
		pk, err := cryptoutils.UnmarshalPEMToPublicKey([]byte(raw))
		if err != nil {
			return nil, errors.Wrap(err, "parsing rsa PEM key")
		}
		rsaKey, ok := pk.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("PEM key is not an RSA public key")
		}
		if rsaKey.N.BitLen() < minRSAKeyBits {
			return nil, errors.Errorf("rsa key has %d bits, minimum is %d", rsaKey.N.BitLen(), minRSAKeyBits)
		}
		return rsaKey, nil
	case KeyTypeECDSA:
		pk, err := cryptoutils.UnmarshalPEMToPublicKey([]byte(raw))
		if err != nil {
			return nil, errors.Wrap(err, "parsing ecdsa PEM key")
		}
		ecKey, ok := pk.(*ecdsa.PublicKey)
		if !ok {
			return nil, errors.New("PEM key is not an ECDSA public key")
		}
		return ecKey, nil
	default:
		return nil, &tuferrors.UnsupportedScheme{KeyType: k.KeyType, Scheme: k.Scheme}
	}
}

// Verify checks a hex-encoded signature over data against this key,
// dispatching on scheme per spec §4.2's signature-format column. It
// returns (false, nil) for a cryptographically invalid signature and
// (false, err) only for malformed input (bad hex, wrong key type); callers
// that need a single boolean should treat any non-nil error as "did not
// verify".
func (k *Key) Verify(sigHex string, data []byte) (bool, error) {
	if err := k.Validate(); err != nil {
		return false, err
	}
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, errors.Wrap(err, "hex-decoding signature")
	}
	pub, err := k.publicKey()
	if err != nil {
		return false, err
	}

	switch k.KeyType {
	case KeyTypeEd25519:
		edKey, ok := pub.(ed25519.PublicKey)
		if !ok {
			return false, errors.New("expected ed25519 public key")
		}
		if len(sigBytes) != ed25519.SignatureSize {
			return false, nil
		}
		return ed25519.Verify(edKey, data, sigBytes), nil
	case KeyTypeRSA:
		rsaKey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return false, errors.New("expected rsa public key")
		}
		// salt = hash length, per spec §4.2's signature-format column.
		verifier, err := signature.LoadRSAPSSVerifier(rsaKey, crypto.SHA256, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       crypto.SHA256,
		})
		if err != nil {
			return false, errors.Wrap(err, "loading rsa-pss verifier")
		}
		err = verifier.VerifySignature(bytes.NewReader(sigBytes), bytes.NewReader(data))
		return err == nil, nil
	case KeyTypeECDSA:
		ecKey, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return false, errors.New("expected ecdsa public key")
		}
		verifier, err := signature.LoadECDSAVerifier(ecKey, crypto.SHA256)
		if err != nil {
			return false, errors.Wrap(err, "loading ecdsa verifier")
		}
		err = verifier.VerifySignature(bytes.NewReader(sigBytes), bytes.NewReader(data))
		return err == nil, nil
	default:
		return false, &tuferrors.UnsupportedScheme{KeyType: k.KeyType, Scheme: k.Scheme}
	}
}

// EncodePEM serializes a crypto.PublicKey to PEM SubjectPublicKeyInfo,
// mirroring the Builder side of go-tuf-metadata's KeyFromPublicKey.
func EncodePEM(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", errors.Wrap(err, "marshaling public key")
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// FromPublicKey builds a Key (ready for inclusion in a Root or Delegations
// document) from a crypto.PublicKey, choosing keytype/scheme by concrete
// Go type. Used by the Repository Builder (C8).
func FromPublicKey(pub crypto.PublicKey) (*Key, error) {
	switch p := pub.(type) {
	case ed25519.PublicKey:
		return &Key{
			KeyType: KeyTypeEd25519,
			Scheme:  SchemeEd25519,
			KeyVal:  KeyVal{Public: hex.EncodeToString(p)},
		}, nil
	case *rsa.PublicKey:
		pemKey, err := EncodePEM(p)
		if err != nil {
			return nil, err
		}
		return &Key{
			KeyType: KeyTypeRSA,
			Scheme:  SchemeRSASSA_PSS_SHA256,
			KeyVal:  KeyVal{Public: pemKey},
		}, nil
	case *ecdsa.PublicKey:
		pemKey, err := EncodePEM(p)
		if err != nil {
			return nil, err
		}
		return &Key{
			KeyType: KeyTypeECDSA,
			Scheme:  SchemeECDSA_SHA2_P256,
			KeyVal:  KeyVal{Public: pemKey},
		}, nil
	default:
		return nil, errors.Errorf("unsupported public key type %T", pub)
	}
}
