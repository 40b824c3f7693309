// Package fingerprint validates claimed artifact digests. The gate is pure
// and runs before any state is created: a stored fingerprint that does not
// match its bytes would silently break the verification guarantee.
package fingerprint

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	"anchorline/internal/evidence/models"
	dErrors "anchorline/pkg/domain-errors"
)

// Algorithm identifies a supported, versioned digest function.
type Algorithm string

const (
	// AlgorithmSHA256 is the v1 claimant algorithm and the default for bare
	// hex claims.
	AlgorithmSHA256 Algorithm = "sha256"
	// AlgorithmBLAKE2b is the v2 claimant algorithm (BLAKE2b-256).
	AlgorithmBLAKE2b Algorithm = "blake2b"
)

const hexDigestLen = 64 // both algorithms emit 32-byte digests

// Normalize parses a claimed fingerprint into canonical "algo:hex" form.
// Bare 64-char hex claims are treated as sha256 for v1 claimants.
func Normalize(claimed string) (string, error) {
	claimed = strings.ToLower(strings.TrimSpace(claimed))

	algo := AlgorithmSHA256
	digest := claimed
	if idx := strings.IndexByte(claimed, ':'); idx != -1 {
		algo = Algorithm(claimed[:idx])
		digest = claimed[idx+1:]
	}

	switch algo {
	case AlgorithmSHA256, AlgorithmBLAKE2b:
	default:
		return "", dErrors.New(dErrors.CodeInvalidInput, "unsupported fingerprint algorithm "+string(algo))
	}

	if len(digest) != hexDigestLen {
		return "", dErrors.New(dErrors.CodeInvalidInput, "fingerprint must be a 64-character hex digest")
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInvalidInput, "fingerprint is not valid hex")
	}

	return string(algo) + ":" + digest, nil
}

// Compute produces the canonical fingerprint of the bytes under the given
// algorithm.
func Compute(algo Algorithm, data []byte) string {
	switch algo {
	case AlgorithmBLAKE2b:
		sum := blake2b.Sum256(data)
		return string(AlgorithmBLAKE2b) + ":" + hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256(data)
		return string(AlgorithmSHA256) + ":" + hex.EncodeToString(sum[:])
	}
}

// Verify normalizes the claimed fingerprint, recomputes the digest over the
// artifact bytes with the claimed algorithm, and compares in constant time.
// Returns the canonical fingerprint on success, or an IntegrityError carrying
// both values.
func Verify(claimed string, data []byte) (string, error) {
	canonical, err := Normalize(claimed)
	if err != nil {
		return "", err
	}

	algo := Algorithm(canonical[:strings.IndexByte(canonical, ':')])
	computed := Compute(algo, data)

	if subtle.ConstantTimeCompare([]byte(canonical), []byte(computed)) != 1 {
		return "", &models.IntegrityError{Claimed: canonical, Computed: computed}
	}
	return canonical, nil
}
