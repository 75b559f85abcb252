package jcs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gowebpki/jcs"
)

const digestPrefix = "sha256:"

// Genesis is the all-zero digest that links the first record of a hash chain.
var Genesis = digestPrefix + strings.Repeat("0", 64)

// CanonicalizeJSON returns the RFC 8785 (JCS) canonical form of JSON input.
func CanonicalizeJSON(input []byte) ([]byte, error) {
	return jcs.Transform(input)
}

// Canonicalize encodes any JSON-compatible value and returns its canonical bytes.
func Canonicalize(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return CanonicalizeJSON(raw)
}

// DigestJCS canonicalizes JSON (RFC 8785) and returns a sha256 hex digest.
func DigestJCS(input []byte) (string, error) {
	canonical, err := CanonicalizeJSON(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Digest returns the prefixed sha256 digest ("sha256:<hex>") of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return digestPrefix + hex.EncodeToString(sum[:])
}

// DigestValue returns Digest(Canonicalize(value)).
func DigestValue(value any) (string, error) {
	canonical, err := Canonicalize(value)
	if err != nil {
		return "", err
	}
	return Digest(canonical), nil
}

func DigestFile(path string) (string, error) {
	// #nosec G304 -- caller supplies an explicit local path to hash.
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()
	return DigestReader(file)
}

func DigestReader(reader io.Reader) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("hash stream: %w", err)
	}
	return digestPrefix + hex.EncodeToString(hasher.Sum(nil)), nil
}

// HexOf strips the sha256: prefix and reports whether the remainder is a
// lowercase 64-character hex string.
func HexOf(digest string) (string, bool) {
	value, ok := strings.CutPrefix(digest, digestPrefix)
	if !ok {
		return "", false
	}
	if !IsSHA256Hex(value) {
		return "", false
	}
	return value, true
}

func IsSHA256Hex(value string) bool {
	if len(value) != 64 {
		return false
	}
	for _, char := range value {
		if (char < '0' || char > '9') && (char < 'a' || char > 'f') {
			return false
		}
	}
	return true
}
