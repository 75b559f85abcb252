package jcs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeJSON(t *testing.T) {
	out, err := CanonicalizeJSON([]byte(`{ "b":2, "a":1 }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(out))
}

func TestCanonicalizeKeyOrderIndependent(t *testing.T) {
	left := map[string]any{
		"zeta":  []any{1, "two", nil, true},
		"alpha": map[string]any{"y": 1.5, "x": "x"},
	}
	right := map[string]any{
		"alpha": map[string]any{"x": "x", "y": 1.5},
		"zeta":  []any{1, "two", nil, true},
	}
	leftBytes, err := Canonicalize(left)
	require.NoError(t, err)
	rightBytes, err := Canonicalize(right)
	require.NoError(t, err)
	assert.Equal(t, leftBytes, rightBytes)
	assert.Equal(t, `{"alpha":{"x":"x","y":1.5},"zeta":[1,"two",null,true]}`, string(leftBytes))

	leftDigest, err := DigestValue(left)
	require.NoError(t, err)
	rightDigest, err := DigestValue(right)
	require.NoError(t, err)
	assert.Equal(t, leftDigest, rightDigest)
}

func TestCanonicalizeScalars(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  string
	}{
		{"null", nil, "null"},
		{"bool", false, "false"},
		{"int", 42, "42"},
		{"float", 0.5, "0.5"},
		{"string", "a\"b", `"a\"b"`},
		{"empty list", []any{}, "[]"},
		{"empty map", map[string]any{}, "{}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := Canonicalize(tc.value)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(out))
		})
	}
}

func TestDigestJCSStable(t *testing.T) {
	da, err := DigestJCS([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	db, err := DigestJCS([]byte(`{ "b":2, "a":1 }`))
	require.NoError(t, err)
	assert.Equal(t, da, db)
}

func TestCanonicalizeJSONInvalid(t *testing.T) {
	_, err := CanonicalizeJSON([]byte(`{`))
	require.Error(t, err)
	_, err = DigestJCS([]byte(`{`))
	require.Error(t, err)
}

func TestDigestFormat(t *testing.T) {
	digest := Digest([]byte("hello"))
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", digest)
	hex, ok := HexOf(digest)
	require.True(t, ok)
	assert.Len(t, hex, 64)

	_, ok = HexOf("md5:abc")
	assert.False(t, ok)
	_, ok = HexOf("sha256:" + strings.Repeat("G", 64))
	assert.False(t, ok)
	_, ok = HexOf(Genesis)
	assert.True(t, ok)
}

func TestDigestFileMatchesDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o600))

	digest, err := DigestFile(path)
	require.NoError(t, err)
	assert.Equal(t, Digest([]byte("payload")), digest)

	_, err = DigestFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
