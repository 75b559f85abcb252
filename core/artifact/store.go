package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	labErrors "github.com/davidahmann/agentlab/core/errors"
	"github.com/davidahmann/agentlab/core/fsx"
	"github.com/davidahmann/agentlab/core/jcs"
)

const (
	refPrefix = "artifact://sha256/"
	blobDir   = "sha256"
)

var (
	ErrNotFound       = errors.New("artifact not found")
	ErrMalformedRef   = errors.New("malformed artifact ref")
	ErrDigestMismatch = errors.New("artifact digest mismatch")
)

var putTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agentlab_artifact_puts_total",
	Help: "Artifact store puts by result",
}, []string{"result"})

// Ref is an opaque artifact reference of the form artifact://sha256/<hex>.
type Ref struct {
	hex string
}

// ParseRef accepts only the exact ref form; surrounding whitespace is malformed.
func ParseRef(value string) (Ref, error) {
	hexValue, ok := strings.CutPrefix(value, refPrefix)
	if !ok || !jcs.IsSHA256Hex(hexValue) {
		return Ref{}, labErrors.Wrap(
			fmt.Errorf("%w: %q", ErrMalformedRef, value),
			labErrors.CategoryIntegrity, "artifact_ref_malformed", "refs look like artifact://sha256/<64 lowercase hex>", false,
		)
	}
	return Ref{hex: hexValue}, nil
}

// RefFromDigest converts a "sha256:<hex>" digest into a Ref.
func RefFromDigest(digest string) (Ref, error) {
	hexValue, ok := jcs.HexOf(digest)
	if !ok {
		return Ref{}, fmt.Errorf("%w: digest %q", ErrMalformedRef, digest)
	}
	return Ref{hex: hexValue}, nil
}

func (r Ref) String() string {
	if r.hex == "" {
		return ""
	}
	return refPrefix + r.hex
}

func (r Ref) Hex() string {
	return r.hex
}

func (r Ref) Digest() string {
	return "sha256:" + r.hex
}

func (r Ref) IsZero() bool {
	return r.hex == ""
}

// Store is a content-addressed blob store rooted at a directory. It is safe
// for concurrent use by goroutines and by separate processes sharing the root.
type Store struct {
	root string
}

func Open(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("artifact store root is required")
	}
	absolute, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact store root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(absolute, blobDir), 0o750); err != nil {
		return nil, labErrors.Wrap(fmt.Errorf("create artifact store: %w", err), labErrors.CategoryIOFailure, "artifact_store_create_failed", "", true)
	}
	return &Store{root: absolute}, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) blobPath(ref Ref) string {
	return filepath.Join(s.root, blobDir, ref.hex)
}

func (s *Store) PutBytes(data []byte) (Ref, error) {
	ref, _ := RefFromDigest(jcs.Digest(data))
	created, err := fsx.CommitFile(s.blobPath(ref), 0o600, func(writer io.Writer) error {
		_, err := writer.Write(data)
		return err
	})
	if err != nil {
		return Ref{}, labErrors.Wrap(fmt.Errorf("store artifact %s: %w", ref.hex, err), labErrors.CategoryIOFailure, "artifact_write_failed", "", true)
	}
	observePut(created)
	return ref, nil
}

// PutFile stores the contents of path. The copy is re-hashed while it is
// written and rejected if the file changed after it was first digested.
func (s *Store) PutFile(path string) (Ref, error) {
	digest, err := jcs.DigestFile(path)
	if err != nil {
		return Ref{}, labErrors.Wrap(err, labErrors.CategoryNotFound, "artifact_source_unreadable", "", false)
	}
	ref, _ := RefFromDigest(digest)
	created, err := fsx.CommitFile(s.blobPath(ref), 0o600, func(writer io.Writer) error {
		// #nosec G304 -- caller supplies an explicit local file to archive.
		source, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = source.Close() }()
		copied, err := jcs.DigestReader(io.TeeReader(source, writer))
		if err != nil {
			return err
		}
		if copied != digest {
			return fmt.Errorf("%w: %s changed while being stored", ErrDigestMismatch, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDigestMismatch) {
			return Ref{}, labErrors.Wrap(err, labErrors.CategoryIntegrity, "artifact_source_changed", "retry once the file is no longer being written", true)
		}
		return Ref{}, labErrors.Wrap(fmt.Errorf("store artifact %s: %w", ref.hex, err), labErrors.CategoryIOFailure, "artifact_write_failed", "", true)
	}
	observePut(created)
	return ref, nil
}

func (s *Store) GetBytes(ref Ref) ([]byte, error) {
	if ref.IsZero() {
		return nil, labErrors.Wrap(ErrMalformedRef, labErrors.CategoryIntegrity, "artifact_ref_malformed", "", false)
	}
	// #nosec G304 -- blob path is derived from a validated sha256 hex digest.
	data, err := os.ReadFile(s.blobPath(ref))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, labErrors.Wrap(fmt.Errorf("%w: %s", ErrNotFound, ref), labErrors.CategoryNotFound, "artifact_not_found", "", false)
		}
		return nil, labErrors.Wrap(fmt.Errorf("read artifact %s: %w", ref, err), labErrors.CategoryIOFailure, "artifact_read_failed", "", true)
	}
	return data, nil
}

// Get resolves a textual ref and returns its bytes.
func (s *Store) Get(value string) ([]byte, error) {
	ref, err := ParseRef(value)
	if err != nil {
		return nil, err
	}
	return s.GetBytes(ref)
}

func (s *Store) Has(ref Ref) bool {
	if ref.IsZero() {
		return false
	}
	info, err := os.Stat(s.blobPath(ref))
	return err == nil && info.Mode().IsRegular()
}

// Verify re-hashes a stored blob and fails if its bytes no longer match its name.
func (s *Store) Verify(ref Ref) error {
	if !s.Has(ref) {
		return labErrors.Wrap(fmt.Errorf("%w: %s", ErrNotFound, ref), labErrors.CategoryNotFound, "artifact_not_found", "", false)
	}
	digest, err := jcs.DigestFile(s.blobPath(ref))
	if err != nil {
		return labErrors.Wrap(err, labErrors.CategoryIOFailure, "artifact_read_failed", "", true)
	}
	if digest != ref.Digest() {
		return labErrors.Wrap(fmt.Errorf("%w: %s hashes to %s", ErrDigestMismatch, ref, digest), labErrors.CategoryIntegrity, "artifact_corrupt", "", false)
	}
	return nil
}

// Refs lists stored blobs in lexical order. In-flight temp files are skipped.
func (s *Store) Refs() ([]Ref, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, blobDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	refs := make([]Ref, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !jcs.IsSHA256Hex(entry.Name()) {
			continue
		}
		refs = append(refs, Ref{hex: entry.Name()})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].hex < refs[j].hex })
	return refs, nil
}

// RootDigest summarizes the whole store as the digest of the canonical sorted
// list of blob digests. It reports false when the store holds no blobs.
func (s *Store) RootDigest() (string, bool, error) {
	refs, err := s.Refs()
	if err != nil {
		return "", false, err
	}
	if len(refs) == 0 {
		return "", false, nil
	}
	digests := make([]string, 0, len(refs))
	for _, ref := range refs {
		digest, err := jcs.DigestFile(s.blobPath(ref))
		if err != nil {
			return "", false, fmt.Errorf("hash artifact %s: %w", ref, err)
		}
		digests = append(digests, digest)
	}
	sort.Strings(digests)
	root, err := jcs.DigestValue(digests)
	if err != nil {
		return "", false, err
	}
	return root, true, nil
}

func observePut(created bool) {
	if created {
		putTotal.WithLabelValues("stored").Inc()
		return
	}
	putTotal.WithLabelValues("deduplicated").Inc()
}
