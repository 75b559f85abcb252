package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/davidahmann/agentlab/core/artifact"
	labErrors "github.com/davidahmann/agentlab/core/errors"
	"github.com/davidahmann/agentlab/core/fsx"
	schemacheckpoint "github.com/davidahmann/agentlab/core/schema/v1/checkpoint"
	"github.com/davidahmann/agentlab/core/zipx"
)

const recordPrefix = "checkpoint_"

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidLabel reports whether label can name a checkpoint record.
func ValidLabel(label string) bool {
	return labelPattern.MatchString(label) && !strings.Contains(label, "..")
}

var operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agentlab_checkpoint_operations_total",
	Help: "Checkpoint saves and restores by status",
}, []string{"operation", "status"})

// Manager saves and restores named snapshots of directory surfaces.
type Manager struct {
	dir    string
	store  *artifact.Store
	logger *slog.Logger
	now    func() time.Time
}

type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
}

func NewManager(dir string, store *artifact.Store, opts Options) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("checkpoint manager requires an artifact store")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{dir: dir, store: store, logger: logger, now: now}, nil
}

func (m *Manager) Dir() string {
	return m.dir
}

// RecordPath is where Save writes the record for label.
func (m *Manager) RecordPath(label string) string {
	return filepath.Join(m.dir, recordPrefix+label+".json")
}

// Save archives each surface into the artifact store and then writes the
// checkpoint record. The record only appears once every archive is stored.
func (m *Manager) Save(label string, surfaces map[string]string, runtimeState map[string]any) (schemacheckpoint.Checkpoint, string, error) {
	record, path, err := m.save(label, surfaces, runtimeState)
	if err != nil {
		operationsTotal.WithLabelValues("save", "error").Inc()
		m.logger.Warn("checkpoint save failed", "label", label, "error", err)
		return schemacheckpoint.Checkpoint{}, "", err
	}
	operationsTotal.WithLabelValues("save", "ok").Inc()
	m.logger.Info("checkpoint saved", "label", label, "surfaces", len(record.Surfaces), "path", path)
	return record, path, nil
}

func (m *Manager) save(label string, surfaces map[string]string, runtimeState map[string]any) (schemacheckpoint.Checkpoint, string, error) {
	if !ValidLabel(label) {
		return schemacheckpoint.Checkpoint{}, "", labErrors.Wrap(fmt.Errorf("invalid checkpoint label %q", label), labErrors.CategoryInvalidInput, "checkpoint_label_invalid", "use letters, digits, '.', '_' or '-'", false)
	}
	if runtimeState == nil {
		runtimeState = map[string]any{}
	}
	record := schemacheckpoint.Checkpoint{
		Label:        label,
		CreatedAt:    m.now().UTC(),
		Surfaces:     make(map[string]schemacheckpoint.Surface, len(surfaces)),
		RuntimeState: runtimeState,
	}
	for _, name := range sortedKeys(surfaces) {
		absolute, err := filepath.Abs(surfaces[name])
		if err != nil {
			return schemacheckpoint.Checkpoint{}, "", fmt.Errorf("resolve surface %s: %w", name, err)
		}
		info, err := os.Stat(absolute)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return schemacheckpoint.Checkpoint{}, "", labErrors.Wrap(fmt.Errorf("surface %s path not found: %s", name, absolute), labErrors.CategoryNotFound, "checkpoint_surface_missing", "", false)
			}
			return schemacheckpoint.Checkpoint{}, "", fmt.Errorf("stat surface %s: %w", name, err)
		}
		if !info.IsDir() {
			return schemacheckpoint.Checkpoint{}, "", labErrors.Wrap(fmt.Errorf("surface %s is not a directory: %s", name, absolute), labErrors.CategoryInvalidInput, "checkpoint_surface_not_dir", "", false)
		}
		archive, err := zipx.ArchiveDir(absolute)
		if err != nil {
			return schemacheckpoint.Checkpoint{}, "", labErrors.Wrap(fmt.Errorf("archive surface %s: %w", name, err), labErrors.CategoryIOFailure, "checkpoint_archive_failed", "", false)
		}
		ref, err := m.store.PutBytes(archive)
		if err != nil {
			return schemacheckpoint.Checkpoint{}, "", fmt.Errorf("store surface %s: %w", name, err)
		}
		record.Surfaces[name] = schemacheckpoint.Surface{Path: absolute, ArtifactRef: ref.String()}
	}

	encoded, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return schemacheckpoint.Checkpoint{}, "", fmt.Errorf("encode checkpoint: %w", err)
	}
	path := m.RecordPath(label)
	if err := fsx.WriteFileAtomic(path, append(encoded, '\n'), 0o600); err != nil {
		return schemacheckpoint.Checkpoint{}, "", labErrors.Wrap(fmt.Errorf("write checkpoint record: %w", err), labErrors.CategoryIOFailure, "checkpoint_write_failed", "", true)
	}
	return record, path, nil
}

// Load reads a checkpoint record.
func Load(path string) (schemacheckpoint.Checkpoint, error) {
	// #nosec G304 -- checkpoint path is explicit local user input.
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return schemacheckpoint.Checkpoint{}, labErrors.Wrap(fmt.Errorf("checkpoint record %s: %w", path, err), labErrors.CategoryNotFound, "checkpoint_not_found", "", false)
		}
		return schemacheckpoint.Checkpoint{}, fmt.Errorf("read checkpoint record: %w", err)
	}
	var record schemacheckpoint.Checkpoint
	if err := json.Unmarshal(raw, &record); err != nil {
		return schemacheckpoint.Checkpoint{}, labErrors.Wrap(fmt.Errorf("decode checkpoint record: %w", err), labErrors.CategoryInvalidInput, "checkpoint_invalid", "", false)
	}
	return record, nil
}

type staged struct {
	name    string
	dest    string
	stage   string
	backup  string
	swapped bool
}

// Restore replaces every surface of the checkpoint at path with its archived
// contents. All archives are fetched and validated, then extracted to staging
// directories, then swapped in. On any failure the live surfaces are left as
// they were. The record itself is never modified.
func (m *Manager) Restore(path string) (schemacheckpoint.Checkpoint, error) {
	return m.restoreLogged(path, nil)
}

// RestoreTo restores only the named surfaces, each into the given
// destination instead of its recorded path, with the same all-or-nothing
// guarantee. It seeds a new trial from another trial's checkpoint.
func (m *Manager) RestoreTo(path string, destinations map[string]string) (schemacheckpoint.Checkpoint, error) {
	if len(destinations) == 0 {
		return schemacheckpoint.Checkpoint{}, labErrors.Wrap(fmt.Errorf("no restore destinations"), labErrors.CategoryInvalidInput, "checkpoint_destinations_missing", "", false)
	}
	return m.restoreLogged(path, destinations)
}

func (m *Manager) restoreLogged(path string, destinations map[string]string) (schemacheckpoint.Checkpoint, error) {
	record, err := m.restore(path, destinations)
	if err != nil {
		operationsTotal.WithLabelValues("restore", "error").Inc()
		m.logger.Warn("checkpoint restore failed", "path", path, "error", err)
		return schemacheckpoint.Checkpoint{}, err
	}
	operationsTotal.WithLabelValues("restore", "ok").Inc()
	m.logger.Info("checkpoint restored", "label", record.Label, "surfaces", len(record.Surfaces))
	return record, nil
}

func (m *Manager) restore(path string, destinations map[string]string) (schemacheckpoint.Checkpoint, error) {
	record, err := Load(path)
	if err != nil {
		return schemacheckpoint.Checkpoint{}, err
	}

	targets := make(map[string]string, len(record.Surfaces))
	if destinations == nil {
		for name, surface := range record.Surfaces {
			targets[name] = surface.Path
		}
	} else {
		for name, dest := range destinations {
			if _, ok := record.Surfaces[name]; !ok {
				return schemacheckpoint.Checkpoint{}, labErrors.Wrap(fmt.Errorf("checkpoint %s has no surface %s", record.Label, name), labErrors.CategoryNotFound, "checkpoint_surface_not_found", "", false)
			}
			targets[name] = dest
		}
	}

	archives := make(map[string][]byte, len(targets))
	names := sortedKeys(targets)
	for _, name := range names {
		surface := record.Surfaces[name]
		if strings.TrimSpace(targets[name]) == "" {
			return schemacheckpoint.Checkpoint{}, labErrors.Wrap(fmt.Errorf("surface %s has no path", name), labErrors.CategoryInvalidInput, "checkpoint_invalid", "", false)
		}
		data, err := m.store.Get(surface.ArtifactRef)
		if err != nil {
			return schemacheckpoint.Checkpoint{}, fmt.Errorf("surface %s: %w", name, err)
		}
		if err := zipx.Check(data); err != nil {
			return schemacheckpoint.Checkpoint{}, unsafeArchive(name, err)
		}
		archives[name] = data
	}

	pending := make([]*staged, 0, len(names))
	defer func() {
		for _, item := range pending {
			_ = os.RemoveAll(item.stage)
			if item.backup != "" {
				_ = os.RemoveAll(item.backup)
			}
		}
	}()
	for _, name := range names {
		dest := filepath.Clean(targets[name])
		parent := filepath.Dir(dest)
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return schemacheckpoint.Checkpoint{}, fmt.Errorf("create parent of surface %s: %w", name, err)
		}
		stage, err := os.MkdirTemp(parent, "."+filepath.Base(dest)+".restore-*")
		if err != nil {
			return schemacheckpoint.Checkpoint{}, fmt.Errorf("create staging dir for %s: %w", name, err)
		}
		item := &staged{name: name, dest: dest, stage: stage}
		pending = append(pending, item)
		if err := zipx.Extract(archives[name], stage); err != nil {
			if errors.Is(err, zipx.ErrUnsafePath) {
				return schemacheckpoint.Checkpoint{}, unsafeArchive(name, err)
			}
			return schemacheckpoint.Checkpoint{}, labErrors.Wrap(fmt.Errorf("extract surface %s: %w", name, err), labErrors.CategoryIOFailure, "checkpoint_extract_failed", "", true)
		}
	}

	if err := swapAll(pending); err != nil {
		return schemacheckpoint.Checkpoint{}, labErrors.Wrap(err, labErrors.CategoryIOFailure, "checkpoint_swap_failed", "", true)
	}
	return record, nil
}

func swapAll(pending []*staged) error {
	for _, item := range pending {
		if _, err := os.Lstat(item.dest); err == nil {
			item.backup = item.stage + ".previous"
			if err := os.Rename(item.dest, item.backup); err != nil {
				item.backup = ""
				rollback(pending)
				return fmt.Errorf("move aside surface %s: %w", item.name, err)
			}
		}
		if err := os.Rename(item.stage, item.dest); err != nil {
			rollback(pending)
			return fmt.Errorf("swap in surface %s: %w", item.name, err)
		}
		item.swapped = true
	}
	for _, item := range pending {
		fsx.SyncDir(filepath.Dir(item.dest))
	}
	return nil
}

func rollback(pending []*staged) {
	for index := len(pending) - 1; index >= 0; index-- {
		item := pending[index]
		if item.swapped {
			_ = os.Rename(item.dest, item.stage)
			item.swapped = false
		}
		if item.backup != "" {
			if err := os.Rename(item.backup, item.dest); err == nil {
				item.backup = ""
			}
		}
	}
}

func unsafeArchive(name string, err error) error {
	return labErrors.Wrap(fmt.Errorf("surface %s: %w", name, err), labErrors.CategoryUnsafeArchive, "checkpoint_archive_unsafe", "the stored archive was not produced by this lab", false)
}

// List returns checkpoint record paths in the manager's directory, sorted.
func (m *Manager) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, recordPrefix+"*.json"))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
