package patchlib

import (
	"encoding/json"
	"fmt"
	"sort"
)

// EntryType is the tagged variant selected once during Diff and stored
// verbatim in the manifest; MergeEngine switches on it rather than doing
// any dynamic dispatch. It is one of EntryTypeText or EntryTypeBsdiff; the
// zero value is only valid for a brand-new file, where the manifest entry
// carries no Type at all.
type EntryType string

const (
	// EntryTypeText marks an entry patched via the text diff-match-patch
	// contract (make_patch/apply_patch).
	EntryTypeText EntryType = "text"
	// EntryTypeBsdiff marks an entry patched via the external bsdiff/bspatch
	// binaries.
	EntryTypeBsdiff EntryType = "bsdiff"
)

// ManifestEntry describes one patched or newly-introduced file. For a
// patched file both Type and OldMD5 are set; for a new file neither is set
// and only PatchedMD5 is present, per the invariants of SPEC_FULL.md §4.1.
type ManifestEntry struct {
	Type       EntryType `json:"type,omitempty"`
	OldMD5     string    `json:"oldmd5,omitempty"`
	PatchedMD5 string    `json:"patchedmd5"`
}

// IsNew reports whether e describes a brand-new file (newfs/ entry).
func (e ManifestEntry) IsNew() bool {
	return e.Type == "" && e.OldMD5 == ""
}

// Manifest is the decoded form of an archive's cfg.json. Deleted lists
// relative, forward-slash paths removed by this archive; Entries maps a
// relative path to its ManifestEntry for every patched or new file. Deleted
// and the keys of Entries must be disjoint within a single archive — see
// Validate.
type Manifest struct {
	Deleted []string                 `json:"deleted"`
	Entries map[string]ManifestEntry `json:"-"`
}

// manifestWire is the on-disk shape of cfg.json: "deleted" plus one key per
// relative path, flattened into the same JSON object. Go's json package has
// no native support for "known keys plus everything else", so encoding and
// decoding are done by hand via map[string]json.RawMessage.
type manifestWire struct {
	Deleted []string `json:"deleted"`
}

// NewManifest returns an empty, ready-to-use Manifest.
func NewManifest() *Manifest {
	return &Manifest{Entries: make(map[string]ManifestEntry)}
}

// MarshalJSON flattens Entries alongside the "deleted" key.
func (m Manifest) MarshalJSON() ([]byte, error) {
	raw := make(map[string]json.RawMessage, len(m.Entries)+1)

	deleted := m.Deleted
	if deleted == nil {
		deleted = []string{}
	}
	b, err := json.Marshal(deleted)
	if err != nil {
		return nil, err
	}
	raw["deleted"] = b

	for path, entry := range m.Entries {
		if path == "deleted" {
			return nil, fmt.Errorf("patchlib: relative path %q collides with the manifest's reserved key", path)
		}
		b, err := json.Marshal(entry)
		if err != nil {
			return nil, err
		}
		raw[path] = b
	}
	return json.Marshal(raw)
}

// UnmarshalJSON splits the flattened object back into Deleted and Entries.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var w manifestWire
	if d, ok := raw["deleted"]; ok {
		if err := json.Unmarshal(d, &w.Deleted); err != nil {
			return fmt.Errorf("patchlib: decoding \"deleted\": %w", err)
		}
	}
	delete(raw, "deleted")

	entries := make(map[string]ManifestEntry, len(raw))
	for path, b := range raw {
		var e ManifestEntry
		if err := json.Unmarshal(b, &e); err != nil {
			return fmt.Errorf("patchlib: decoding entry %q: %w", path, err)
		}
		entries[path] = e
	}
	m.Deleted = w.Deleted
	m.Entries = entries
	return nil
}

// Validate enforces the manifest invariants of SPEC_FULL.md §4.1:
// Deleted and the entry keys must be disjoint, and every entry with a
// Type set must also carry OldMD5 (and vice versa).
func (m *Manifest) Validate() error {
	deleted := make(map[string]struct{}, len(m.Deleted))
	for _, p := range m.Deleted {
		deleted[p] = struct{}{}
	}
	for path, e := range m.Entries {
		if _, ok := deleted[path]; ok {
			return fmt.Errorf("%w: %q is both deleted and patched/created", ErrInvalidArchive, path)
		}
		hasType := e.Type != ""
		hasOld := e.OldMD5 != ""
		if hasType != hasOld {
			return fmt.Errorf("%w: %q has inconsistent type/oldmd5 pairing", ErrInvalidArchive, path)
		}
		if e.PatchedMD5 == "" {
			return fmt.Errorf("%w: %q is missing patchedmd5", ErrInvalidArchive, path)
		}
		if hasType && e.Type != EntryTypeText && e.Type != EntryTypeBsdiff {
			return fmt.Errorf("%w: %q has unrecognized type %q", ErrInvalidArchive, path, e.Type)
		}
	}
	return nil
}

// SortedPaths returns the manifest's entry paths in deterministic order,
// useful for reproducible archive writes and tests.
func (m *Manifest) SortedPaths() []string {
	paths := make([]string, 0, len(m.Entries))
	for p := range m.Entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
