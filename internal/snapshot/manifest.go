// Package snapshot maps user-facing snapshot references to concrete provider
// images. The known-defaults manifest carries the shared base presets; the
// resolver layers tenant-owned environments and snapshot versions on top.
package snapshot

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/steveyegge/bullpen/internal/provider"
)

// ManifestVersion is the supported manifest schema version.
const ManifestVersion = 1

// Manifest is the known-defaults table: shared base snapshots every team may
// start from, plus the per-provider default used when a request names nothing.
type Manifest struct {
	Version int `toml:"version"`

	Defaults struct {
		Morph  string `toml:"morph"`
		PveLxc string `toml:"pve-lxc"`
	} `toml:"defaults"`

	Presets []Preset `toml:"presets"`
}

// Preset is one named base image with its per-provider versions.
type Preset struct {
	Name      string          `toml:"name"`
	Protected bool            `toml:"protected"`
	Versions  []PresetVersion `toml:"versions"`
}

// PresetVersion binds a snapshot id to a provider. TemplateVMID is set only
// for the LXC back-end.
type PresetVersion struct {
	SnapshotID   string `toml:"snapshot_id"`
	Provider     string `toml:"provider"`
	TemplateVMID int    `toml:"template_vmid"`
}

// Entry is a resolved known-defaults row.
type Entry struct {
	SnapshotID   string
	Provider     provider.Kind
	TemplateVMID int
	Protected    bool
}

// DefaultManifest returns the compiled-in table used when no manifest file is
// configured or the configured one fails to load.
func DefaultManifest() *Manifest {
	m := &Manifest{Version: ManifestVersion}
	m.Defaults.Morph = "snapshot_base_v1"
	m.Defaults.PveLxc = "snapshot_5141774e"
	m.Presets = []Preset{{
		Name:      "base",
		Protected: true,
		Versions: []PresetVersion{
			{SnapshotID: "snapshot_base_v1", Provider: string(provider.KindMorph)},
			{SnapshotID: "snapshot_5141774e", Provider: string(provider.KindPveLxc), TemplateVMID: 9045},
		},
	}}
	return m
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot manifest: %w", err)
	}
	var m Manifest
	if _, err := toml.Decode(string(data), &m); err != nil {
		return nil, fmt.Errorf("parsing snapshot manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the schema version and per-version fields.
func (m *Manifest) Validate() error {
	if m.Version != ManifestVersion {
		return fmt.Errorf("unsupported snapshot manifest version %d (expected %d)", m.Version, ManifestVersion)
	}
	for _, preset := range m.Presets {
		if strings.TrimSpace(preset.Name) == "" {
			return fmt.Errorf("snapshot manifest preset missing name")
		}
		for _, v := range preset.Versions {
			if v.SnapshotID == "" {
				return fmt.Errorf("preset %s has a version without snapshot_id", preset.Name)
			}
			kind := provider.Kind(v.Provider)
			if kind != provider.KindMorph && kind != provider.KindPveLxc {
				return fmt.Errorf("preset %s snapshot %s has unknown provider %q", preset.Name, v.SnapshotID, v.Provider)
			}
			if kind == provider.KindPveLxc && v.TemplateVMID <= 0 {
				return fmt.Errorf("preset %s snapshot %s needs a template_vmid", preset.Name, v.SnapshotID)
			}
		}
	}
	return nil
}

// Lookup finds a known-defaults entry by snapshot id (case-insensitive).
func (m *Manifest) Lookup(snapshotID string) (Entry, bool) {
	id := strings.ToLower(strings.TrimSpace(snapshotID))
	if id == "" {
		return Entry{}, false
	}
	for _, preset := range m.Presets {
		for _, v := range preset.Versions {
			if strings.ToLower(v.SnapshotID) == id {
				return Entry{
					SnapshotID:   v.SnapshotID,
					Provider:     provider.Kind(v.Provider),
					TemplateVMID: v.TemplateVMID,
					Protected:    preset.Protected,
				}, true
			}
		}
	}
	return Entry{}, false
}

// DefaultFor returns the default entry for a provider.
func (m *Manifest) DefaultFor(kind provider.Kind) (Entry, bool) {
	var id string
	switch kind {
	case provider.KindMorph:
		id = m.Defaults.Morph
	case provider.KindPveLxc:
		id = m.Defaults.PveLxc
	}
	if id == "" {
		return Entry{}, false
	}
	if entry, ok := m.Lookup(id); ok {
		return entry, true
	}
	return Entry{SnapshotID: id, Provider: kind}, true
}

// ProtectedVMIDs lists template VMIDs that must survive environment deletes.
func (m *Manifest) ProtectedVMIDs() map[int]bool {
	out := make(map[int]bool)
	for _, preset := range m.Presets {
		if !preset.Protected {
			continue
		}
		for _, v := range preset.Versions {
			if v.TemplateVMID > 0 {
				out[v.TemplateVMID] = true
			}
		}
	}
	return out
}

// ResolveTemplateVMID serves the LXC client's snapshot-to-template hook.
func (m *Manifest) ResolveTemplateVMID(snapshotID string) (int, error) {
	entry, ok := m.Lookup(snapshotID)
	if !ok || entry.Provider != provider.KindPveLxc {
		return 0, fmt.Errorf("snapshot %s not in manifest", snapshotID)
	}
	return entry.TemplateVMID, nil
}
