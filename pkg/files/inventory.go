package files

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
	"github.com/bishopdynamics/netbootstudio/internal/timestamp"
	"github.com/bishopdynamics/netbootstudio/pkg/config"
)

// Scanner reads the inventory lists from the path layout. Every method
// returns a fully sorted list with builtins merged in; the data-source
// provider's diffing decides whether anything actually changed.
type Scanner struct {
	paths config.Paths
}

// NewScanner builds a scanner over the layout at paths.
func NewScanner(paths config.Paths) *Scanner {
	return &Scanner{paths: paths}
}

// Sample returns the sampler for the named list, or nil for a name the
// scanner does not know.
func (s *Scanner) Sample(list string) func() (any, error) {
	switch list {
	case ListIPXEBuilds:
		return func() (any, error) { return s.IPXEBuilds() }
	case ListWimbootBuilds:
		return func() (any, error) { return s.WimbootBuilds() }
	case ListStage1Files:
		return func() (any, error) { return s.Stage1Files() }
	case ListUbootScripts:
		return func() (any, error) { return s.UbootScripts() }
	case ListBootImages:
		return func() (any, error) { return s.BootImages() }
	case ListUnattendedConfigs:
		return func() (any, error) { return s.UnattendedConfigs() }
	case ListISO:
		return func() (any, error) { return s.ISO() }
	case ListTFTPRoot:
		return func() (any, error) { return s.TFTPRoot() }
	case ListStage4:
		return func() (any, error) { return s.Stage4() }
	}
	return nil
}

// Root returns the directory the named list scans.
func (s *Scanner) Root(list string) string {
	switch list {
	case ListIPXEBuilds:
		return s.paths.IPXEBuilds
	case ListWimbootBuilds:
		return s.paths.WimbootBuilds
	case ListStage1Files:
		return s.paths.Stage1Files
	case ListUbootScripts:
		return s.paths.UbootScripts
	case ListBootImages:
		return s.paths.BootImages
	case ListUnattendedConfigs:
		return s.paths.UnattendedConfigs
	case ListISO:
		return s.paths.ISO
	case ListTFTPRoot:
		return s.paths.TFTPRoot
	case ListStage4:
		return s.paths.Stage4
	}
	return ""
}

// Stage1Files lists iPXE stage1 scripts.
func (s *Scanner) Stage1Files() ([]Entry, error) {
	return s.plainList(s.paths.Stage1Files, builtinStage1Files, nil, ".ipxe")
}

// UbootScripts lists U-Boot script sources.
func (s *Scanner) UbootScripts() ([]Entry, error) {
	return s.plainList(s.paths.UbootScripts, builtinUbootScripts, nil, ".scr")
}

// UnattendedConfigs lists unattended install answer files.
func (s *Scanner) UnattendedConfigs() ([]Entry, error) {
	return s.plainList(s.paths.UnattendedConfigs, builtinUnattendedConfigs, nil, ".cfg", ".xml")
}

// ISO lists uploaded installer ISOs. There are no builtin ISOs.
func (s *Scanner) ISO() ([]Entry, error) {
	return s.plainList(s.paths.ISO, nil, nil, ".iso")
}

// Stage4 lists post-install scripts. Real files shadowing the builtin
// entrypoints are ignored so the served versions always win.
func (s *Scanner) Stage4() ([]Entry, error) {
	skip := func(name string) bool {
		if IsBuiltin(ListStage4, name) {
			logger.Warn("a real file matching one of the builtin stage4 entrypoints exists, it will be ignored", "file", name)
			return true
		}
		return false
	}
	return s.plainList(s.paths.Stage4, builtinStage4, skip, ".sh", ".bat")
}

// TFTPRoot lists everything at the top of tftp_root, including
// directories, so the UI can show what static-path requests will see.
func (s *Scanner) TFTPRoot() ([]Entry, error) {
	dirents, err := os.ReadDir(s.paths.TFTPRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", s.paths.TFTPRoot, err)
	}
	entries := append([]Entry(nil), builtinTFTPRoot...)
	for _, de := range dirents {
		name := de.Name()
		if name == ".metadata" || name == ".resources" {
			continue
		}
		modified, err := timestamp.FileModified(filepath.Join(s.paths.TFTPRoot, name))
		if err != nil {
			logger.Warn("failed to stat inventory file", "file", name, "error", err)
			continue
		}
		entries = append(entries, Entry{Filename: name, Modified: modified})
	}
	sortEntries(entries)
	return entries, nil
}

// BootImages lists boot images: builtins, a-la-carte .ipxe files, and
// directories carrying metadata.yaml. Entries failing validation are
// skipped with a log so one bad image cannot hide the rest.
func (s *Scanner) BootImages() ([]map[string]any, error) {
	dirents, err := os.ReadDir(s.paths.BootImages)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", s.paths.BootImages, err)
	}
	images := make([]map[string]any, 0, len(dirents)+len(builtinBootImages))
	for _, b := range builtinBootImages {
		images = append(images, b)
	}
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() {
			meta, err := s.readBootImageDir(name)
			if err != nil {
				logger.Error("skipping boot image", "image", name, "error", err)
				continue
			}
			if meta != nil {
				images = append(images, meta)
			}
			continue
		}
		if !matchExt(name, ".ipxe") {
			continue
		}
		meta, err := s.alaCarteImage(name)
		if err != nil {
			logger.Error("skipping a-la-carte boot image", "image", name, "error", err)
			continue
		}
		images = append(images, meta)
	}
	sortMapsByKey(images, "boot_image_name")
	return images, nil
}

// readBootImageDir loads and validates <dir>/metadata.yaml. Directories
// without one are not boot images (ipxe_builds symlinks, scratch) and
// return nil without error.
func (s *Scanner) readBootImageDir(name string) (map[string]any, error) {
	metaPath := filepath.Join(s.paths.BootImages, name, "metadata.yaml")
	raw, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	meta := map[string]any{}
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("unable to parse metadata file %s: %w", metaPath, err)
	}
	// The directory name is authoritative; images are renamed by moving
	// the directory.
	meta["boot_image_name"] = name
	if err := ValidateBootImageMetadata(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// alaCarteImage synthesizes metadata for a bare .ipxe file dropped into
// boot_images/.
func (s *Scanner) alaCarteImage(name string) (map[string]any, error) {
	modified, err := timestamp.FileModified(filepath.Join(s.paths.BootImages, name))
	if err != nil {
		return nil, err
	}
	meta := map[string]any{
		"created":                    modified,
		"image_type":                 "a-la-carte",
		"description":                fmt.Sprintf("%s, a file found in boot_images/", name),
		"release":                    "none",
		"arch":                       "none",
		"boot_image_name":            name,
		"stage2_filename":            name,
		"supports_unattended":        "false",
		"stage2_unattended_filename": "none",
	}
	if err := ValidateBootImageMetadata(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// IPXEBuilds lists finished iPXE builds.
func (s *Scanner) IPXEBuilds() ([]map[string]any, error) {
	return s.buildList(s.paths.IPXEBuilds)
}

// WimbootBuilds lists finished wimboot builds.
func (s *Scanner) WimbootBuilds() ([]map[string]any, error) {
	return s.buildList(s.paths.WimbootBuilds)
}

// buildList reads <dir>/metadata.json from every build directory under
// root. Directories without one are in-progress builds and are skipped.
func (s *Scanner) buildList(root string) ([]map[string]any, error) {
	dirents, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	builds := make([]map[string]any, 0, len(dirents))
	for _, de := range dirents {
		if !de.IsDir() {
			continue
		}
		metaPath := filepath.Join(root, de.Name(), "metadata.json")
		raw, err := os.ReadFile(metaPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			logger.Error("unable to read build metadata file", "file", metaPath, "error", err)
			continue
		}
		meta := map[string]any{}
		if err := json.Unmarshal(raw, &meta); err != nil {
			logger.Error("unable to parse build metadata file", "file", metaPath, "error", err)
			continue
		}
		id, ok := meta["build_id"]
		if !ok {
			logger.Error("build metadata has no build_id", "file", metaPath)
			continue
		}
		if fmt.Sprint(id) == "" {
			logger.Warn("build metadata has an empty build_id", "file", metaPath)
		}
		builds = append(builds, meta)
	}
	sortMapsByKey(builds, "build_name")
	return builds, nil
}

// plainList scans dir for files with one of the given extensions and
// merges in builtins. skip, when set, filters names out entirely.
func (s *Scanner) plainList(dir string, builtins []Entry, skip func(string) bool, exts ...string) ([]Entry, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	entries := append([]Entry(nil), builtins...)
	for _, de := range dirents {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if !matchExt(name, exts...) {
			continue
		}
		if skip != nil && skip(name) {
			continue
		}
		modified, err := timestamp.FileModified(filepath.Join(dir, name))
		if err != nil {
			logger.Warn("failed to stat inventory file", "file", name, "error", err)
			continue
		}
		entries = append(entries, Entry{Filename: name, Modified: modified})
	}
	sortEntries(entries)
	return entries, nil
}

// matchExt reports whether name has one of the extensions,
// case-insensitively. Uploads from Windows machines arrive with uppercase
// extensions often enough to matter.
func matchExt(name string, exts ...string) bool {
	got := filepath.Ext(name)
	for _, ext := range exts {
		if strings.EqualFold(got, ext) {
			return true
		}
	}
	return false
}
