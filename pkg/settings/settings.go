// Package settings manages the runtime-adjustable boot defaults persisted
// in settings.json under the config dir.
//
// Settings are a fixed 10-key document. Writes are validated for exact
// key-set equality: a missing key or an unknown key rejects the whole
// update. This keeps every writer honest about the schema instead of
// letting stray keys accumulate in the file.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
)

// Values holds the settings document. Field names are the stable JSON
// keys used by the file, the API, and the web UI.
type Values struct {
	BootImage        string `json:"boot_image"`
	BootImageOnce    bool   `json:"boot_image_once"`
	UnattendedConfig string `json:"unattended_config"`
	UbootScript      string `json:"uboot_script"`
	DoUnattended     bool   `json:"do_unattended"`
	IPXEBuildARM64   string `json:"ipxe_build_arm64"`
	IPXEBuildAMD64   string `json:"ipxe_build_amd64"`
	Stage4           string `json:"stage4"`
	DebianMirror     string `json:"debian_mirror"`
	UbuntuMirror     string `json:"ubuntu_mirror"`
}

// Defaults returns the settings used when no settings.json exists yet.
func Defaults() Values {
	return Values{
		BootImage:        "standby_loop",
		BootImageOnce:    false,
		UnattendedConfig: "blank.cfg",
		UbootScript:      "default",
		DoUnattended:     false,
		IPXEBuildARM64:   "",
		IPXEBuildAMD64:   "",
		Stage4:           "none",
		DebianMirror:     "http://deb.debian.org/debian",
		UbuntuMirror:     "http://archive.ubuntu.com/ubuntu",
	}
}

// IPXEBuildFor returns the default iPXE build for an architecture.
// Only amd64 and arm64 have per-arch defaults; every other architecture
// reports false and the client keeps an empty build until an admin
// assigns one.
func (v Values) IPXEBuildFor(arch string) (string, bool) {
	switch arch {
	case "amd64":
		return v.IPXEBuildAMD64, true
	case "arm64":
		return v.IPXEBuildARM64, true
	default:
		return "", false
	}
}

// canonicalKeys is the exact key set of a valid settings document.
var canonicalKeys = []string{
	"boot_image",
	"boot_image_once",
	"unattended_config",
	"uboot_script",
	"do_unattended",
	"ipxe_build_arm64",
	"ipxe_build_amd64",
	"stage4",
	"debian_mirror",
	"ubuntu_mirror",
}

// ValidateKeys checks raw for exact key-set equality with the canonical
// settings schema.
func ValidateKeys(raw []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("settings are not a JSON object: %w", err)
	}

	want := make(map[string]bool, len(canonicalKeys))
	for _, k := range canonicalKeys {
		want[k] = true
	}

	var unknown, missing []string
	for k := range doc {
		if !want[k] {
			unknown = append(unknown, k)
		}
	}
	for _, k := range canonicalKeys {
		if _, ok := doc[k]; !ok {
			missing = append(missing, k)
		}
	}
	sort.Strings(unknown)
	sort.Strings(missing)

	if len(unknown) > 0 {
		return fmt.Errorf("unknown settings keys: %v", unknown)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing settings keys: %v", missing)
	}
	return nil
}

// Store is the settings singleton backed by settings.json.
type Store struct {
	path string

	mu     sync.RWMutex
	values Values
}

// NewStore builds a store for the settings file at path. Call Load before
// first use.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the settings file, creating it with defaults when absent.
// A file that fails key validation is rejected and the previous values
// (or defaults) stay active.
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		logger.Info("creating a fresh settings file with defaults", "path", s.path)
		s.mu.Lock()
		s.values = Defaults()
		s.mu.Unlock()
		return s.save(Defaults())
	}
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}

	if err := ValidateKeys(raw); err != nil {
		return fmt.Errorf("settings file %s: %w", s.path, err)
	}
	var v Values
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("settings file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.values = v
	s.mu.Unlock()
	return nil
}

// Reload re-reads the file; used when another process signals an update.
func (s *Store) Reload() error {
	return s.Load()
}

// Get returns a copy of the current settings.
func (s *Store) Get() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values
}

// Set validates raw against the canonical key set, persists it, and swaps
// the in-memory copy. The raw document replaces the file wholesale.
func (s *Store) Set(raw []byte) error {
	if err := ValidateKeys(raw); err != nil {
		return err
	}
	var v Values
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := s.save(v); err != nil {
		return err
	}

	s.mu.Lock()
	s.values = v
	s.mu.Unlock()
	return nil
}

func (s *Store) save(v Values) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}
