// Package files produces the file inventory lists served on the
// data-source fabric: boot images, ipxe/wimboot builds, stage1 scripts,
// u-boot scripts, unattended configs, ISOs, stage4 scripts, and the TFTP
// root. The watcher service publishes them; the API service mirrors them.
//
// Inventory entries read from disk are passed through as generic maps so
// keys this version does not know about survive the round trip. The typed
// metadata structs exist for the writers (the image builder and iPXE build
// tasks).
package files

import (
	"fmt"
	"strings"
)

// Inventory list names. Each is a data-source name on the bus and an API
// getter endpoint suffix.
const (
	ListIPXEBuilds        = "ipxe_builds"
	ListWimbootBuilds     = "wimboot_builds"
	ListStage1Files       = "stage1_files"
	ListUbootScripts      = "uboot_scripts"
	ListBootImages        = "boot_images"
	ListUnattendedConfigs = "unattended_configs"
	ListISO               = "iso"
	ListTFTPRoot          = "tftp_root"
	ListStage4            = "stage4"
)

// ListNames enumerates every inventory list, in publication order.
var ListNames = []string{
	ListIPXEBuilds,
	ListWimbootBuilds,
	ListStage1Files,
	ListUbootScripts,
	ListBootImages,
	ListUnattendedConfigs,
	ListISO,
	ListTFTPRoot,
	ListStage4,
}

// Entry is one inventory row for the plain file categories.
type Entry struct {
	Filename    string `json:"filename"`
	Modified    string `json:"modified"`
	Description string `json:"description"`
}

// BootImageMetadata is written as metadata.yaml by the image builder
// tasks. Directory boot images carry it on disk; a-la-carte .ipxe files
// get a synthetic one at scan time.
type BootImageMetadata struct {
	Created                  string `json:"created"                              yaml:"created"`
	ImageType                string `json:"image_type"                           yaml:"image_type"`
	Description              string `json:"description"                          yaml:"description"`
	Release                  string `json:"release"                              yaml:"release"`
	Arch                     string `json:"arch"                                 yaml:"arch"`
	BootImageName            string `json:"boot_image_name"                      yaml:"boot_image_name"`
	Stage2Filename           string `json:"stage2_filename"                      yaml:"stage2_filename"`
	SupportsUnattended       bool   `json:"supports_unattended"                  yaml:"supports_unattended"`
	Stage2UnattendedFilename string `json:"stage2_unattended_filename,omitempty" yaml:"stage2_unattended_filename,omitempty"`
	SourceISO                string `json:"source_iso,omitempty"                 yaml:"source_iso,omitempty"`
}

// BuildMetadata is the metadata.json the iPXE build task writes into each
// build directory. Its presence marks a finished build.
type BuildMetadata struct {
	BuildID        string `json:"build_id"`
	CommitID       string `json:"commit_id"`
	BuildTimestamp string `json:"build_timestamp"`
	BuildName      string `json:"build_name"`
	Stage1         string `json:"stage1"`
	Comment        string `json:"comment"`
	Arch           string `json:"arch"`
}

// ValidateBootImageMetadata checks an inventory entry read from disk for
// the keys every boot image must carry. The supports_unattended value is
// coerced to a real bool in place, since hand-written metadata files often
// quote it.
func ValidateBootImageMetadata(m map[string]any) error {
	needed := []string{
		"created", "image_type", "description", "release",
		"arch", "boot_image_name", "stage2_filename", "supports_unattended",
	}
	for _, key := range needed {
		if _, ok := m[key]; !ok {
			return fmt.Errorf("boot image metadata missing key: %s", key)
		}
	}
	unattended := strings.EqualFold(fmt.Sprint(m["supports_unattended"]), "true")
	m["supports_unattended"] = unattended
	if unattended {
		if _, ok := m["stage2_unattended_filename"]; !ok {
			return fmt.Errorf("boot image metadata missing key: stage2_unattended_filename")
		}
	}
	return nil
}
