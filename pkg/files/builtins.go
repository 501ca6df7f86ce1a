package files

import "github.com/bishopdynamics/netbootstudio/internal/timestamp"

// Builtin entries are synthetic rows appended to inventory lists. They
// describe behavior baked into the binaries, not files on disk, so deletes
// and saves refuse their names.

var builtinStage1Files = []Entry{
	{
		Filename:    "default",
		Modified:    timestamp.Epoch,
		Description: "builtin: default Netboot Studio behavior (chain stage2.ipxe with a pile of paramters)",
	},
	{
		Filename:    "none",
		Modified:    timestamp.Epoch,
		Description: "builtin: none (use as a shim on systems with missing or bad netbooting rom)",
	},
}

var builtinUbootScripts = []Entry{
	{
		Filename:    "default",
		Modified:    timestamp.Epoch,
		Description: "builtin: default Netboot Studio behavior (empty, does nothing)",
	},
}

var builtinUnattendedConfigs = []Entry{
	{
		Filename:    "blank.cfg",
		Modified:    timestamp.Epoch,
		Description: "builtin: an empty .cfg file",
	},
	{
		Filename:    "blank.xml",
		Modified:    timestamp.Epoch,
		Description: "builtin: an empty .xml file",
	},
}

var builtinTFTPRoot = []Entry{
	{
		Filename:    "ipxe.bin",
		Modified:    timestamp.Epoch,
		Description: "builtin: endpoint for ipxe build",
	},
	{
		Filename:    "ipxe.efi",
		Modified:    timestamp.Epoch,
		Description: "builtin: endpoint for ipxe build",
	},
	{
		Filename:    "boot.scr.uimg",
		Modified:    timestamp.Epoch,
		Description: "builtin: endpoint for u-boot script",
	},
}

var builtinStage4 = []Entry{
	{
		Filename:    "none",
		Modified:    timestamp.Epoch,
		Description: "builtin: no script",
	},
}

// builtinBootImages are kept as maps because the boot image list carries
// raw metadata maps and the builtin rows omit the stage2 keys real images
// must have.
var builtinBootImages = []map[string]any{
	{
		"boot_image_name": "standby_loop",
		"created":         timestamp.Epoch,
		"image_type":      "builtin",
		"description":     "builtin: loop on 10s cycle, until a different boot image is selected",
		"arch":            "all",
	},
	{
		"boot_image_name": "menu",
		"created":         timestamp.Epoch,
		"image_type":      "builtin",
		"description":     "builtin: show an interactive menu listing all boot images",
		"arch":            "all",
	},
}

// protectedNames lists, per category, the names that deletes and saves
// must refuse. The stage4 set is wider than the listed builtins: the two
// entrypoint scripts are served from inside the program and real files
// shadowing them are ignored at scan time.
var protectedNames = map[string][]string{
	ListStage1Files:       {"default", "none"},
	ListUbootScripts:      {"default"},
	ListUnattendedConfigs: {"blank.cfg", "blank.xml"},
	ListBootImages:        {"standby_loop", "menu"},
	ListTFTPRoot:          {"ipxe.bin", "ipxe.efi", "boot.scr.uimg"},
	ListStage4:            {"none", "stage4-entry-unix.sh", "stage4-entry-windows.bat"},
}

// IsBuiltin reports whether name is a protected builtin of the given
// inventory list.
func IsBuiltin(list, name string) bool {
	for _, n := range protectedNames[list] {
		if n == name {
			return true
		}
	}
	return false
}
