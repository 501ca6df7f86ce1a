package tasks

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const esxStage2 = `#!ipxe
# Auto-Generated ipxe script for vmware-6x
imgfetch ${boot-image-path}/efi/boot/bootx64.efi || goto failed
imgexec bootx64.efi -c ${boot-image-path}/netboot.cfg || goto failed
`

const esxStage2Unattended = `#!ipxe
# Auto-Generated ipxe script for vmware-6x unattended
imgfetch ${boot-image-path}/efi/boot/bootx64.efi || goto failed
imgexec bootx64.efi -c ${boot-image-path}/netboot-unattended.cfg || goto failed
`

// ESXISOImage builds a VMware ESXi installer boot image from an iso.
// The mboot loader resolves module paths against a prefix= line, so the
// extracted tree gets a rewritten boot config pointing at the stage
// server.
type ESXISOImage struct {
	*imageBuild
}

func NewESXISOImage(deps Deps, spec Spec) (Task, error) {
	base, err := newImageBuild(deps, spec)
	if err != nil {
		return nil, err
	}
	base.dependencies = []string{"sed", "grep", "7z", "find", "chmod"}
	return &ESXISOImage{imageBuild: base}, nil
}

func (t *ESXISOImage) RequiredKeys() []string {
	return []string{"name", "comment", "arch", "iso_file", "create_unattended"}
}

func (t *ESXISOImage) Subtasks() []Subtask {
	return []Subtask{
		{Name: "check_dependencies", Description: "Checking build dependencies", Progress: 1, Run: t.checkDependencies},
		{Name: "create_workspace", Description: "Creating temporary workspace", Progress: 10, Run: t.createWorkspace},
		{Name: "extract_iso", Description: "Extracting ISO contents", Progress: 20, Run: t.extractISO},
		{Name: "lowercase_files", Description: "Converting filenames to lowercase", Progress: 40, Run: t.lowercaseFiles},
		{Name: "create_files", Description: "Creating boot files", Progress: 50, Run: t.createFiles},
		{Name: "correct_perms", Description: "Correcting file permissions", Progress: 70, Run: t.correctPerms},
		{Name: "generate_ipxe", Description: "Generating iPXE scripts", Progress: 80, Run: t.generateIPXE},
		{Name: "update_metadata", Description: "Updating metadata", Progress: 85, Run: t.updateMetadata},
		{Name: "write_metadata", Description: "Writing metadata.yaml", Progress: 90, Run: t.writeMetadata},
		{Name: "finalize_and_cleanup", Description: "Finalizing", Progress: 95, Run: t.finalizeAndCleanup},
	}
}

// lowercaseFiles renames every file and directory in the workspace to
// lowercase. ISO9660 upper-cases names, but boot.cfg references modules
// in lowercase.
func (t *ESXISOImage) lowercaseFiles(context.Context) bool {
	var paths []string
	err := filepath.WalkDir(t.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == t.workspace {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		t.log.Errorf("unable to walk workspace: %s", err)
		return false
	}
	// Children rename before their parents; a child path is always
	// longer than the directory holding it.
	sort.Slice(paths, func(i, j int) bool { return len(paths[i]) > len(paths[j]) })
	for _, path := range paths {
		base := filepath.Base(path)
		lower := strings.ToLower(base)
		if lower == base {
			continue
		}
		if err := os.Rename(path, filepath.Join(filepath.Dir(path), lower)); err != nil {
			t.log.Errorf("unable to lowercase %s: %s", path, err)
			return false
		}
	}
	return true
}

// createFiles derives netboot.cfg (and the unattended variant) from the
// iso's efi/boot/boot.cfg: the prefix line points at the stage server
// and module paths lose their slashes so they resolve under it.
func (t *ESXISOImage) createFiles(context.Context) bool {
	serverIP := t.deps.Config.Main.NetbootServerIP
	serverPort := t.deps.Config.StageServer.Port
	raw, err := os.ReadFile(filepath.Join(t.workspace, "efi/boot/boot.cfg"))
	if err != nil {
		t.log.Errorf("unable to read efi/boot/boot.cfg: %s", err)
		return false
	}
	prefixLine := fmt.Sprintf("prefix=http://%s:%d/boot_images/%s", serverIP, serverPort, t.imageName)
	var lines []string
	foundPrefix := false
	for _, line := range strings.SplitAfter(string(raw), "\n") {
		if strings.Contains(line, "prefix=") {
			lines = append(lines, prefixLine+"\n")
			foundPrefix = true
			continue
		}
		lines = append(lines, strings.ReplaceAll(line, "/", ""))
	}
	if !foundPrefix {
		lines = append(lines, prefixLine)
	}
	if err := writeTextFile(filepath.Join(t.workspace, "netboot.cfg"), strings.Join(lines, "")); err != nil {
		t.log.Errorf("unable to write netboot.cfg: %s", err)
		return false
	}
	if t.spec.PayloadBool("create_unattended") {
		ksLine := fmt.Sprintf("kernelopt=runweasel netdevice=vmnic0 bootproto=dhcp ks=http://%s:%d/unattended.cfg\n", serverIP, serverPort)
		unattended := make([]string, 0, len(lines))
		for _, line := range lines {
			if strings.Contains(line, "kernelopt=") {
				unattended = append(unattended, ksLine)
				continue
			}
			unattended = append(unattended, line)
		}
		if err := writeTextFile(filepath.Join(t.workspace, "netboot-unattended.cfg"), strings.Join(unattended, "")); err != nil {
			t.log.Errorf("unable to write netboot-unattended.cfg: %s", err)
			return false
		}
	}
	return true
}

// correctPerms makes directories listable. A chmod failure is logged
// but does not fail the build.
func (t *ESXISOImage) correctPerms(ctx context.Context) bool {
	if err := t.shell.Run(ctx, t.workspace, `find . -type d -exec chmod a+rx {} \;`); err != nil {
		t.log.Errorf("failed to chmod!")
	}
	return true
}

func (t *ESXISOImage) generateIPXE(context.Context) bool {
	if err := writeTextFile(filepath.Join(t.workspace, "stage2.ipxe"), esxStage2); err != nil {
		t.log.Errorf("unable to write stage2.ipxe: %s", err)
		return false
	}
	if t.spec.PayloadBool("create_unattended") {
		if err := writeTextFile(filepath.Join(t.workspace, "stage2-unattended.ipxe"), esxStage2Unattended); err != nil {
			t.log.Errorf("unable to write stage2-unattended.ipxe: %s", err)
			return false
		}
	}
	return true
}

func (t *ESXISOImage) updateMetadata(context.Context) bool {
	release, ok := t.scanFileFor("vmware-esx-base-osl.txt", 5, "ESXi", func(line string) string {
		return line
	})
	if !ok {
		return false
	}
	if release == "" {
		t.log.Errorf("Failed to discover release string in vmware-esx-base-osl.txt")
	} else {
		t.log.Printf("Found esx release string: %s", release)
	}
	build, ok := t.scanFileFor("boot.cfg", 15, "build=", func(line string) string {
		return strings.ReplaceAll(line, "build=", "")
	})
	if !ok {
		return false
	}
	if build == "" {
		t.log.Errorf("Failed to discover build string in boot.cfg")
	} else {
		t.log.Printf("Found esx build string: %s", build)
	}
	iso := t.spec.PayloadString("iso_file")
	t.metadata.Release = fmt.Sprintf("%s %s", release, build)
	t.metadata.ImageType = "vmware-esx-6"
	t.metadata.Arch = t.spec.PayloadString("arch")
	t.metadata.Description = t.describe(fmt.Sprintf("Auto-generated from iso: %s on %s", iso, t.created))
	t.metadata.SourceISO = iso
	t.markUnattended()
	return true
}

// scanFileFor reads the named workspace file and returns extract(line)
// for the first of the leading maxLines lines containing want. The bool
// reports whether the file could be read at all.
func (t *ESXISOImage) scanFileFor(name string, maxLines int, want string, extract func(string) string) (string, bool) {
	raw, err := os.ReadFile(filepath.Join(t.workspace, name))
	if err != nil {
		t.log.Errorf("unable to read %s: %s", name, err)
		return "", false
	}
	for i, line := range strings.Split(string(raw), "\n") {
		if i >= maxLines {
			break
		}
		if strings.Contains(line, want) {
			return strings.TrimRight(extract(line), "\r"), true
		}
	}
	return "", true
}
