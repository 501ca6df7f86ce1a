package tasks

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Boot-time shims written into the image root. Windows PE reads these
// with latin encoding, so line endings must be CRLF. cmd.exe is the
// fallback shell in case mount.cmd hangs and gets closed by hand;
// when mount.cmd works it never gets a chance to run.
const (
	windowsWinpeshlINI = "[LaunchApps]\r\n" +
		"\"startnet.cmd\"\r\n" +
		"\"mount.cmd\"\r\n" +
		"\"cmd.exe\"\r\n"

	windowsStartnetCmd = "@echo off\r\n" +
		"echo if wpeinit fails, you will be dropped to a command prompt\r\n" +
		"echo this might take a minute...\r\n" +
		"@echo on\r\n" +
		"wpeinit\r\n"
)

// The %s slot takes the auto-populated ini fetch lines.
const windowsStage2Template = `#!ipxe
# Auto-Generated ipxe script for windows installer
imgload ${wimboot-path} || goto failed
imgfetch ${boot-image-path}/boot/fonts/segmono_boot.ttf  segmono_boot.ttf ||
imgfetch ${boot-image-path}/boot/fonts/segoe_slboot.ttf  segoe_slboot.ttf ||
imgfetch ${boot-image-path}/boot/fonts/segoen_slboot.ttf segoen_slboot.ttf ||
imgfetch ${boot-image-path}/boot/fonts/wgl4_boot.ttf     wgl4_boot.ttf ||
imgfetch ${boot-image-path}/startnet.cmd startnet.cmd || goto failed
imgfetch ${windows-mount-cmd-url} mount.cmd || goto failed
# Auto-populated .ini files
%s# End ini files
imgfetch ${boot-image-path}/boot/bcd BCD || goto failed
imgfetch ${boot-image-path}/boot/boot.sdi boot.sdi || goto failed
imgfetch -n boot.wim ${boot-image-path}/sources/boot.wim boot.wim || goto failed
imgexec || goto failed
`

const windowsStage2UnattendedTemplate = `#!ipxe
# Auto-Generated ipxe script for unattended windows installer
imgload ${wimboot-path} || goto failed
imgfetch ${boot-image-path}/boot/fonts/segmono_boot.ttf  segmono_boot.ttf ||
imgfetch ${boot-image-path}/boot/fonts/segoe_slboot.ttf  segoe_slboot.ttf ||
imgfetch ${boot-image-path}/boot/fonts/segoen_slboot.ttf segoen_slboot.ttf ||
imgfetch ${boot-image-path}/boot/fonts/wgl4_boot.ttf     wgl4_boot.ttf ||
imgfetch ${unattended-url-windows} unattend.xml || goto failed
imgfetch ${boot-image-path}/startnet.cmd startnet.cmd || goto failed
imgfetch ${windows-mount-cmd-url} mount.cmd || goto failed
# Auto-populated .ini files
%s# End ini files
imgfetch ${boot-image-path}/boot/bcd BCD || goto failed
imgfetch ${boot-image-path}/boot/boot.sdi boot.sdi || goto failed
imgfetch -n boot.wim ${boot-image-path}/sources/boot.wim boot.wim || goto failed
imgexec || goto failed
`

// WindowsISOImage builds a Windows installer boot image by unpacking an
// installer iso and wrapping it for wimboot.
type WindowsISOImage struct {
	*imageBuild
}

func NewWindowsISOImage(deps Deps, spec Spec) (Task, error) {
	base, err := newImageBuild(deps, spec)
	if err != nil {
		return nil, err
	}
	base.dependencies = []string{"sed", "grep", "7z", "find", "chmod"}
	return &WindowsISOImage{imageBuild: base}, nil
}

func (t *WindowsISOImage) RequiredKeys() []string {
	return []string{"name", "comment", "arch", "iso_file", "create_unattended"}
}

func (t *WindowsISOImage) Subtasks() []Subtask {
	return []Subtask{
		{Name: "check_dependencies", Description: "Checking build dependencies", Progress: 1, Run: t.checkDependencies},
		{Name: "create_workspace", Description: "Creating temporary workspace", Progress: 10, Run: t.createWorkspace},
		{Name: "extract_iso", Description: "Extracting ISO contents", Progress: 20, Run: t.extractISO},
		{Name: "create_files", Description: "Creating boot files", Progress: 50, Run: t.createFiles},
		{Name: "correct_perms", Description: "Correcting file permissions", Progress: 70, Run: t.correctPerms},
		{Name: "generate_ipxe", Description: "Generating iPXE scripts", Progress: 80, Run: t.generateIPXE},
		{Name: "update_metadata", Description: "Updating metadata", Progress: 85, Run: t.updateMetadata},
		{Name: "write_metadata", Description: "Writing metadata.yaml", Progress: 90, Run: t.writeMetadata},
		{Name: "finalize_and_cleanup", Description: "Finalizing", Progress: 95, Run: t.finalizeAndCleanup},
	}
}

// createFiles writes winpeshl.ini and startnet.cmd into the image root.
// mount.cmd is not baked in; clients fetch it from the stage server at
// boot so the share credentials stay current.
func (t *WindowsISOImage) createFiles(context.Context) bool {
	if err := writeTextFile(filepath.Join(t.workspace, "winpeshl.ini"), windowsWinpeshlINI); err != nil {
		t.log.Errorf("unable to write winpeshl.ini: %s", err)
		return false
	}
	if err := writeTextFile(filepath.Join(t.workspace, "startnet.cmd"), windowsStartnetCmd); err != nil {
		t.log.Errorf("unable to write startnet.cmd: %s", err)
		return false
	}
	return true
}

// correctPerms marks everything a+rx. The installer only needs dll and
// exe files executable, but blanket permissions work and a chmod
// failure is not worth failing the build over.
func (t *WindowsISOImage) correctPerms(ctx context.Context) bool {
	if err := t.shell.Run(ctx, t.workspace, `find . -exec chmod a+rx {} \;`); err != nil {
		t.log.Errorf("failed to chmod!")
	}
	return true
}

// generateIPXE writes stage2.ipxe and, when requested, the unattended
// variant. Every .ini file in the image root gets fetched into the
// ramdisk, which picks up winpeshl.ini and tweaks like Hiren's Boot CD.
func (t *WindowsISOImage) generateIPXE(context.Context) bool {
	iniPaths, err := filepath.Glob(filepath.Join(t.workspace, "*.ini"))
	if err != nil {
		t.log.Errorf("unable to list ini files: %s", err)
		return false
	}
	iniNames := make([]string, 0, len(iniPaths))
	for _, p := range iniPaths {
		iniNames = append(iniNames, filepath.Base(p))
	}
	t.log.Printf("found ini files: %v", iniNames)
	// Hiren's ships its own shell config, so ours has to stay out of
	// the way.
	skipWinpeshl := false
	for _, name := range iniNames {
		if name == "HBCD_PE.ini" {
			skipWinpeshl = true
		}
	}
	var iniLoad strings.Builder
	for _, name := range iniNames {
		if name == "winpeshl.ini" && skipWinpeshl {
			t.log.Printf("skipping winpeshl.ini")
			continue
		}
		fmt.Fprintf(&iniLoad, "imgfetch ${boot-image-path}/%s %s|| goto failed\n", name, name)
	}
	stage2 := fmt.Sprintf(windowsStage2Template, iniLoad.String())
	if err := writeTextFile(filepath.Join(t.workspace, "stage2.ipxe"), stage2); err != nil {
		t.log.Errorf("unable to write stage2.ipxe: %s", err)
		return false
	}
	if t.spec.PayloadBool("create_unattended") {
		unattended := fmt.Sprintf(windowsStage2UnattendedTemplate, iniLoad.String())
		if err := writeTextFile(filepath.Join(t.workspace, "stage2-unattended.ipxe"), unattended); err != nil {
			t.log.Errorf("unable to write stage2-unattended.ipxe: %s", err)
			return false
		}
	}
	return true
}

func (t *WindowsISOImage) updateMetadata(context.Context) bool {
	iso := t.spec.PayloadString("iso_file")
	t.metadata.ImageType = "windows-10"
	t.metadata.Arch = t.spec.PayloadString("arch")
	t.metadata.Description = t.describe(fmt.Sprintf("Auto-generated from iso: %s on %s", iso, t.created))
	t.metadata.SourceISO = iso
	t.metadata.Release = "Unknown"
	t.markUnattended()
	return true
}
