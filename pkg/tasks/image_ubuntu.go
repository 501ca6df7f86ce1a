package tasks

import (
	"context"
	"fmt"
	"path/filepath"
)

// The Ubuntu webinstaller image holds no payload of its own; the
// generated script fetches kernel and initrd straight from the mirror
// configured in settings. Args: release, kernel_args.
const ubuntuStage2Template = `set ubuntu-release %s
set boot-image-path ${ubuntu-mirror}/dists/${ubuntu-release}/main/installer-${arch}/current/images/netboot/ubuntu-installer/${arch}
set extra-kernel-args %s
iseq ${arch} arm64 && set extra-kernel-args ${extra-kernel-args} console=tty1 console=ttyS2,1500000 ||
set this-image-args initrd=initrd.gz vga=788 debian-installer/locale=en_US keymap=us hw-detect/load_firmware=false --- ${extra-kernel-args}
imgfree
imgfetch ${boot-image-path}/linux || goto failed
imgfetch ${boot-image-path}/initrd.gz || goto failed
imgload linux || goto failed
imgargs linux ${this-image-args} || goto failed
imgexec || goto failed
`

const ubuntuStage2UnattendedTemplate = `set ubuntu-release %s
set boot-image-path ${ubuntu-mirror}/dists/${ubuntu-release}/main/installer-${arch}/current/images/netboot/ubuntu-installer/${arch}
set extra-kernel-args %s
iseq ${arch} arm64 && set extra-kernel-args ${extra-kernel-args} console=tty1 console=ttyS2,1500000 ||
set this-image-args initrd=initrd.gz vga=788 debian-installer/locale=en_US keymap=us hw-detect/load_firmware=false hostname=unassigned-hostname domain=unassigned-domain auto url=${unattended-url-linux} --- ${extra-kernel-args}
imgfree
imgfetch ${boot-image-path}/linux || goto failed
imgfetch ${boot-image-path}/initrd.gz || goto failed
imgload linux || goto failed
imgargs linux ${this-image-args} || goto failed
imgexec || goto failed
`

// UbuntuWebImage builds an Ubuntu webinstaller boot image. It is all
// generated scripts, so there is nothing to download or unpack.
type UbuntuWebImage struct {
	*imageBuild
}

func NewUbuntuWebImage(deps Deps, spec Spec) (Task, error) {
	base, err := newImageBuild(deps, spec)
	if err != nil {
		return nil, err
	}
	return &UbuntuWebImage{imageBuild: base}, nil
}

func (t *UbuntuWebImage) RequiredKeys() []string {
	return []string{"name", "comment", "ubuntu_release", "kernel_args", "create_unattended"}
}

func (t *UbuntuWebImage) Subtasks() []Subtask {
	return []Subtask{
		{Name: "create_workspace", Description: "Creating temporary workspace", Progress: 10, Run: t.createWorkspace},
		{Name: "generate_ipxe", Description: "Generating iPXE scripts", Progress: 80, Run: t.generateIPXE},
		{Name: "update_metadata", Description: "Updating metadata", Progress: 85, Run: t.updateMetadata},
		{Name: "write_metadata", Description: "Writing metadata.yaml", Progress: 90, Run: t.writeMetadata},
		{Name: "finalize_and_cleanup", Description: "Finalizing", Progress: 95, Run: t.finalizeAndCleanup},
	}
}

func (t *UbuntuWebImage) generateIPXE(context.Context) bool {
	release := t.spec.PayloadString("ubuntu_release")
	kernelArgs := t.spec.PayloadString("kernel_args")
	stage2 := fmt.Sprintf(ubuntuStage2Template, release, kernelArgs)
	if err := writeTextFile(filepath.Join(t.workspace, "stage2.ipxe"), stage2); err != nil {
		t.log.Errorf("unable to write stage2.ipxe: %s", err)
		return false
	}
	if t.spec.PayloadBool("create_unattended") {
		unattended := fmt.Sprintf(ubuntuStage2UnattendedTemplate, release, kernelArgs)
		if err := writeTextFile(filepath.Join(t.workspace, "stage2-unattended.ipxe"), unattended); err != nil {
			t.log.Errorf("unable to write stage2-unattended.ipxe: %s", err)
			return false
		}
	}
	return true
}

func (t *UbuntuWebImage) updateMetadata(context.Context) bool {
	t.metadata.Release = t.spec.PayloadString("ubuntu_release")
	t.metadata.ImageType = "ubuntu-webinstaller"
	// the webinstaller script adapts to the client arch at boot time
	t.metadata.Arch = "none"
	t.metadata.Description = t.describe("Auto-generated on " + t.created)
	t.markUnattended()
	return true
}
