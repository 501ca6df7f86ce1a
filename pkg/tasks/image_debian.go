package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	debianKernelName   = "vmlinuz"
	debianInitrdName   = "initrd.img"
	debianSquashfsName = "filesystem.squashfs"
)

// Package set baked into every liveimage, and the extras added when the
// payload asks for a desktop.
const (
	debianPackagesBase = "htop fdisk parted u-boot-tools nfs-common xfsprogs lm-sensors hfsplus hfsutils iotop iftop pv wget curl file"
	debianPackagesXFCE = "task-xfce-desktop firefox-esr gparted"
)

// debianQemuStatic maps target arch names to how qemu-X-static binaries
// are named, for foreign-arch bootstrap.
var debianQemuStatic = map[string]string{
	"arm64":   "aarch64",
	"arm32":   "arm",
	"arm":     "arm",
	"aarch64": "aarch64",
	"amd64":   "x86_64",
	"x86_64":  "x86_64",
	"x86":     "i386",
	"i386":    "i386",
	"i486":    "i386",
	"i586":    "i386",
	"i686":    "i386",
	"ppc":     "ppc",
	"ppc32":   "ppc",
	"ppc64":   "ppc64",
}

const debianAutoBuild = `#!/bin/sh
set -e
lb build noauto "${@}" 2>&1
`

const debianAutoClean = `#!/bin/sh
set -e
lb clean noauto "${@}"
rm -f config/binary config/bootstrap config/chroot config/common config/source
rm -f build.log
`

// Args: created, release, arch, description, kernel_args, kernel,
// initrd, squashfs.
const debianStage2Template = `# created by image_debian_liveimage task on %s
# debian liveimage %s %s
# %s
set extra-kernel-args %s
set kernel-name %s
set initrd-name %s
set squashfs-name %s
set live-kernel-args initrd=${initrd-name} boot=live config hooks=filesystem username=live noeject fetch=${boot-image-path}/${squashfs-name}
imgfree
imgfetch ${boot-image-path}/${kernel-name} || goto failed
imgfetch ${boot-image-path}/${initrd-name} || goto failed
imgload ${kernel-name} || goto failed
imgargs ${kernel-name} ${live-kernel-args} -- ${extra-kernel-args} || goto failed
imgexec || goto failed
`

// DebianLiveImage builds a Debian live boot image with live-build. The
// lb tree grows in the scratch directory; only the kernel, initrd, and
// squashfs move into the workspace.
type DebianLiveImage struct {
	*imageBuild
}

func NewDebianLiveImage(deps Deps, spec Spec) (Task, error) {
	base, err := newImageBuild(deps, spec)
	if err != nil {
		return nil, err
	}
	base.dependencies = []string{"lb", "debootstrap"}
	return &DebianLiveImage{imageBuild: base}, nil
}

func (t *DebianLiveImage) RequiredKeys() []string {
	return []string{"name", "comment", "debian_release", "arch", "kernel_args", "include_xfce", "packages", "mirror"}
}

func (t *DebianLiveImage) Subtasks() []Subtask {
	return []Subtask{
		{Name: "check_dependencies", Description: "Checking build dependencies", Progress: 1, Run: t.checkDependencies},
		{Name: "create_workspace", Description: "Creating workspace", Progress: 10, Run: t.createWorkspace},
		{Name: "create_scratch", Description: "Creating scratch", Progress: 15, Run: t.createScratch},
		{Name: "prepare_config", Description: "Preparing config to build liveimage", Progress: 40, Run: t.prepareConfig},
		{Name: "build_image", Description: "Building liveimage", Progress: 60, Run: t.buildImage},
		{Name: "collect_files", Description: "Collecting files", Progress: 70, Run: t.collectFiles},
		{Name: "generate_ipxe", Description: "Generating iPXE scripts", Progress: 80, Run: t.generateIPXE},
		{Name: "update_metadata", Description: "Updating metadata", Progress: 85, Run: t.updateMetadata},
		{Name: "write_metadata", Description: "Writing metadata.yaml", Progress: 90, Run: t.writeMetadata},
		{Name: "finalize_and_cleanup", Description: "Finalizing", Progress: 95, Run: t.finalizeAndCleanup},
	}
}

// prepareConfig writes the live-build auto/ scripts, runs the config
// stage, and seeds the package list.
func (t *DebianLiveImage) prepareConfig(ctx context.Context) bool {
	configArch := t.spec.PayloadString("arch")
	// for our use-case, flavor always matches arch
	linuxFlavor := configArch
	// GOARCH names match the arch names used here
	hostArch := runtime.GOARCH

	autoDir := filepath.Join(t.scratch, "auto")
	if err := os.MkdirAll(autoDir, 0o755); err != nil {
		t.log.Errorf("unable to create auto dir: %s", err)
		return false
	}

	t.log.Printf("writing auto/config")
	autoConfig := fmt.Sprintf(`#!/bin/sh
set -e
lb config noauto \
    --mode "debian" \
    --distribution "%s" \
    --architectures "%s" \
    --linux-flavours "%s" \
    --binary-images "netboot" \
    --mirror-binary "%s" \
    --archive-areas "%s" \
    --chroot-filesystem "squashfs" \
    --debian-installer "%s" \
    --apt-indices false \
    --apt-source-archives false \
    --memtest none \
`,
		t.spec.PayloadString("debian_release"),
		configArch,
		linuxFlavor,
		t.spec.PayloadString("mirror"),
		t.spec.PayloadDefault("archive_areas", "main"),
		t.spec.PayloadDefault("debian_installer", "false"))

	// Building a foreign arch needs the matching qemu-static binary
	// registered for the bootstrap stage.
	if hostArch != configArch {
		qemuArch, ok := debianQemuStatic[configArch]
		if !ok {
			t.log.Errorf("dont know the qemu name for arch: %s", configArch)
			return false
		}
		qemuBinary := fmt.Sprintf("/usr/bin/qemu-%s-static", qemuArch)
		if _, err := os.Stat(qemuBinary); err == nil {
			t.log.Printf("Building foreign arch: %s on %s, using: %s", configArch, hostArch, qemuBinary)
			autoConfig += fmt.Sprintf("    --bootstrap-qemu-arch \"%s\" \\\n", configArch)
			autoConfig += fmt.Sprintf("    --bootstrap-qemu-static \"%s\" \\\n", qemuBinary)
		} else {
			t.log.Errorf("Building foreign arch: %s on %s, but unable to find: %s", configArch, hostArch, qemuBinary)
		}
	} else {
		t.log.Printf("building for same arch as host, no qemu required")
	}
	autoConfig += "    \"${@}\"\n"

	fileAutoConfig := filepath.Join(autoDir, "config")
	if err := writeTextFile(fileAutoConfig, autoConfig); err != nil {
		t.log.Errorf("unable to write auto/config: %s", err)
		return false
	}
	t.log.Printf("writing auto/build")
	fileAutoBuild := filepath.Join(autoDir, "build")
	if err := writeTextFile(fileAutoBuild, debianAutoBuild); err != nil {
		t.log.Errorf("unable to write auto/build: %s", err)
		return false
	}
	t.log.Printf("writing auto/clean")
	fileAutoClean := filepath.Join(autoDir, "clean")
	if err := writeTextFile(fileAutoClean, debianAutoClean); err != nil {
		t.log.Errorf("unable to write auto/clean: %s", err)
		return false
	}
	for _, path := range []string{fileAutoConfig, fileAutoBuild, fileAutoClean} {
		if err := os.Chmod(path, 0o777); err != nil {
			t.log.Errorf("unable to chmod %s: %s", path, err)
			return false
		}
	}

	t.log.Printf("running config stage to finish generating config")
	if err := t.shell.Run(ctx, t.scratch, "lb config"); err != nil {
		t.log.Errorf("lb config failed")
		return false
	}

	packages := debianPackagesBase
	if t.spec.PayloadBool("include_xfce") {
		packages += " " + debianPackagesXFCE
	}
	if extra := t.spec.PayloadString("packages"); extra != "" {
		packages += " " + extra
	}
	packageList := filepath.Join(t.scratch, "config/package-lists/my.list.chroot")
	if err := appendTextFile(packageList, packages+"\n"); err != nil {
		t.log.Errorf("unable to write package list: %s", err)
		return false
	}
	for _, dir := range []string{"chroot", "tftpboot"} {
		if err := os.MkdirAll(filepath.Join(t.scratch, dir), 0o755); err != nil {
			t.log.Errorf("unable to create %s: %s", dir, err)
			return false
		}
	}
	return true
}

// attemptUnmount tries to unmount a path relative to scratch, not
// caring if it fails.
func (t *DebianLiveImage) attemptUnmount(ctx context.Context, mountpath string) {
	t.log.Printf("Attempting to unmount %s", mountpath)
	if err := t.shell.Run(ctx, t.scratch, fmt.Sprintf("mountpoint %s && umount %s", mountpath, mountpath)); err != nil {
		t.log.Printf("Failed to unmount %s", mountpath)
		return
	}
	t.log.Printf("Successfully unmounted %s", mountpath)
}

func (t *DebianLiveImage) buildImage(ctx context.Context) bool {
	if err := t.shell.Run(ctx, t.scratch, "lb build"); err != nil {
		t.log.Errorf("lb build failed")
		// a failed build can leave bind mounts behind in the chroot,
		// which would stop cleanup from removing it
		t.attemptUnmount(ctx, "chroot/dev/pts")
		t.attemptUnmount(ctx, "chroot/sys")
		t.attemptUnmount(ctx, "chroot/proc")
		return false
	}
	return true
}

// ensureNamed makes sure dir holds a file with exactly the wanted name.
// arm64 builds append the kernel version to vmlinuz and initrd.img,
// while amd64 builds use the bare names; the first suffixed match gets
// renamed.
func (t *DebianLiveImage) ensureNamed(dir, name string) bool {
	want := filepath.Join(dir, name)
	if _, err := os.Stat(want); err == nil {
		return true
	}
	t.log.Printf("did not find %s, looking for one with build attached", want)
	matches, err := filepath.Glob(filepath.Join(dir, name+"*"))
	if err != nil || len(matches) == 0 {
		t.log.Errorf("failed to find file with name: %s", name)
		return false
	}
	t.log.Printf("found: %s", matches[0])
	if err := os.Rename(matches[0], want); err != nil {
		t.log.Errorf("unable to rename %s: %s", matches[0], err)
		return false
	}
	return true
}

func (t *DebianLiveImage) collectFiles(context.Context) bool {
	squashfs := filepath.Join(t.scratch, "binary/live", debianSquashfsName)
	if _, err := os.Stat(squashfs); err != nil {
		t.log.Errorf("Could not find squashfs: %s build must have failed!", debianSquashfsName)
		return false
	}
	liveDir := filepath.Join(t.scratch, "tftpboot/live")
	if !t.ensureNamed(liveDir, debianKernelName) {
		return false
	}
	if !t.ensureNamed(liveDir, debianInitrdName) {
		return false
	}
	for _, name := range []string{debianKernelName, debianInitrdName} {
		if err := copyFile(filepath.Join(liveDir, name), filepath.Join(t.workspace, name)); err != nil {
			t.log.Errorf("unable to collect %s: %s", name, err)
			return false
		}
	}
	if err := copyFile(squashfs, filepath.Join(t.workspace, debianSquashfsName)); err != nil {
		t.log.Errorf("unable to collect %s: %s", debianSquashfsName, err)
		return false
	}
	return true
}

func (t *DebianLiveImage) generateIPXE(context.Context) bool {
	stage2 := fmt.Sprintf(debianStage2Template,
		t.created,
		t.spec.PayloadString("debian_release"),
		t.spec.PayloadString("arch"),
		t.describe("Auto-generated on "+t.created),
		t.spec.PayloadString("kernel_args"),
		debianKernelName,
		debianInitrdName,
		debianSquashfsName)
	if err := writeTextFile(filepath.Join(t.workspace, "stage2.ipxe"), stage2); err != nil {
		t.log.Errorf("unable to write stage2.ipxe: %s", err)
		return false
	}
	return true
}

func (t *DebianLiveImage) updateMetadata(context.Context) bool {
	t.metadata.Release = t.spec.PayloadString("debian_release")
	t.metadata.ImageType = "debian-liveimage"
	t.metadata.Arch = t.spec.PayloadString("arch")
	t.metadata.Description = t.describe("Auto-generated on " + t.created)
	return true
}
