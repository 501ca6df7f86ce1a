package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
	"github.com/bishopdynamics/netbootstudio/internal/timestamp"
	"github.com/bishopdynamics/netbootstudio/pkg/files"
)

// imageBuild is the common machinery of the boot image builder tasks.
// Each run assembles the finished image in a workspace directory under
// the task's temp root, with a separate build directory for tools that
// leave heavy intermediate state behind. The workspace moves into
// boot_images as the final step; everything else is disposable.
type imageBuild struct {
	deps Deps
	spec Spec

	created   string
	imageName string

	// root holds the build log and survives until the task is cleared.
	root      string
	workspace string
	scratch   string

	dependencies []string
	metadata     files.BootImageMetadata

	log   *BuildLog
	shell *Shell
}

// newImageBuild prepares the shared state. The image name comes from the
// payload, sanitized down to something safe as a directory name.
func newImageBuild(deps Deps, spec Spec) (*imageBuild, error) {
	name := files.SanitizeName(spec.PayloadString("name"))
	if name == "" {
		return nil, fmt.Errorf("boot image name is empty after sanitizing: %q", spec.PayloadString("name"))
	}
	root := deps.TempRoot(spec.ID)
	log := NewBuildLog(filepath.Join(root, "build.log"))
	b := &imageBuild{
		deps:      deps,
		spec:      spec,
		created:   timestamp.Now(),
		imageName: name,
		root:      root,
		workspace: filepath.Join(root, "workspace"),
		scratch:   filepath.Join(root, "build"),
		log:       log,
		shell:     NewShell(log),
	}
	b.metadata = files.BootImageMetadata{
		Created:        b.created,
		BootImageName:  name,
		Stage2Filename: "stage2.ipxe",
	}
	return b, nil
}

func (b *imageBuild) LogFile() string { return b.log.Path() }

// Cleanup removes the build directories but leaves the log in place so
// it can still be fetched after a failure. Clearing the task removes
// the whole temp root, log included.
func (b *imageBuild) Cleanup() error {
	if err := os.RemoveAll(b.scratch); err != nil {
		return err
	}
	return os.RemoveAll(b.workspace)
}

func (b *imageBuild) checkDependencies(context.Context) bool {
	if missing := MissingDependencies(b.dependencies); len(missing) > 0 {
		logger.Error("image build needs some commands which are missing", "missing", missing)
		b.log.Errorf("missing build dependencies: %v", missing)
		return false
	}
	return true
}

func (b *imageBuild) createWorkspace(context.Context) bool {
	if err := os.MkdirAll(b.workspace, 0o755); err != nil {
		b.log.Errorf("unable to create workspace: %s", err)
		return false
	}
	return true
}

func (b *imageBuild) createScratch(context.Context) bool {
	if err := os.MkdirAll(b.scratch, 0o755); err != nil {
		b.log.Errorf("unable to create scratch: %s", err)
		return false
	}
	return true
}

// extractISO unpacks the payload's iso_file from the iso library into
// the workspace.
func (b *imageBuild) extractISO(ctx context.Context) bool {
	isoName := b.spec.PayloadString("iso_file")
	isoPath := filepath.Join(b.deps.Paths.ISO, isoName)
	if _, err := os.Stat(isoPath); err != nil {
		b.log.Errorf("iso file does not exist: %s", isoPath)
		return false
	}
	b.log.Printf("extracting iso: %s", isoName)
	if err := b.shell.Run(ctx, b.workspace, fmt.Sprintf(`7z x "%s"`, isoPath)); err != nil {
		b.log.Errorf("failed to extract iso: %s", isoName)
		return false
	}
	return true
}

// writeMetadata serializes the accumulated metadata as metadata.yaml in
// the workspace root. Its presence is what makes the directory show up
// in the boot_images inventory.
func (b *imageBuild) writeMetadata(context.Context) bool {
	b.log.Printf("writing metadata.yaml")
	raw, err := yaml.Marshal(b.metadata)
	if err != nil {
		b.log.Errorf("unable to serialize metadata: %s", err)
		return false
	}
	if err := os.WriteFile(filepath.Join(b.workspace, "metadata.yaml"), raw, 0o644); err != nil {
		b.log.Errorf("unable to write metadata.yaml: %s", err)
		return false
	}
	return true
}

// finalizeAndCleanup moves the finished workspace into boot_images and
// drops the scratch tree.
func (b *imageBuild) finalizeAndCleanup(context.Context) bool {
	dest := filepath.Join(b.deps.Paths.BootImages, b.imageName)
	if _, err := os.Stat(dest); err == nil {
		b.log.Errorf("a boot image named %s already exists", b.imageName)
		return false
	}
	b.log.Printf("moving finished image to: %s", dest)
	if err := os.Rename(b.workspace, dest); err != nil {
		// boot_images may live on a different filesystem than temp
		if err := copyTree(b.workspace, dest); err != nil {
			b.log.Errorf("failed to move finished image: %s", err)
			return false
		}
		if err := os.RemoveAll(b.workspace); err != nil {
			logger.Warn("unable to remove workspace after copy", "error", err)
		}
	}
	if err := os.RemoveAll(b.scratch); err != nil {
		logger.Warn("unable to remove scratch after build", "error", err)
	}
	return true
}

// describe picks the operator's comment when one was given, falling
// back to the supplied auto-generated description.
func (b *imageBuild) describe(auto string) string {
	if comment := b.spec.PayloadString("comment"); comment != "" {
		return comment
	}
	return auto
}

// markUnattended records unattended support in the metadata when the
// payload asked for it.
func (b *imageBuild) markUnattended() {
	if b.spec.PayloadBool("create_unattended") {
		b.metadata.SupportsUnattended = true
		b.metadata.Stage2UnattendedFilename = "stage2-unattended.ipxe"
	}
}
