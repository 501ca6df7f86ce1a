package files

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bishopdynamics/netbootstudio/internal/timestamp"
	"github.com/bishopdynamics/netbootstudio/pkg/config"
)

func newTestScanner(t *testing.T) (*Scanner, config.Paths) {
	t.Helper()
	paths := config.NewPaths(t.TempDir())
	require.NoError(t, paths.EnsureLayout())
	return NewScanner(paths), paths
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func filenames(entries []Entry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Filename
	}
	return names
}

func TestStage1FilesMergesBuiltins(t *testing.T) {
	s, paths := newTestScanner(t)
	writeFile(t, filepath.Join(paths.Stage1Files, "boot.ipxe"), "#!ipxe\n")
	writeFile(t, filepath.Join(paths.Stage1Files, "UPPER.IPXE"), "#!ipxe\n")
	writeFile(t, filepath.Join(paths.Stage1Files, "notes.txt"), "ignored\n")

	entries, err := s.Stage1Files()
	require.NoError(t, err)
	assert.Equal(t, []string{"boot.ipxe", "default", "none", "UPPER.IPXE"}, filenames(entries))

	for _, e := range entries {
		switch e.Filename {
		case "default", "none":
			assert.Equal(t, timestamp.Epoch, e.Modified)
		default:
			assert.NotEmpty(t, e.Modified)
		}
	}
}

func TestISOListIsEmptyNotNil(t *testing.T) {
	s, paths := newTestScanner(t)

	entries, err := s.ISO()
	require.NoError(t, err)
	require.NotNil(t, entries)
	assert.Empty(t, entries)

	writeFile(t, filepath.Join(paths.ISO, "disk.iso"), "iso\n")
	writeFile(t, filepath.Join(paths.ISO, "readme.md"), "ignored\n")

	entries, err = s.ISO()
	require.NoError(t, err)
	assert.Equal(t, []string{"disk.iso"}, filenames(entries))
}

func TestStage4SkipsShadowedBuiltins(t *testing.T) {
	s, paths := newTestScanner(t)
	writeFile(t, filepath.Join(paths.Stage4, "stage4-entry-unix.sh"), "#!/bin/sh\n")
	writeFile(t, filepath.Join(paths.Stage4, "custom.sh"), "#!/bin/sh\n")

	entries, err := s.Stage4()
	require.NoError(t, err)
	assert.Equal(t, []string{"custom.sh", "none"}, filenames(entries))
}

func TestTFTPRootListsDirsAndSkipsInternal(t *testing.T) {
	s, paths := newTestScanner(t)
	require.NoError(t, os.MkdirAll(filepath.Join(paths.TFTPRoot, ".metadata"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(paths.TFTPRoot, ".resources"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(paths.TFTPRoot, "grub"), 0o755))
	writeFile(t, filepath.Join(paths.TFTPRoot, "undionly.kpxe"), "binary\n")

	entries, err := s.TFTPRoot()
	require.NoError(t, err)
	assert.Equal(t, []string{"boot.scr.uimg", "grub", "ipxe.bin", "ipxe.efi", "undionly.kpxe"}, filenames(entries))
}

func TestBootImages(t *testing.T) {
	s, paths := newTestScanner(t)

	// A-la-carte single-file image.
	writeFile(t, filepath.Join(paths.BootImages, "rescue.ipxe"), "#!ipxe\n")

	// Full image directory with metadata.
	meta := `created: "2024-03-01 10:00:00 +0000"
image_type: debian-liveimage
description: a full image
release: "12.5"
arch: amd64
boot_image_name: something_stale
stage2_filename: stage2.ipxe
supports_unattended: "false"
`
	writeFile(t, filepath.Join(paths.BootImages, "debian_test", "metadata.yaml"), meta)

	// Directory without metadata is skipped, as is one with bad metadata.
	require.NoError(t, os.MkdirAll(filepath.Join(paths.BootImages, "half_copied"), 0o755))
	writeFile(t, filepath.Join(paths.BootImages, "broken", "metadata.yaml"), "image_type: incomplete\n")

	images, err := s.BootImages()
	require.NoError(t, err)

	names := make([]string, len(images))
	for i, m := range images {
		names[i] = m["boot_image_name"].(string)
	}
	assert.Equal(t, []string{"debian_test", "menu", "rescue.ipxe", "standby_loop"}, names)

	for _, m := range images {
		switch m["boot_image_name"] {
		case "debian_test":
			// The directory name wins over whatever the file claims.
			assert.Equal(t, "a full image", m["description"])
			assert.Equal(t, false, m["supports_unattended"])
		case "rescue.ipxe":
			assert.Equal(t, "a-la-carte", m["image_type"])
			assert.Equal(t, "rescue.ipxe", m["stage2_filename"])
			assert.Equal(t, false, m["supports_unattended"])
		}
	}
}

func TestIPXEBuilds(t *testing.T) {
	s, paths := newTestScanner(t)

	writeBuild := func(dir string, meta map[string]any) {
		raw, err := json.Marshal(meta)
		require.NoError(t, err)
		writeFile(t, filepath.Join(paths.IPXEBuilds, dir, "metadata.json"), string(raw))
	}

	writeBuild("b1", map[string]any{"build_id": "b1", "build_name": "zeta"})
	writeBuild("b2", map[string]any{"build_id": "b2", "build_name": "Alpha"})
	// Listed with a warning: the key is present but empty.
	writeBuild("b3", map[string]any{"build_id": "", "build_name": "middle"})
	// Skipped: no metadata at all, and metadata without the key.
	require.NoError(t, os.MkdirAll(filepath.Join(paths.IPXEBuilds, "inflight"), 0o755))
	writeBuild("keyless", map[string]any{"build_name": "keyless"})
	// Stray top-level files are ignored.
	writeFile(t, filepath.Join(paths.IPXEBuilds, "stray.txt"), "ignored\n")

	builds, err := s.IPXEBuilds()
	require.NoError(t, err)

	names := make([]string, len(builds))
	for i, m := range builds {
		names[i] = m["build_name"].(string)
	}
	assert.Equal(t, []string{"Alpha", "middle", "zeta"}, names)
}

func TestScannerSample(t *testing.T) {
	s, _ := newTestScanner(t)
	for _, list := range ListNames {
		sample := s.Sample(list)
		require.NotNil(t, sample, list)
		_, err := sample()
		require.NoError(t, err, list)
	}
	assert.Nil(t, s.Sample("no_such_list"))
}
