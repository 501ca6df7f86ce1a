package files

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validImageMetadata() map[string]any {
	return map[string]any{
		"created":            "2024-03-01 10:00:00 +0000",
		"image_type":         "debian-liveimage",
		"description":        "a test image",
		"release":            "12.5",
		"arch":               "amd64",
		"boot_image_name":    "debian_test",
		"stage2_filename":    "stage2.ipxe",
		"supports_unattended": "false",
	}
}

func TestValidateBootImageMetadata(t *testing.T) {
	m := validImageMetadata()
	require.NoError(t, ValidateBootImageMetadata(m))
	// The string value is coerced in place.
	assert.Equal(t, false, m["supports_unattended"])
}

func TestValidateBootImageMetadataMissingKey(t *testing.T) {
	m := validImageMetadata()
	delete(m, "arch")
	err := ValidateBootImageMetadata(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "arch")
}

func TestValidateBootImageMetadataUnattended(t *testing.T) {
	m := validImageMetadata()
	m["supports_unattended"] = "True"
	err := ValidateBootImageMetadata(m)
	require.Error(t, err, "unattended images must name an unattended stage2")

	m["stage2_unattended_filename"] = "stage2-unattended.ipxe"
	require.NoError(t, ValidateBootImageMetadata(m))
	assert.Equal(t, true, m["supports_unattended"])
}

func TestValidateBootImageMetadataBoolPassthrough(t *testing.T) {
	m := validImageMetadata()
	m["supports_unattended"] = true
	m["stage2_unattended_filename"] = "stage2-unattended.ipxe"
	require.NoError(t, ValidateBootImageMetadata(m))
	assert.Equal(t, true, m["supports_unattended"])
}
