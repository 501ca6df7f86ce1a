package files

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeName(t *testing.T) {
	tests := map[string]struct {
		in   string
		want string
	}{
		"spaces become underscores": {"My Cool Image", "My_Cool_Image"},
		"symbols dropped":           {"win10 (2024)!", "win10_2024"},
		"kept punctuation":          {"esxi-7.0_u3", "esxi-7.0_u3"},
		"path separators dropped":   {"a/b\\c", "abc"},
		"unicode letters kept":      {"débian 12.5", "débian_12.5"},
		"already clean":             {"Jackbuild2", "Jackbuild2"},
		"empty":                     {"", ""},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, SanitizeName(tc.in))
		})
	}
}

func TestSortEntriesCaseInsensitive(t *testing.T) {
	entries := []Entry{
		{Filename: "Zulu.ipxe"},
		{Filename: "alpha.ipxe"},
		{Filename: "Bravo.ipxe"},
	}
	sortEntries(entries)

	got := make([]string, len(entries))
	for i, e := range entries {
		got[i] = e.Filename
	}
	assert.Equal(t, []string{"alpha.ipxe", "Bravo.ipxe", "Zulu.ipxe"}, got)
}

func TestSortMapsByKeyMissingKey(t *testing.T) {
	list := []map[string]any{
		{"build_name": "zeta"},
		{},
		{"build_name": "Alpha"},
	}
	// Must not panic on the entry without the key.
	sortMapsByKey(list, "build_name")
	assert.Equal(t, "Alpha", list[0]["build_name"])
}
