package files

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// SanitizeName makes a string safe for use as a directory name under
// boot_images. Spaces become underscores; anything that is not a letter,
// digit, underscore, hyphen, or dot is dropped.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == ' ':
			b.WriteRune('_')
		case r == '_' || r == '-' || r == '.':
			b.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		}
	}
	return b.String()
}

// sortEntries orders plain inventory rows case-insensitively by filename,
// the order the UI presents them in.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Filename) < strings.ToLower(entries[j].Filename)
	})
}

// sortMapsByKey orders metadata entries case-insensitively by the named
// key. Entries missing the key sort together at a stable position instead
// of failing the whole list.
func sortMapsByKey(list []map[string]any, key string) {
	sort.SliceStable(list, func(i, j int) bool {
		return strings.ToLower(fmt.Sprint(list[i][key])) < strings.ToLower(fmt.Sprint(list[j][key]))
	})
}
