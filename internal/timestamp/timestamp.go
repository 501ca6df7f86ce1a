// Package timestamp renders the wall-clock format shared by client state
// blobs, task reports, and file inventory entries.
package timestamp

import (
	"os"
	"time"
)

// Layout is the canonical format, e.g. "2026-08-25 14:03:07 +0000". It is
// part of the wire payloads consumed by the web UI, so all services must
// render it identically.
const Layout = "2006-01-02 15:04:05 -0700"

// Epoch marks builtin entries that have no real file behind them.
const Epoch = "1970-01-01_00:00:00"

// Now formats the current local time.
func Now() string {
	return time.Now().Format(Layout)
}

// FileModified formats the mtime of path.
func FileModified(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fi.ModTime().Format(Layout), nil
}
