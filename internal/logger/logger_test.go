package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, LevelWarn, FormatText)

	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, "error message")
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, LevelError, FormatText)

	Info("hidden")
	SetLevel(LevelDebug)
	Debug("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, LevelInfo, FormatJSON)

	Info("boot requested", "mac", "aa:bb:cc:dd:ee:ff", "arch", "arm64")

	line := strings.TrimSpace(buf.String())
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &record))
	assert.Equal(t, "boot requested", record["msg"])
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", record["mac"])
	assert.Equal(t, "arm64", record["arch"])
}

func TestSetFormatSwitchesEncoding(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, LevelInfo, FormatText)

	SetFormat(FormatJSON)
	Info("structured")

	line := strings.TrimSpace(buf.String())
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &record))
	assert.Equal(t, "structured", record["msg"])
}

func TestFormattedHelpers(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, LevelDebug, FormatText)

	Infof("client %s moved to %s", "aa:bb:cc:dd:ee:ff", "stage2")

	assert.Contains(t, buf.String(), "client aa:bb:cc:dd:ee:ff moved to stage2")
}

func TestWithAttachesAttributes(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, LevelInfo, FormatJSON)

	log := With("service", "nbs-tftp")
	log.Info("started")

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &record))
	assert.Equal(t, "nbs-tftp", record["service"])
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	assert.Equal(t, parseLevel("bogus"), parseLevel(LevelInfo))
	assert.Equal(t, parseLevel("DEBUG"), parseLevel(LevelDebug))
}

func TestDuration(t *testing.T) {
	start := time.Now().Add(-250 * time.Millisecond)
	ms := Duration(start)
	assert.GreaterOrEqual(t, ms, 250.0)
	assert.Less(t, ms, 5000.0)
}
