package clients

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildStateDefaults(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		state      string
		text       string
		expiration string
		action     string
		active     bool
		errFlag    bool
	}{
		{StateDHCP, "Newly Discovered via DHCP Sniffer", "2026-08-25 12:01:00 +0000", ActionComplete, true, false},
		{StateUboot, "U-Boot Requested boot.scr.uimg", "2026-08-25 12:02:00 +0000", ActionError, true, false},
		{StateIPXE, "iPXE is initializing", "2026-08-25 12:10:00 +0000", ActionError, true, false},
		{StateStage2, "Stage2 boot image requested", "2026-08-25 12:00:20 +0000", ActionComplete, true, false},
		{StateUnattended, "Unattended Installation", "2026-08-25 16:00:00 +0000", ActionError, true, false},
		{StateStage4, "Stage4 Post-Installation", "2026-08-25 16:00:00 +0000", ActionError, true, false},
		{StateComplete, "Complete", "2026-08-25 12:01:00 +0000", ActionInactive, true, false},
		{StateInactive, "Inactive", ExpirationNone, ActionNone, false, false},
		{StateError, "Client encountered an error", ExpirationNone, ActionNone, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			got, err := BuildState(StateChange{State: tt.state}, now)
			require.NoError(t, err)

			assert.Equal(t, tt.state, got.State)
			assert.Equal(t, tt.text, got.StateText)
			assert.Equal(t, tt.expiration, got.Expiration)
			assert.Equal(t, tt.action, got.ExpirationAction)
			assert.Equal(t, tt.active, got.Active)
			assert.Equal(t, tt.errFlag, got.Error)
			assert.NotEmpty(t, got.Description)
			assert.Empty(t, got.ErrorShort)
		})
	}
}

func TestBuildStateOverrides(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	text := "Timeout: iPXE is initializing"
	desc := "Timeout while: fetching stage2"
	short := "Timeout: something"
	seconds := 5
	action := ActionInactive
	errFlag := true

	got, err := BuildState(StateChange{
		State:       StateError,
		StateText:   &text,
		Seconds:     &seconds,
		Action:      &action,
		Error:       &errFlag,
		ErrorShort:  &short,
		Description: &desc,
	}, now)
	require.NoError(t, err)

	assert.Equal(t, text, got.StateText)
	assert.Equal(t, "2026-08-25 12:00:05 +0000", got.Expiration)
	assert.Equal(t, ActionInactive, got.ExpirationAction)
	assert.True(t, got.Error)
	assert.Equal(t, short, got.ErrorShort)
	assert.Equal(t, desc, got.Description)
	// Active always comes from the table, never from the caller.
	assert.True(t, got.Active)
}

func TestBuildStateZeroSecondsNeverExpires(t *testing.T) {
	now := time.Now()
	seconds := 0

	got, err := BuildState(StateChange{State: StateIPXE, Seconds: &seconds}, now)
	require.NoError(t, err)
	assert.Equal(t, ExpirationNone, got.Expiration)
}

func TestBuildStateUnknown(t *testing.T) {
	_, err := BuildState(StateChange{State: "warp_core_breach"}, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warp_core_breach")
}

func TestKnownState(t *testing.T) {
	assert.True(t, KnownState(StateDHCP))
	assert.True(t, KnownState(StateError))
	assert.False(t, KnownState(""))
	assert.False(t, KnownState("stage3"))
}

func TestStateNamesSorted(t *testing.T) {
	names := StateNames()
	require.Len(t, names, 9)
	assert.Equal(t, []string{
		"complete", "dhcp", "error", "inactive",
		"ipxe", "stage2", "stage4", "uboot", "unattended",
	}, names)
}

func TestStateExpired(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	t.Run("never expires without a deadline", func(t *testing.T) {
		expired, err := (State{Expiration: ExpirationNone}).Expired(now)
		require.NoError(t, err)
		assert.False(t, expired)

		expired, err = (State{}).Expired(now)
		require.NoError(t, err)
		assert.False(t, expired)
	})

	t.Run("before the deadline", func(t *testing.T) {
		s := State{Expiration: "2026-08-25 12:00:30 +0000"}
		expired, err := s.Expired(now)
		require.NoError(t, err)
		assert.False(t, expired)
	})

	t.Run("past the deadline", func(t *testing.T) {
		s := State{Expiration: "2026-08-25 11:59:59 +0000"}
		expired, err := s.Expired(now)
		require.NoError(t, err)
		assert.True(t, expired)
	})

	t.Run("bad timestamp", func(t *testing.T) {
		s := State{Expiration: "tomorrow-ish"}
		_, err := s.Expired(now)
		assert.Error(t, err)
	})
}
