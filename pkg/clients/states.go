package clients

import (
	"fmt"
	"sort"
	"time"
)

// Lifecycle state names.
const (
	StateDHCP       = "dhcp"
	StateUboot      = "uboot"
	StateIPXE       = "ipxe"
	StateStage2     = "stage2"
	StateUnattended = "unattended"
	StateStage4     = "stage4"
	StateComplete   = "complete"
	StateInactive   = "inactive"
	StateError      = "error"
)

// Expiration actions. When a state's expiration passes, the manager
// moves the client to the named state.
const (
	ActionNone     = "none"
	ActionComplete = "complete"
	ActionInactive = "inactive"
	ActionError    = "error"
)

// ExpirationNone marks a state that never expires.
const ExpirationNone = "none"

// stateSpec is one row of the lifecycle table: the defaults a state gets
// unless the caller overrides them.
type stateSpec struct {
	text        string
	seconds     int
	action      string
	active      bool
	error       bool
	description string
}

var stateTable = map[string]stateSpec{
	StateDHCP: {
		text:        "Newly Discovered via DHCP Sniffer",
		seconds:     60,
		action:      ActionComplete,
		active:      true,
		description: "Client requested an IP Address from DHCP Server, we only know its MAC Address at the moment",
	},
	StateUboot: {
		text:        "U-Boot Requested boot.scr.uimg",
		seconds:     120,
		action:      ActionError,
		active:      true,
		description: "Client is using u-boot bootloader, and it fetches boot.scr.uimg before anything else",
	},
	StateIPXE: {
		text:        "iPXE is initializing",
		seconds:     600,
		action:      ActionError,
		active:      true,
		description: "Client has fetched the iPXE binary and it is initializing before fetching stage2",
	},
	StateStage2: {
		text:        "Stage2 boot image requested",
		seconds:     20,
		action:      ActionComplete,
		active:      true,
		description: "Client fetched a boot image, and will not be performing an unattended installation",
	},
	StateUnattended: {
		text:        "Unattended Installation",
		seconds:     14400,
		action:      ActionError,
		active:      true,
		description: "Client fetched an unattended config file and is performing the installation",
	},
	StateStage4: {
		text:        "Stage4 Post-Installation",
		seconds:     14400,
		action:      ActionError,
		active:      true,
		description: "Client is running a Stage4 post-installation script",
	},
	StateComplete: {
		text:        "Complete",
		seconds:     60,
		action:      ActionInactive,
		active:      true,
		description: "Client successfully completed all netboot actions",
	},
	StateInactive: {
		text:        "Inactive",
		seconds:     0,
		action:      ActionNone,
		active:      false,
		description: "Client is not doing Netboot Studio things",
	},
	StateError: {
		text:        "Client encountered an error",
		seconds:     0,
		action:      ActionNone,
		active:      true,
		error:       true,
		description: "Client encountered an unknown error",
	},
}

// KnownState reports whether name is a lifecycle state.
func KnownState(name string) bool {
	_, ok := stateTable[name]
	return ok
}

// StateNames returns the lifecycle state names, sorted.
func StateNames() []string {
	names := make([]string, 0, len(stateTable))
	for name := range stateTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StateChange describes a requested state transition. State is required;
// every other field overrides the table default for that state when
// present. Active is never overridable, it always comes from the table.
type StateChange struct {
	State       string  `json:"state"`
	StateText   *string `json:"state_text,omitempty"`
	Seconds     *int    `json:"expiration_seconds,omitempty"`
	Action      *string `json:"expiration_action,omitempty"`
	Error       *bool   `json:"error,omitempty"`
	ErrorShort  *string `json:"error_short,omitempty"`
	Description *string `json:"description,omitempty"`
}

// BuildState resolves a StateChange against the lifecycle table into a
// concrete State. Expirations of less than one second mean the state
// never expires.
func BuildState(ch StateChange, now time.Time) (State, error) {
	spec, ok := stateTable[ch.State]
	if !ok {
		return State{}, fmt.Errorf("unknown client state %q", ch.State)
	}

	text := spec.text
	if ch.StateText != nil {
		text = *ch.StateText
	}
	seconds := spec.seconds
	if ch.Seconds != nil {
		seconds = *ch.Seconds
	}
	action := spec.action
	if ch.Action != nil {
		action = *ch.Action
	}
	errFlag := spec.error
	if ch.Error != nil {
		errFlag = *ch.Error
	}
	errShort := ""
	if ch.ErrorShort != nil {
		errShort = *ch.ErrorShort
	}
	description := spec.description
	if ch.Description != nil {
		description = *ch.Description
	}

	expiration := ExpirationNone
	if seconds >= 1 {
		expiration = now.Add(time.Duration(seconds) * time.Second).Format(TimestampLayout)
	}

	return State{
		Active:           spec.active,
		State:            ch.State,
		StateText:        text,
		Description:      description,
		Expiration:       expiration,
		ExpirationAction: action,
		Error:            errFlag,
		ErrorShort:       errShort,
	}, nil
}
