// Package clients is the system of record for netboot clients. Every
// machine that touches the DHCP sniffer or the TFTP server gets a row
// keyed by MAC address, carrying its per-client boot config and a state
// blob that walks the netboot lifecycle (dhcp, uboot, ipxe, stage2,
// unattended, stage4, complete).
//
// Rows persist in SQLite or MySQL via GORM; a Manager keeps an in-memory
// copy in sync across processes by signaling updates over the bus.
package clients

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/bishopdynamics/netbootstudio/internal/timestamp"
)

// TimestampLayout renders state expirations, e.g.
// "2026-08-25 14:03:07 +0000". The format is part of the client state
// blob and shared with the web UI.
const TimestampLayout = timestamp.Layout

// Arch identifies a client's boot architecture.
type Arch string

const (
	ArchBIOS32      Arch = "bios32"
	ArchBIOS64      Arch = "bios64"
	ArchAMD64       Arch = "amd64"
	ArchARM64       Arch = "arm64"
	ArchARM32       Arch = "arm32"
	ArchIA32        Arch = "ia32"
	ArchUnsupported Arch = "unsupported"
)

// Valid reports whether a is one of the known architectures.
func (a Arch) Valid() bool {
	switch a {
	case ArchBIOS32, ArchBIOS64, ArchAMD64, ArchARM64, ArchARM32, ArchIA32, ArchUnsupported:
		return true
	}
	return false
}

// DHCPInfo is what the sniffer learned about a client from its DHCP
// conversation.
type DHCPInfo struct {
	MAC       string `json:"mac"`
	VCI       string `json:"vci"`
	ArchBytes string `json:"arch_bytes"`
	ArchIANA  string `json:"arch_iana"`
	Arch      string `json:"arch"`
	UserClass string `json:"user_class"`
}

// Info aggregates the discovery sections of a client record. Today the
// only section is dhcp.
type Info struct {
	DHCP *DHCPInfo `json:"dhcp,omitempty"`
}

// Config is the per-client boot configuration, seeded from global
// settings when the client is first seen and editable per client
// afterwards.
type Config struct {
	BootImage        string `json:"boot_image"`
	BootImageOnce    bool   `json:"boot_image_once"`
	UnattendedConfig string `json:"unattended_config"`
	DoUnattended     bool   `json:"do_unattended"`
	IPXEBuild        string `json:"ipxe_build"`
	UbootScript      string `json:"uboot_script"`
	Stage4           string `json:"stage4"`
}

// State is the client's position in the netboot lifecycle, plus the
// expiration that advances it when the client goes quiet.
type State struct {
	Active           bool   `json:"active"`
	State            string `json:"state"`
	StateText        string `json:"state_text"`
	Description      string `json:"description"`
	Expiration       string `json:"state_expiration"`
	ExpirationAction string `json:"state_expiration_action"`
	Error            bool   `json:"error"`
	ErrorShort       string `json:"error_short"`
}

// Expired reports whether the state carries an expiration that has
// already passed at now. States without an expiration never expire.
func (s State) Expired(now time.Time) (bool, error) {
	if s.Expiration == "" || s.Expiration == ExpirationNone {
		return false, nil
	}
	t, err := time.Parse(TimestampLayout, s.Expiration)
	if err != nil {
		return false, fmt.Errorf("bad state expiration %q: %w", s.Expiration, err)
	}
	return now.After(t) || now.Equal(t), nil
}

// Client is a full client record as served to the API and the web UI.
type Client struct {
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
	Arch     Arch   `json:"arch"`
	Hostname string `json:"hostname"`
	Info     Info   `json:"info"`
	Config   Config `json:"config"`
	State    State  `json:"state"`
}

// clone returns a deep copy safe to hand out of the manager's cache.
func (c *Client) clone() *Client {
	cp := *c
	if c.Info.DHCP != nil {
		dhcp := *c.Info.DHCP
		cp.Info.DHCP = &dhcp
	}
	return &cp
}

// NormalizeMAC canonicalizes a MAC address to lowercase colon form.
// It accepts the usual colon, dash, and dot notations.
func NormalizeMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return "", fmt.Errorf("invalid MAC address %q: %w", mac, err)
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("invalid MAC address %q: want 6 octets, got %d", mac, len(hw))
	}
	return hw.String(), nil
}

// record is the GORM row shape. The info, config, and state blobs are
// stored as JSON text so the schema stays identical across SQLite and
// MySQL.
type record struct {
	MAC      string `gorm:"column:mac;primaryKey;size:17"`
	IP       string `gorm:"column:ip;size:45"`
	Arch     string `gorm:"column:arch;size:16"`
	Hostname string `gorm:"column:hostname;size:255"`
	Info     string `gorm:"column:info;type:text"`
	Config   string `gorm:"column:config;type:text"`
	State    string `gorm:"column:state;type:text"`
}

func (record) TableName() string {
	return "clients"
}

func toRecord(c *Client) (*record, error) {
	info, err := json.Marshal(c.Info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode client info: %w", err)
	}
	config, err := json.Marshal(c.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to encode client config: %w", err)
	}
	state, err := json.Marshal(c.State)
	if err != nil {
		return nil, fmt.Errorf("failed to encode client state: %w", err)
	}
	return &record{
		MAC:      c.MAC,
		IP:       c.IP,
		Arch:     string(c.Arch),
		Hostname: c.Hostname,
		Info:     string(info),
		Config:   string(config),
		State:    string(state),
	}, nil
}

func toClient(r *record) (*Client, error) {
	c := &Client{
		MAC:      r.MAC,
		IP:       r.IP,
		Arch:     Arch(r.Arch),
		Hostname: r.Hostname,
	}
	if r.Info != "" {
		if err := json.Unmarshal([]byte(r.Info), &c.Info); err != nil {
			return nil, fmt.Errorf("client %s has a corrupt info blob: %w", r.MAC, err)
		}
	}
	if r.Config != "" {
		if err := json.Unmarshal([]byte(r.Config), &c.Config); err != nil {
			return nil, fmt.Errorf("client %s has a corrupt config blob: %w", r.MAC, err)
		}
	}
	if r.State != "" {
		if err := json.Unmarshal([]byte(r.State), &c.State); err != nil {
			return nil, fmt.Errorf("client %s has a corrupt state blob: %w", r.MAC, err)
		}
	}
	return c, nil
}
