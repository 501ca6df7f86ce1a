package sniffer

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
	"github.com/bishopdynamics/netbootstudio/pkg/clients"
)

type createCall struct {
	mac  string
	arch clients.Arch
	info *clients.DHCPInfo
}

type fakeClients struct {
	existing  map[string]*clients.Client
	created   []createCall
	createErr error
}

func (f *fakeClients) Get(mac string) (*clients.Client, error) {
	if c, ok := f.existing[mac]; ok {
		return c, nil
	}
	return nil, clients.ErrClientNotFound
}

func (f *fakeClients) Create(_ context.Context, mac string, arch clients.Arch, info *clients.DHCPInfo) (*clients.Client, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, createCall{mac: mac, arch: arch, info: info})
	return &clients.Client{MAC: mac, Arch: arch}, nil
}

func discoverPacket(t *testing.T, mac string, mods ...dhcpv4.Modifier) *dhcpv4.DHCPv4 {
	t.Helper()
	hw, err := net.ParseMAC(mac)
	if err != nil {
		t.Fatal(err)
	}
	pkt, err := dhcpv4.New(append([]dhcpv4.Modifier{
		dhcpv4.WithMessageType(dhcpv4.MessageTypeDiscover),
		dhcpv4.WithHwAddr(hw),
	}, mods...)...)
	if err != nil {
		t.Fatal(err)
	}
	return pkt
}

func TestHandleDiscoverCreatesStub(t *testing.T) {
	fc := &fakeClients{existing: map[string]*clients.Client{}}
	s := New(Config{ServerIP: "10.0.0.1"}, fc)

	pkt := discoverPacket(t, "aa:bb:cc:dd:ee:01",
		dhcpv4.WithOption(dhcpv4.OptClientArch(iana.EFI_ARM64)),
		dhcpv4.WithOption(dhcpv4.OptClassIdentifier("PXEClient:Arch:00011:UNDI:003000")),
		dhcpv4.WithOption(dhcpv4.OptUserClass("iPXE")),
	)
	s.handle(context.Background(), pkt)

	if len(fc.created) != 1 {
		t.Fatalf("created %d clients, want 1", len(fc.created))
	}
	want := createCall{
		mac:  "aa:bb:cc:dd:ee:01",
		arch: clients.ArchARM64,
		info: &clients.DHCPInfo{
			MAC:       "aa:bb:cc:dd:ee:01",
			VCI:       "PXEClient:Arch:00011:UNDI:003000",
			ArchBytes: "0x00 0x0b",
			ArchIANA:  "ARM 64-bit UEFI",
			Arch:      "arm64",
			UserClass: "iPXE",
		},
	}
	if diff := cmp.Diff(want, fc.created[0], cmp.AllowUnexported(createCall{})); diff != "" {
		t.Fatal(diff)
	}
}

func TestHandleDiscoverVendorClassOverride(t *testing.T) {
	tests := map[string]struct {
		vci      string
		wantArch clients.Arch
	}{
		"arm64 override wins over bios guess": {
			vci:      "PXEClient:Arch:00011:UNDI:003000",
			wantArch: clients.ArchARM64,
		},
		"amd64 hint does not override": {
			vci:      "PXEClient:Arch:00007:UNDI:003000",
			wantArch: clients.ArchBIOS64,
		},
		"garbage vci is ignored": {
			vci:      "MSFT 5.0",
			wantArch: clients.ArchBIOS64,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			fc := &fakeClients{existing: map[string]*clients.Client{}}
			s := New(Config{}, fc)

			// Option 93 says plain BIOS on all of these.
			pkt := discoverPacket(t, "aa:bb:cc:dd:ee:02",
				dhcpv4.WithOption(dhcpv4.OptClientArch(iana.INTEL_X86PC)),
				dhcpv4.WithOption(dhcpv4.OptClassIdentifier(tt.vci)),
			)
			s.handleDiscover(context.Background(), pkt)

			if len(fc.created) != 1 {
				t.Fatalf("created %d clients, want 1", len(fc.created))
			}
			if diff := cmp.Diff(tt.wantArch, fc.created[0].arch); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestHandleDiscoverIgnoresOrdinaryClients(t *testing.T) {
	fc := &fakeClients{existing: map[string]*clients.Client{}}
	s := New(Config{}, fc)

	// No option 93: a laptop asking for a lease, not netboot firmware.
	pkt := discoverPacket(t, "aa:bb:cc:dd:ee:03",
		dhcpv4.WithOption(dhcpv4.OptClassIdentifier("MSFT 5.0")),
	)
	s.handleDiscover(context.Background(), pkt)

	if len(fc.created) != 0 {
		t.Fatalf("created %d clients, want 0", len(fc.created))
	}
}

func TestHandleDiscoverStubGate(t *testing.T) {
	mac := "aa:bb:cc:dd:ee:04"
	tests := map[string]struct {
		existing   *clients.Client
		wantCreate bool
	}{
		"unknown mac creates": {
			existing:   nil,
			wantCreate: true,
		},
		"known with build does not": {
			existing:   &clients.Client{MAC: mac, Config: clients.Config{IPXEBuild: "ipxe-20260801-a1b2c3"}},
			wantCreate: false,
		},
		"known without build re-creates": {
			existing:   &clients.Client{MAC: mac},
			wantCreate: true,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			fc := &fakeClients{existing: map[string]*clients.Client{}}
			if tt.existing != nil {
				fc.existing[mac] = tt.existing
			}
			s := New(Config{}, fc)

			pkt := discoverPacket(t, mac, dhcpv4.WithOption(dhcpv4.OptClientArch(iana.EFI_X86_64)))
			s.handleDiscover(context.Background(), pkt)

			if got := len(fc.created) == 1; got != tt.wantCreate {
				t.Fatalf("create happened=%v, want %v", got, tt.wantCreate)
			}
		})
	}
}

func TestHandleDiscoverToleratesCreateRace(t *testing.T) {
	fc := &fakeClients{
		existing:  map[string]*clients.Client{},
		createErr: clients.ErrClientExists,
	}
	s := New(Config{}, fc)

	pkt := discoverPacket(t, "aa:bb:cc:dd:ee:05", dhcpv4.WithOption(dhcpv4.OptClientArch(iana.EFI_X86_64)))
	// Must not panic or retry forever.
	s.handleDiscover(context.Background(), pkt)
}

func TestHandleOfferWarnsOnMismatch(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, logger.LevelDebug, logger.FormatText)
	t.Cleanup(func() { logger.Init(logger.Config{Level: logger.LevelInfo, Format: logger.FormatText}) })

	fc := &fakeClients{existing: map[string]*clients.Client{}}
	s := New(Config{ServerIP: "10.0.0.1", Bootfile: "/ipxe.bin"}, fc)

	offer, err := dhcpv4.New(dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer))
	if err != nil {
		t.Fatal(err)
	}
	offer.ServerIPAddr = net.ParseIP("10.0.0.254")
	offer.BootFileName = "/pxelinux.0"

	s.handle(context.Background(), offer)

	out := buf.String()
	if !strings.Contains(out, "different netboot server") {
		t.Fatalf("expected a server mismatch warning, got logs:\n%s", out)
	}
	if !strings.Contains(out, "different bootfile") {
		t.Fatalf("expected a bootfile mismatch warning, got logs:\n%s", out)
	}
	if len(fc.created) != 0 {
		t.Fatal("offers must never create clients")
	}
}

func TestHandleOfferQuietWhenCorrect(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, logger.LevelWarn, logger.FormatText)
	t.Cleanup(func() { logger.Init(logger.Config{Level: logger.LevelInfo, Format: logger.FormatText}) })

	s := New(Config{ServerIP: "10.0.0.1", Bootfile: "/ipxe.bin"}, &fakeClients{})

	offer, err := dhcpv4.New(dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer))
	if err != nil {
		t.Fatal(err)
	}
	offer.ServerIPAddr = net.ParseIP("10.0.0.1")
	offer.BootFileName = "/ipxe.bin\x00"

	s.handle(context.Background(), offer)

	if got := buf.String(); got != "" {
		t.Fatalf("expected no warnings for a correct offer, got:\n%s", got)
	}
}
