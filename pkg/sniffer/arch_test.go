package sniffer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/bishopdynamics/netbootstudio/pkg/clients"
)

func TestClassifyArch(t *testing.T) {
	tests := map[string]struct {
		pkt       *dhcpv4.DHCPv4
		wantBytes string
		wantIANA  string
		wantArch  clients.Arch
		wantOK    bool
	}{
		"x64 UEFI": {
			pkt:       &dhcpv4.DHCPv4{Options: dhcpv4.OptionsFromList(dhcpv4.OptClientArch(iana.EFI_X86_64))},
			wantBytes: "0x00 0x07",
			wantIANA:  "x64 UEFI",
			wantArch:  clients.ArchAMD64,
			wantOK:    true,
		},
		"x86 UEFI": {
			pkt:       &dhcpv4.DHCPv4{Options: dhcpv4.OptionsFromList(dhcpv4.OptClientArch(iana.EFI_IA32))},
			wantBytes: "0x00 0x06",
			wantIANA:  "x86 UEFI",
			wantArch:  clients.ArchIA32,
			wantOK:    true,
		},
		"x86 BIOS presumes 64-bit": {
			pkt:       &dhcpv4.DHCPv4{Options: dhcpv4.OptionsFromList(dhcpv4.OptClientArch(iana.INTEL_X86PC))},
			wantBytes: "0x00 0x00",
			wantIANA:  "x86 BIOS",
			wantArch:  clients.ArchBIOS64,
			wantOK:    true,
		},
		"ARM 64-bit UEFI": {
			pkt:       &dhcpv4.DHCPv4{Options: dhcpv4.OptionsFromList(dhcpv4.OptClientArch(iana.EFI_ARM64))},
			wantBytes: "0x00 0x0b",
			wantIANA:  "ARM 64-bit UEFI",
			wantArch:  clients.ArchARM64,
			wantOK:    true,
		},
		"arm 32 uboot": {
			pkt:       &dhcpv4.DHCPv4{Options: dhcpv4.OptionsFromList(dhcpv4.OptClientArch(iana.Arch(0x15)))},
			wantBytes: "0x00 0x15",
			wantIANA:  "arm 32 uboot",
			wantArch:  clients.ArchARM32,
			wantOK:    true,
		},
		"RISC-V has a name but no internal arch": {
			pkt:       &dhcpv4.DHCPv4{Options: dhcpv4.OptionsFromList(dhcpv4.OptClientArch(iana.Arch(0x1b)))},
			wantBytes: "0x00 0x1b",
			wantIANA:  "RISC-V 64-bit UEFI",
			wantArch:  clients.ArchUnsupported,
			wantOK:    true,
		},
		"unknown code falls back to hex name": {
			pkt:       &dhcpv4.DHCPv4{Options: dhcpv4.OptionsFromList(dhcpv4.OptClientArch(iana.Arch(0x99)))},
			wantBytes: "0x00 0x99",
			wantIANA:  "0x00 0x99",
			wantArch:  clients.ArchUnsupported,
			wantOK:    true,
		},
		"no option 93": {
			pkt:    &dhcpv4.DHCPv4{},
			wantOK: false,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			gotBytes, gotIANA, gotArch, gotOK := classifyArch(tt.pkt)
			if gotOK != tt.wantOK {
				t.Fatalf("ok: got %v, want %v", gotOK, tt.wantOK)
			}
			if !tt.wantOK {
				return
			}
			if diff := cmp.Diff(tt.wantBytes, gotBytes); diff != "" {
				t.Fatal(diff)
			}
			if diff := cmp.Diff(tt.wantIANA, gotIANA); diff != "" {
				t.Fatal(diff)
			}
			if diff := cmp.Diff(tt.wantArch, gotArch); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestArchFromVendorClass(t *testing.T) {
	tests := map[string]struct {
		vci      string
		wantArch clients.Arch
		wantOK   bool
	}{
		"efi amd64":          {vci: "PXEClient:Arch:00007:UNDI:003000", wantArch: clients.ArchAMD64, wantOK: true},
		"arm64":              {vci: "PXEClient:Arch:00011:UNDI:003000", wantArch: clients.ArchARM64, wantOK: true},
		"arm32":              {vci: "PXEClient:Arch:00010:UNDI:003000", wantArch: clients.ArchARM32, wantOK: true},
		"bios reports x86":   {vci: "PXEClient:Arch:00000:UNDI:002001", wantArch: clients.ArchBIOS64, wantOK: true},
		"bare efi family":    {vci: "PXEClient:Arch:00009:UNDI:003016", wantArch: clients.ArchAMD64, wantOK: true},
		"family without map": {vci: "PXEClient:Arch:00027:UNDI:003000", wantOK: false},
		"unknown arch code":  {vci: "PXEClient:Arch:00099:UNDI:003000", wantOK: false},
		"not a pxe client":   {vci: "MSFT 5.0", wantOK: false},
		"too few fields":     {vci: "PXEClient", wantOK: false},
		"empty":              {vci: "", wantOK: false},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, ok := archFromVendorClass(tt.vci)
			if ok != tt.wantOK {
				t.Fatalf("ok: got %v, want %v", ok, tt.wantOK)
			}
			if tt.wantOK {
				if diff := cmp.Diff(tt.wantArch, got); diff != "" {
					t.Fatal(diff)
				}
			}
		})
	}
}
