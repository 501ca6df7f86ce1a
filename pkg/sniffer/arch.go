package sniffer

import (
	"fmt"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
	"github.com/bishopdynamics/netbootstudio/pkg/clients"
)

// archNames maps DHCP option 93 processor architecture codes to display
// names. These names are stored on client records and feed the web UI.
// https://www.iana.org/assignments/dhcpv6-parameters/processor-architecture.csv
var archNames = map[iana.Arch]string{
	0x00: "x86 BIOS",
	0x01: "NEC/PC98 (DEPRECATED)",
	0x02: "Itanium",
	0x03: "DEC Alpha (DEPRECATED)",
	0x04: "Arc x86 (DEPRECATED)",
	0x05: "Intel Lean Client (DEPRECATED)",
	0x06: "x86 UEFI",
	0x07: "x64 UEFI",
	0x08: "EFI Xscale (DEPRECATED)",
	0x09: "EBC",
	0x0a: "ARM 32-bit UEFI",
	0x0b: "ARM 64-bit UEFI",
	0x0c: "PowerPC Open Firmware",
	0x0d: "PowerPC ePAPR",
	0x0e: "POWER OPAL v3",
	0x0f: "x86 uefi boot from http",
	0x10: "x64 uefi boot from http",
	0x11: "ebc boot from http",
	0x12: "arm uefi 32 boot from http",
	0x13: "arm uefi 64 boot from http",
	0x14: "pc/at bios boot from http",
	0x15: "arm 32 uboot",
	0x16: "arm 64 uboot",
	0x17: "arm uboot 32 boot from http",
	0x18: "arm uboot 64 boot from http",
	0x19: "RISC-V 32-bit UEFI",
	0x1a: "RISC-V 32-bit UEFI boot from http",
	0x1b: "RISC-V 64-bit UEFI",
	0x1c: "RISC-V 64-bit UEFI boot from http",
	0x1d: "RISC-V 128-bit UEFI",
	0x1e: "RISC-V 128-bit UEFI boot from http",
	0x1f: "s390 Basic",
	0x20: "s390 Extended",
	0x21: "MIPS 32-bit UEFI",
	0x22: "MIPS 64-bit UEFI",
	0x23: "Sunway 32-bit UEFI",
	0x24: "Sunway 64-bit UEFI",
}

// pxeArchMap maps option 93 display names to the arch codes we use
// internally. BIOS clients report 0x00 regardless of 32/64-bit, so
// presume 64-bit; an admin can reassign the build (and with it the arch)
// on clients where that guess was wrong.
var pxeArchMap = map[string]clients.Arch{
	"x86 UEFI":        clients.ArchIA32,
	"x64 UEFI":        clients.ArchAMD64,
	"ARM 32-bit UEFI": clients.ArchARM32,
	"ARM 64-bit UEFI": clients.ArchARM64,
	"arm 32 uboot":    clients.ArchARM32, // u-boot reports its own arch values
	"arm 64 uboot":    clients.ArchARM64, // u-boot reports its own arch values
	"x86 BIOS":        clients.ArchBIOS64,
}

// vendorClassNames maps the 5-digit arch code at position 2 of option 60
// ("PXEClient:Arch:00007:...") to its iPXE family name.
// https://dox.ipxe.org/group__dhcpopts.html
var vendorClassNames = map[string]string{
	"00000": "X86",
	"00001": "PC98",
	"00002": "IA64",
	"00003": "ALPHA",
	"00004": "ARCX86",
	"00005": "LC",
	"00006": "IA32",
	"00007": "X86_64",
	"00008": "XSCALE",
	"00009": "EFI",
	"00010": "ARM32",
	"00011": "ARM64",
	"00025": "RISCV32",
	"00027": "RISCV64",
	"00029": "RISCV128",
	"00033": "MIPS32",
	"00034": "MIPS64",
	"00035": "SUNWAY32",
	"00036": "SUNWAY64",
	"00037": "LOONG32",
	"00039": "LOONG64",
}

// vendorClassArchMap maps iPXE family names to internal arch codes.
// 64-bit BIOS clients usually report X86, so presume 64-bit there too.
var vendorClassArchMap = map[string]clients.Arch{
	"X86":    clients.ArchBIOS64,
	"X86_64": clients.ArchAMD64,
	"IA32":   clients.ArchIA32,
	"ARM32":  clients.ArchARM32,
	"ARM64":  clients.ArchARM64,
	"EFI":    clients.ArchAMD64,
}

// classifyArch reads option 93 from a discover and resolves the raw code,
// the display name, and the internal arch. ok is false when the packet
// carries no usable architecture option, which means it is not a netboot
// client at all.
func classifyArch(pkt *dhcpv4.DHCPv4) (archBytes, archIANA string, arch clients.Arch, ok bool) {
	raw := pkt.Options.Get(dhcpv4.OptionClientSystemArchitectureType)
	if len(raw) < 2 {
		return "", "", "", false
	}

	archBytes = fmt.Sprintf("0x%02x 0x%02x", raw[0], raw[1])
	code := iana.Arch(uint16(raw[0])<<8 | uint16(raw[1]))

	archIANA, known := archNames[code]
	if !known {
		archIANA = archBytes
	}

	arch = clients.ArchUnsupported
	if a, mapped := pxeArchMap[archIANA]; mapped {
		arch = a
	}
	return archBytes, archIANA, arch, true
}

// archFromVendorClass resolves the arch hint carried in option 60. The
// result only overrides option 93 for arm32/arm64, where firmware
// reliably reports there and the option 93 value is often wrong.
func archFromVendorClass(vci string) (clients.Arch, bool) {
	if vci == "" {
		return "", false
	}
	parts := strings.Split(vci, ":")
	if parts[0] != "PXEClient" {
		logger.Warn("saw unexpected vendor class identifier", "vci", vci)
		return "", false
	}
	if len(parts) < 3 {
		return "", false
	}
	name, ok := vendorClassNames[parts[2]]
	if !ok {
		logger.Warn("unknown PXEClient arch value", "value", parts[2])
		return "", false
	}
	arch, ok := vendorClassArchMap[name]
	if !ok {
		logger.Warn("PXEClient arch family has no internal mapping", "family", name)
		return "", false
	}
	return arch, true
}
