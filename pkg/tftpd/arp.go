package tftpd

import (
	"bufio"
	"errors"
	"net"
	"os"
	"strings"
)

// procNetARP is the kernel's ARP table. Requesters have just finished a
// DHCP exchange on the local segment, so their entry is normally present
// by the time the first TFTP packet arrives.
const procNetARP = "/proc/net/arp"

var errNoARPEntry = errors.New("ip has no arp table entry")

// macForIP resolves an IP address to a MAC address by scanning the ARP
// table at tablePath. Incomplete entries (flags 0x0) are skipped.
func macForIP(tablePath string, ip net.IP) (string, error) {
	if ip == nil {
		return "", errNoARPEntry
	}
	f, err := os.Open(tablePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	want := ip.String()
	scanner := bufio.NewScanner(f)
	scanner.Scan() // column headers
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[0] != want {
			continue
		}
		if fields[2] == "0x0" {
			continue
		}
		hw, err := net.ParseMAC(fields[3])
		if err != nil {
			continue
		}
		return hw.String(), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", errNoARPEntry
}
