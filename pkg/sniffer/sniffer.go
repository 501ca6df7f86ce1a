// Package sniffer passively watches DHCP broadcast traffic and turns
// discover packets from netboot firmware into stub client records. It
// never transmits; handing out leases stays the external DHCP server's
// job. It also eavesdrops on offers to warn when the DHCP server points
// clients at the wrong netboot server or bootfile.
package sniffer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
	"github.com/bishopdynamics/netbootstudio/internal/telemetry"
	"github.com/bishopdynamics/netbootstudio/pkg/clients"
	"github.com/bishopdynamics/netbootstudio/pkg/metrics"
)

// DefaultBootfile is the bootfile the external DHCP server must
// advertise for every architecture.
const DefaultBootfile = "/ipxe.bin"

// Clients is the slice of the client manager the sniffer needs.
type Clients interface {
	Get(mac string) (*clients.Client, error)
	Create(ctx context.Context, mac string, arch clients.Arch, info *clients.DHCPInfo) (*clients.Client, error)
}

// Config tells the sniffer where to listen and what a correct offer
// looks like.
type Config struct {
	// Interface limits capture to one interface. Empty means all.
	Interface string

	// ServerIP is this host's netboot server address; offers naming a
	// different next-server draw a warning.
	ServerIP string

	// Bootfile is the expected DHCP bootfile. Defaults to /ipxe.bin.
	Bootfile string
}

// Sniffer listens on the DHCP server and client ports with SO_REUSEPORT
// so it can coexist with a real DHCP server or client on the same host.
// Unicast offers bypass the client port listener; broadcast offers, the
// common case on netboot segments, are observed.
type Sniffer struct {
	cfg     Config
	clients Clients

	mu       sync.Mutex
	conns    []net.PacketConn
	stopOnce sync.Once
	done     chan struct{}
}

// New builds a sniffer. Call Start to begin capture.
func New(cfg Config, cl Clients) *Sniffer {
	if cfg.Bootfile == "" {
		cfg.Bootfile = DefaultBootfile
	}
	return &Sniffer{
		cfg:     cfg,
		clients: cl,
		done:    make(chan struct{}),
	}
}

// Start opens the capture sockets and begins processing packets in the
// background. Binding port 67 requires the usual privileges.
func (s *Sniffer) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, port := range []int{67, 68} {
		conn, err := server4.NewIPv4UDPConn(s.cfg.Interface, &net.UDPAddr{IP: net.IPv4zero, Port: port})
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to open dhcp capture socket on port %d: %w", port, err)
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		wg.Add(1)
		go func(c net.PacketConn, port int) {
			defer wg.Done()
			s.serve(ctx, c, port)
		}(conn, port)
	}

	go func() {
		wg.Wait()
		close(s.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.done:
		}
	}()

	logger.Info("dhcp sniffer started", "interface", s.cfg.Interface, "expected_server", s.cfg.ServerIP, "expected_bootfile", s.cfg.Bootfile)
	return nil
}

// Stop closes the capture sockets, unblocking the read loops.
func (s *Sniffer) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range s.conns {
			_ = c.Close()
		}
	})
}

// serve reads packets off one socket until it closes.
func (s *Sniffer) serve(ctx context.Context, conn net.PacketConn, port int) {
	buf := make([]byte, 4096)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				if !errors.Is(err, net.ErrClosed) {
					logger.Error("dhcp capture socket read failed", "port", port, "error", err)
				}
			}
			return
		}

		pkt, err := dhcpv4.FromBytes(buf[:n])
		if err != nil {
			s.countFrame("malformed")
			logger.Debug("dropping malformed dhcp packet", "port", port, "error", err)
			continue
		}
		s.handle(ctx, pkt)
	}
}

// handle dispatches one parsed DHCP packet. Parse or lookup trouble is
// logged and never propagates; the sniffer must not block anything.
func (s *Sniffer) handle(ctx context.Context, pkt *dhcpv4.DHCPv4) {
	switch pkt.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		s.countFrame("discover")
		s.handleDiscover(ctx, pkt)
	case dhcpv4.MessageTypeOffer:
		s.countFrame("offer")
		s.handleOffer(pkt)
	default:
		s.countFrame("other")
	}
}

// handleDiscover classifies the client by architecture and creates a
// stub record when the MAC is unknown or its record still has no iPXE
// build assigned.
func (s *Sniffer) handleDiscover(ctx context.Context, pkt *dhcpv4.DHCPv4) {
	archBytes, archIANA, arch, ok := classifyArch(pkt)
	if !ok {
		// No option 93: an ordinary DHCP client, not netboot firmware.
		return
	}

	vci := pkt.ClassIdentifier()
	if vciArch, found := archFromVendorClass(vci); found {
		logger.Debug("dhcp arch hints", "option93", arch, "option60", vciArch)
		if vciArch == clients.ArchARM32 || vciArch == clients.ArchARM64 {
			arch = vciArch
		}
	}

	mac := pkt.ClientHWAddr.String()
	info := &clients.DHCPInfo{
		MAC:       mac,
		VCI:       vci,
		ArchBytes: archBytes,
		ArchIANA:  archIANA,
		Arch:      string(arch),
		UserClass: strings.Join(pkt.UserClass(), ","),
	}
	logger.Debug("dhcp discover", "mac", mac, "arch", arch, "arch_iana", archIANA, "vci", vci)

	needStub := false
	existing, err := s.clients.Get(mac)
	switch {
	case errors.Is(err, clients.ErrClientNotFound):
		needStub = true
	case err != nil:
		logger.Error("failed to look up client for discover", "mac", mac, "error", err)
		return
	default:
		needStub = existing.Config.IPXEBuild == ""
	}
	if !needStub {
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "sniffer.create_stub",
		telemetry.ClientMAC(mac), telemetry.Arch(string(arch)))
	defer span.End()

	logger.Info("found a new client via dhcp discover", "mac", mac, "arch", arch, "arch_iana", archIANA)
	if _, err := s.clients.Create(ctx, mac, arch, info); err != nil {
		if errors.Is(err, clients.ErrClientExists) {
			// Lost a create race with another discover, which is fine.
			logger.Debug("client stub already present", "mac", mac)
			return
		}
		telemetry.RecordError(ctx, err)
		logger.Error("failed to create stub client entry", "mac", mac, "error", err)
	}
}

// handleOffer sanity-checks what the external DHCP server hands out.
// Mismatches are warnings only.
func (s *Sniffer) handleOffer(pkt *dhcpv4.DHCPv4) {
	server := ""
	if pkt.ServerIPAddr != nil && !pkt.ServerIPAddr.IsUnspecified() {
		server = pkt.ServerIPAddr.String()
	}
	if server == "" {
		server = pkt.TFTPServerName()
	}
	file := strings.TrimRight(strings.TrimSpace(pkt.BootFileName), "\x00")

	if server != s.cfg.ServerIP {
		logger.Warn("dhcp offer names a different netboot server than configured",
			"offered", server, "configured", s.cfg.ServerIP)
	}
	if file != s.cfg.Bootfile {
		logger.Warn("dhcp offer names a different bootfile than configured",
			"offered", file, "configured", s.cfg.Bootfile)
	}
	logger.Debug("dhcp offer", "server", server, "file", file)
}

func (s *Sniffer) countFrame(kind string) {
	if m := metrics.Core(); m != nil {
		m.DHCPFrames.WithLabelValues(kind).Inc()
	}
}
