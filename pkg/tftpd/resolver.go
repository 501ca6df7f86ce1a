// Package tftpd implements the Netboot Studio TFTP server.
//
// The server is read-only and opinionated: rather than mapping request
// filenames straight onto disk, a resolver picks the response bytes from
// the requester's identity and per-client configuration. The
// DHCP-advertised bootfile (/ipxe.bin) is served from the client's
// assigned iPXE build, U-Boot's boot.scr.uimg is rendered from the
// client's configured script, and everything else falls through to the
// tftp_root directory.
package tftpd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
	"github.com/bishopdynamics/netbootstudio/pkg/clients"
	"github.com/bishopdynamics/netbootstudio/pkg/config"
	"github.com/bishopdynamics/netbootstudio/pkg/settings"
)

// Transfer kinds used in logs and metrics.
const (
	KindIPXE        = "ipxe"
	KindUboot       = "uboot"
	KindPassthrough = "passthrough"
)

// Filenames with special handling. bootfileName is the DHCP-advertised
// bootfile path with the leading slash stripped, the same normalization
// applied to every request filename.
const (
	bootfileName   = "ipxe.bin"
	ubootImageName = "boot.scr.uimg"
)

// DefaultUbootScript selects the built-in script body instead of a file
// from uboot_scripts.
const DefaultUbootScript = "default"

// ubootScriptDefault is wrapped and served when a client has no u-boot
// script assigned. It prints the environment U-Boot exposes and nothing
// else.
const ubootScriptDefault = `echo ""
echo "#######################################################################"
echo "               Start of Netboot Studio uboot script"
echo ""
echo " this script does nothing, but you can select a different uboot script per-client if desired"
echo ""
echo "checkout some vars:"
echo "arch: ${arch}"
echo "board: ${board}"
echo "cpu: ${cpu}"
echo "soc: ${soc}"
echo "fdtfile: ${fdtfile}"
echo "ethaddr: ${ethaddr}"
echo "bootfile: ${bootfile}"
echo ""
echo "               End of Netboot Studio uboot script"
echo "#######################################################################"
`

// Clients is the slice of the client manager the resolver depends on.
type Clients interface {
	Get(mac string) (*clients.Client, error)
	List(ctx context.Context) []*clients.Client
	SetIP(ctx context.Context, mac, ip string) error
	SetHostname(ctx context.Context, mac, hostname string) error
	SetState(ctx context.Context, mac string, ch clients.StateChange) error
	Settings() settings.Values
}

// CommandRunner executes an external command in dir and returns its
// combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Artifact is a resolved TFTP response.
type Artifact struct {
	Kind    string
	Size    int64
	Content io.ReadCloser
}

// Resolver chooses response bytes for TFTP read requests.
type Resolver struct {
	paths   config.Paths
	clients Clients
	runner  CommandRunner

	arpPath    string
	lookupAddr func(addr string) ([]string, error)

	mu    sync.Mutex
	uboot map[string][]byte
}

// NewResolver builds a resolver over the given path layout and client
// manager.
func NewResolver(paths config.Paths, cl Clients) *Resolver {
	return &Resolver{
		paths:      paths,
		clients:    cl,
		runner:     execRunner{},
		arpPath:    procNetARP,
		lookupAddr: net.LookupAddr,
		uboot:      make(map[string][]byte),
	}
}

// normalizeFilename strips surrounding whitespace and slashes, matching
// how the DHCP-advertised bootfile path is compared.
func normalizeFilename(filename string) string {
	return strings.Trim(strings.TrimSpace(filename), "/")
}

// kindOf classifies a request filename for logs and metrics.
func kindOf(filename string) string {
	switch normalizeFilename(filename) {
	case bootfileName:
		return KindIPXE
	case ubootImageName:
		return KindUboot
	default:
		return KindPassthrough
	}
}

// Resolve maps a read request to response bytes. remoteIP identifies the
// requester and may be nil when the transport cannot provide it.
func (r *Resolver) Resolve(ctx context.Context, filename string, remoteIP net.IP) (*Artifact, error) {
	name := normalizeFilename(filename)
	if name == "" {
		return nil, errors.New("empty filename")
	}
	switch name {
	case bootfileName:
		return r.resolveIPXE(ctx, remoteIP)
	case ubootImageName:
		return r.resolveUboot(ctx, remoteIP)
	default:
		return r.passthrough(name)
	}
}

// resolveIPXE picks the iPXE binary for the requester. The client record
// gets its ip and hostname refreshed here: this is the first time the
// server learns the address the client actually boots from.
func (r *Resolver) resolveIPXE(ctx context.Context, remoteIP net.IP) (*Artifact, error) {
	ip := ipString(remoteIP)
	cl := r.lookupClient(ctx, remoteIP)
	if cl == nil {
		logger.Warn("ipxe.bin requested by a client with no record, the dhcp sniffer may not be seeing broadcast traffic",
			"ip", ip)
		build, ok := r.clients.Settings().IPXEBuildFor(string(clients.ArchAMD64))
		if !ok || build == "" || !r.buildExists(build) {
			return nil, fmt.Errorf("no usable default ipxe build for unknown client %s", ip)
		}
		return r.openBuild(build)
	}

	if err := r.clients.SetIP(ctx, cl.MAC, ip); err != nil {
		logger.Error("failed to update client ip", "mac", cl.MAC, "error", err)
	}
	hostname := r.hostnameFor(ip)
	if err := r.clients.SetHostname(ctx, cl.MAC, hostname); err != nil {
		logger.Error("failed to update client hostname", "mac", cl.MAC, "error", err)
	}

	build := cl.Config.IPXEBuild
	if !r.buildExists(build) {
		def, ok := r.clients.Settings().IPXEBuildFor(string(cl.Arch))
		if !ok || def == "" {
			return nil, fmt.Errorf("client %s has no usable ipxe build and no default is configured for arch %s", cl.MAC, cl.Arch)
		}
		logger.Warn("assigned ipxe build not found, falling back to arch default",
			"mac", cl.MAC, "build", build, "arch", cl.Arch, "default", def)
		if !r.buildExists(def) {
			return nil, fmt.Errorf("default ipxe build %s for arch %s does not exist", def, cl.Arch)
		}
		build = def
	}

	art, err := r.openBuild(build)
	if err != nil {
		return nil, err
	}
	if err := r.clients.SetState(ctx, cl.MAC, clients.StateChange{State: clients.StateIPXE}); err != nil {
		logger.Error("failed to set client state", "mac", cl.MAC, "error", err)
	}
	logger.Info("serving ipxe build", "mac", cl.MAC, "ip", ip, "arch", cl.Arch, "build", build)
	return art, nil
}

// resolveUboot renders boot.scr.uimg for the requester. A client without
// a record still gets the default script: U-Boot retries forever on a
// missing file, so serving something is always better.
func (r *Resolver) resolveUboot(ctx context.Context, remoteIP net.IP) (*Artifact, error) {
	ip := ipString(remoteIP)
	cl := r.lookupClient(ctx, remoteIP)

	script := DefaultUbootScript
	if cl != nil && cl.Config.UbootScript != "" {
		script = cl.Config.UbootScript
	}

	data, err := r.ubootImage(ctx, script)
	if err != nil {
		logger.Error("failed to render boot.scr.uimg, serving the copy in tftp_root instead",
			"ip", ip, "script", script, "error", err)
		return r.passthrough(ubootImageName)
	}

	if cl != nil {
		if err := r.clients.SetState(ctx, cl.MAC, clients.StateChange{State: clients.StateUboot}); err != nil {
			logger.Error("failed to set client state", "mac", cl.MAC, "error", err)
		}
	}
	logger.Info("serving u-boot script image", "ip", ip, "script", script)
	return &Artifact{
		Kind:    KindUboot,
		Size:    int64(len(data)),
		Content: io.NopCloser(bytes.NewReader(data)),
	}, nil
}

// ubootImage returns the mkimage-wrapped form of the named script,
// building and caching it on first use. The wrapped image is also written
// to uboot_binaries so admins can inspect what clients were served.
func (r *Resolver) ubootImage(ctx context.Context, script string) ([]byte, error) {
	r.mu.Lock()
	cached, ok := r.uboot[script]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	var body []byte
	if script == DefaultUbootScript {
		body = []byte(ubootScriptDefault)
	} else {
		var err error
		body, err = os.ReadFile(filepath.Join(r.paths.UbootScripts, script))
		if err != nil {
			return nil, fmt.Errorf("failed to read u-boot script %s: %w", script, err)
		}
	}

	dir, err := os.MkdirTemp("", "nbs-uboot-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, "boot.cmd"), body, 0o644); err != nil {
		return nil, fmt.Errorf("failed to stage boot.cmd: %w", err)
	}
	out, err := r.runner.Run(ctx, dir, "mkimage",
		"-A", "arm", "-O", "linux", "-T", "script", "-C", "none",
		"-d", "boot.cmd", "boot.scr.uimg")
	if err != nil {
		return nil, fmt.Errorf("mkimage failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	data, err := os.ReadFile(filepath.Join(dir, "boot.scr.uimg"))
	if err != nil {
		return nil, fmt.Errorf("mkimage produced no output image: %w", err)
	}

	if err := os.WriteFile(filepath.Join(r.paths.UbootBinaries, script+".uimg"), data, 0o644); err != nil {
		logger.Warn("failed to write wrapped u-boot image to uboot_binaries", "script", script, "error", err)
	}

	r.mu.Lock()
	r.uboot[script] = data
	r.mu.Unlock()
	return data, nil
}

// passthrough serves a file from tftp_root as-is. Missing files surface
// as protocol errors to the client.
func (r *Resolver) passthrough(name string) (*Artifact, error) {
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return nil, fmt.Errorf("invalid path %q", name)
	}

	full := filepath.Join(r.paths.TFTPRoot, filepath.FromSlash(cleaned))
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("file not found in tftp_root: %s", cleaned)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", cleaned)
	}
	logger.Info("serving file from tftp_root", "file", cleaned, "bytes", st.Size())
	return &Artifact{Kind: KindPassthrough, Size: st.Size(), Content: f}, nil
}

// openBuild opens ipxe.bin inside the named build directory. The build
// stage is responsible for having produced ipxe.bin in whatever format
// the client firmware needs.
func (r *Resolver) openBuild(build string) (*Artifact, error) {
	full := filepath.Join(r.paths.IPXEBuilds, build, "ipxe.bin")
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("ipxe build %s has no ipxe.bin: %w", build, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Artifact{Kind: KindIPXE, Size: st.Size(), Content: f}, nil
}

// buildExists reports whether a build directory looks complete. The build
// task writes metadata.json last, so its presence marks a finished build.
func (r *Resolver) buildExists(build string) bool {
	if build == "" {
		return false
	}
	st, err := os.Stat(filepath.Join(r.paths.IPXEBuilds, build, "metadata.json"))
	return err == nil && st.Mode().IsRegular()
}

// lookupClient finds the client record behind an IP, first through the
// ARP table and then by the ip column from a previous boot.
func (r *Resolver) lookupClient(ctx context.Context, remoteIP net.IP) *clients.Client {
	if remoteIP == nil {
		return nil
	}
	ip := remoteIP.String()

	mac, err := macForIP(r.arpPath, remoteIP)
	if err != nil && !errors.Is(err, errNoARPEntry) {
		logger.Debug("arp table lookup failed", "ip", ip, "error", err)
	}
	if mac != "" {
		cl, err := r.clients.Get(mac)
		if err == nil {
			return cl
		}
		if !errors.Is(err, clients.ErrClientNotFound) {
			logger.Error("client lookup failed", "mac", mac, "error", err)
		}
		return nil
	}

	for _, cl := range r.clients.List(ctx) {
		if cl.IP == ip {
			return cl
		}
	}
	return nil
}

// hostnameFor reverse-resolves an IP, falling back to "unknown".
func (r *Resolver) hostnameFor(ip string) string {
	names, err := r.lookupAddr(ip)
	if err != nil || len(names) == 0 {
		return "unknown"
	}
	return strings.TrimSuffix(names[0], ".")
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
