package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigDir is where Netboot Studio keeps its configuration and
// working files unless overridden with --configdir.
const DefaultConfigDir = "/opt/NetbootStudio"

// Paths describes the on-disk layout under the config dir. All services
// derive file locations from here instead of joining strings ad hoc.
type Paths struct {
	ConfigDir string

	// Content directories.
	BootImages        string
	IPXEBuilds        string
	WimbootBuilds     string
	Stage1Files       string
	UbootScripts      string
	UbootBinaries     string
	UnattendedConfigs string
	Stage4            string
	Packages          string
	TFTPRoot          string
	ISO               string
	Certs             string
	Temp              string

	// Files.
	ConfigFile   string
	SettingsFile string
	DatabaseFile string

	// SSL material used by the API server and the broker.
	CACert     string
	FullChain  string
	ServerCert string
	ServerKey  string
}

// NewPaths builds the path layout rooted at configDir.
func NewPaths(configDir string) Paths {
	join := func(parts ...string) string {
		return filepath.Join(append([]string{configDir}, parts...)...)
	}
	return Paths{
		ConfigDir:         configDir,
		BootImages:        join("boot_images"),
		IPXEBuilds:        join("ipxe_builds"),
		WimbootBuilds:     join("wimboot_builds"),
		Stage1Files:       join("stage1_files"),
		UbootScripts:      join("uboot_scripts"),
		UbootBinaries:     join("uboot_binaries"),
		UnattendedConfigs: join("unattended_configs"),
		Stage4:            join("stage4"),
		Packages:          join("packages"),
		TFTPRoot:          join("tftp_root"),
		ISO:               join("iso"),
		Certs:             join("certs"),
		Temp:              join("temp"),
		ConfigFile:        join("config.ini"),
		SettingsFile:      join("settings.json"),
		DatabaseFile:      join("clients.db"),
		CACert:            join("certs", "ca_cert.pem"),
		FullChain:         join("certs", "full_chain.pem"),
		ServerCert:        join("certs", "server_cert.pem"),
		ServerKey:         join("certs", "server_key.key"),
	}
}

// Dirs returns every directory in the layout, in creation order.
func (p Paths) Dirs() []string {
	return []string{
		p.BootImages,
		p.IPXEBuilds,
		p.WimbootBuilds,
		p.Stage1Files,
		p.UbootScripts,
		p.UbootBinaries,
		p.UnattendedConfigs,
		p.Stage4,
		p.Packages,
		p.TFTPRoot,
		p.ISO,
		p.Certs,
		p.Temp,
	}
}

// CertFiles returns the SSL files preflight requires to exist.
func (p Paths) CertFiles() []string {
	return []string{p.CACert, p.FullChain, p.ServerCert, p.ServerKey}
}

// EnsureLayout creates any missing directories in the layout.
func (p Paths) EnsureLayout() error {
	for _, dir := range p.Dirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Preflight verifies the layout is usable before a service starts:
// config.ini exists, all four SSL files exist, and every layout directory
// exists (created if missing) and is writable. Services treat a preflight
// failure as fatal.
func Preflight(p Paths) error {
	if _, err := os.Stat(p.ConfigFile); err != nil {
		return fmt.Errorf("config file %s: %w", p.ConfigFile, err)
	}
	if err := p.EnsureLayout(); err != nil {
		return err
	}
	for _, cert := range p.CertFiles() {
		if _, err := os.Stat(cert); err != nil {
			return fmt.Errorf("ssl file %s: %w", cert, err)
		}
	}
	for _, dir := range p.Dirs() {
		if err := probeWritable(dir); err != nil {
			return fmt.Errorf("directory %s is not writable: %w", dir, err)
		}
	}
	return nil
}

// probeWritable checks write access by creating and removing a marker file.
func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
