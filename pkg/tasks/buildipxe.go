package tasks

import (
	"context"
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
	"github.com/bishopdynamics/netbootstudio/internal/timestamp"
	"github.com/bishopdynamics/netbootstudio/pkg/files"
)

const (
	// ipxeRepoURL is the ipxe git repo. The github mirror handles
	// clone traffic better than ipxe.org.
	ipxeRepoURL = "https://github.com/ipxe/ipxe"
	// ipxeDefaultCommit is used when the payload leaves commit_id
	// empty. Latest stable tag as of late 2021.
	ipxeDefaultCommit = "988d2c1"
	// ipxeMakeArgs is passed to every make invocation.
	ipxeMakeArgs = "-j4"
)

// builtinStage1 is embedded into builds when the payload names the
// "default" stage1 file. It chains stage2 from the boot server with
// the client's identity in the query string.
const builtinStage1 = `#!ipxe
# Netboot Studio builtin stage1
isset ${next-server} || dhcp
set stage2-url http://${next-server}:8082/stage2.ipxe
:fetch
chain ${stage2-url}?macaddress=${net0/mac}&arch=${buildarch}&platform=${platform}&manufacturer=${manufacturer}&serial=${serial} || goto failed
:failed
echo failed to fetch stage2, retrying in 10 seconds
sleep 10
goto fetch
`

var ipxeBuildDependencies = []string{
	"make", "git", "sed", "grep",
	"mformat", "perl", "genisoimage",
	"unzip", "wget", "awk", "md5sum",
}

const ipxeBuildDepHelp = "try running: sudo apt install build-essential git sed grep mtools perl genisoimage liblzma-dev syslinux binutils unzip isolinux"

// buildTarget maps a make target to the artifact name it lands as in
// the build directory.
type buildTarget struct {
	target string
	result string
}

var ipxeBuildTargets = map[string][]buildTarget{
	"amd64": {
		{target: "bin-x86_64-efi/ipxe.efi", result: "ipxe.efi"},
		{target: "bin-x86_64-efi/ipxe.usb", result: "ipxe.iso"},
	},
	"arm64": {
		{target: "bin-arm64-efi/ipxe.efi", result: "ipxe.efi"},
		{target: "bin-arm64-efi/ipxe.usb", result: "ipxe.iso"},
	},
}

// buildOption names an ipxe compile switch and the config/local header
// it belongs in.
type buildOption struct {
	name string
	file string
}

type optionSet struct {
	enable  []buildOption
	disable []buildOption
}

var ipxeCommonOptions = optionSet{
	enable: []buildOption{
		{"DOWNLOAD_PROTO_HTTPS", "general.h"},
		{"DOWNLOAD_PROTO_NFS", "general.h"},
		{"PCI_CMD", "general.h"},
		{"IMAGE_PNG", "general.h"},
		{"CONSOLE_CMD", "general.h"},
		{"IPSTAT_CMD", "general.h"},
		{"PING_CMD", "general.h"},
		{"NSLOOKUP_CMD", "general.h"},
		{"IMAGE_TRUST_CMD", "general.h"},
		{"TIME_CMD", "general.h"},
		{"REBOOT_CMD", "general.h"},
		{"POWEROFF_CMD", "general.h"},
		{"VLAN_CMD", "general.h"},
		{"LOTEST_CMD", "general.h"},
		{"PROFSTAT_CMD", "general.h"},
		{"IMAGE_EFI", "general.h"},
		{"NTP_CMD", "general.h"},
		{"CERT_CMD", "general.h"},
		{"IMAGE_GZIP", "general.h"},
		{"IMAGE_ZLIB", "general.h"},
		{"PARAM_CMD", "general.h"},
		{"IMAGE_ARCHIVE_CMD", "general.h"},
		{"CONSOLE_FRAMEBUFFER", "console.h"},
		{"CONSOLE_EFI", "console.sh"},
		{"CONSOLE_SERIAL", "console.sh"},
	},
	disable: []buildOption{
		{"NET_PROTO_IPV6", "general.h"},
	},
}

var ipxeArchOptions = map[string]optionSet{
	"amd64": {},
	"arm64": {
		enable: []buildOption{
			{"NAP_NULL", "nap.h"},
		},
		disable: []buildOption{
			{"NAP_PCBIOS", "nap.h"},
			{"NAP_EFIX86", "nap.h"},
			{"NAP_EFIARM", "nap.h"},
			{"USB_HCD_XHCI", "usb.h"},
			{"USB_HCD_EHCI", "usb.h"},
			{"USB_HCD_UHCI", "usb.h"},
			{"USB_KEYBOARD", "usb.h"},
			{"USB_BLOCK", "usb.h"},
			{"USB_EFI", "usb.h"},
			{"NET_PROTO_IPV6", "general.h"},
		},
	},
}

// ipxeBuildFixes are shell snippets applied to the checked-out tree.
// The serial lines force a 1000000 baud console with full logging; the
// amd64 ones keep old binutils from producing PIE pcbios images.
var ipxeBuildFixes = map[string][]string{
	"amd64": {
		`echo  "CFLAGS   += -fno-pie" >> arch/x86/Makefile.pcbios`,
		`echo  "LDFLAGS  += -no-pie" >> arch/x86/Makefile.pcbios`,
		`echo "#undef COMSPEED" >> config/local/serial.h`,
		`echo "#define COMSPEED 1000000" >> config/local/serial.h`,
		`echo "#undef LOG_LEVEL" >> config/local/serial.h`,
		`echo "#define LOG_LEVEL LOG_ALL" >> config/local/serial.h`,
	},
	"arm64": {
		`echo "#undef COMSPEED" >> config/local/serial.h`,
		`echo "#define COMSPEED 1000000" >> config/local/serial.h`,
		`echo "#undef LOG_LEVEL" >> config/local/serial.h`,
		`echo "#define LOG_LEVEL LOG_ALL" >> config/local/serial.h`,
	},
}

// BuildIPXE clones the ipxe repo at a chosen commit, applies the build
// options and fixes for the target arch, and produces a binary, an
// iso, and a nomenu iso without the embedded stage1.
type BuildIPXE struct {
	deps Deps
	spec Spec

	buildID   string
	buildDir  string
	workspace string
	log       *BuildLog
	shell     *Shell

	// set by setup_build_info and get_ipxe_repo
	arch           string
	commitID       string
	stage1File     string
	targets        []buildTarget
	repoDir        string
	buildTimestamp string
}

// NewBuildIPXE prepares a build task. Each run gets a fresh build id
// independent of the task id, because builds outlive tasks.
func NewBuildIPXE(deps Deps, spec Spec) (Task, error) {
	buildID := uuid.NewString()
	buildDir := filepath.Join(deps.Paths.IPXEBuilds, buildID)
	log := NewBuildLog(filepath.Join(buildDir, "build.log"))
	return &BuildIPXE{
		deps:      deps,
		spec:      spec,
		buildID:   buildID,
		buildDir:  buildDir,
		workspace: deps.TempRoot(spec.ID),
		log:       log,
		shell:     NewShell(log),
	}, nil
}

func (t *BuildIPXE) RequiredKeys() []string {
	return []string{"name", "comment", "commit_id", "arch", "stage1_file"}
}

func (t *BuildIPXE) LogFile() string { return t.log.Path() }

// Cleanup removes the clone workspace. The build directory stays; it
// is the product.
func (t *BuildIPXE) Cleanup() error {
	return os.RemoveAll(t.workspace)
}

func (t *BuildIPXE) Subtasks() []Subtask {
	return []Subtask{
		{Name: "check_dependencies", Description: "Checking build dependencies", Progress: 1, Run: t.checkDependencies},
		{Name: "setup_build_info", Description: "Setting up build information", Progress: 3, Run: t.setupBuildInfo},
		{Name: "get_ipxe_repo", Description: "Cloning ipxe repo", Progress: 15, Run: t.getIPXERepo},
		{Name: "apply_build_options", Description: "Applying Build Options", Progress: 25, Run: t.applyBuildOptions},
		{Name: "apply_build_fixes", Description: "Applying Build Fixes", Progress: 30, Run: t.applyBuildFixes},
		{Name: "build_all_targets", Description: "Building All Targets", Progress: 75, Run: t.buildAllTargets},
		{Name: "write_metadata", Description: "Writing Metadata", Progress: 80, Run: t.writeMetadata},
		{Name: "calculate_checksums", Description: "Calculating Checksums", Progress: 95, Run: t.calculateChecksums},
	}
}

func (t *BuildIPXE) checkDependencies(context.Context) bool {
	if runtime.GOOS != "linux" {
		logger.Error("only support building ipxe binaries on Linux host")
		return false
	}
	if missing := MissingDependencies(ipxeBuildDependencies); len(missing) > 0 {
		logger.Error("ipxe build needs some commands which are missing", "missing", missing)
		logger.Error(ipxeBuildDepHelp)
		return false
	}
	return true
}

func (t *BuildIPXE) setupBuildInfo(context.Context) bool {
	if err := os.MkdirAll(t.buildDir, 0o755); err != nil {
		logger.Error("unable to create build directory", "dir", t.buildDir, "error", err)
		return false
	}
	t.log.Printf("Starting build at %s", timestamp.Now())

	stage1Name := t.spec.PayloadString("stage1_file")
	if stage1Name == "default" {
		// Materialize the builtin so make can EMBED it.
		t.stage1File = filepath.Join(t.workspace, "netboot-studio-stage1.ipxe")
		if err := os.MkdirAll(t.workspace, 0o755); err != nil {
			t.log.Errorf("unable to create workspace: %s", err)
			return false
		}
		if err := os.WriteFile(t.stage1File, []byte(builtinStage1), 0o644); err != nil {
			t.log.Errorf("unable to write builtin stage1 file: %s", err)
			return false
		}
	} else {
		t.stage1File = filepath.Join(t.deps.Paths.Stage1Files, stage1Name)
	}
	if _, err := os.Stat(t.stage1File); err != nil {
		t.log.Errorf("stage1 file does not exist: %s", t.stage1File)
		return false
	}

	t.arch = t.spec.PayloadString("arch")
	targets, ok := ipxeBuildTargets[t.arch]
	if !ok {
		t.log.Errorf("dont know how to build ipxe for arch: %s", t.arch)
		return false
	}
	t.targets = targets
	t.commitID = t.spec.PayloadString("commit_id")
	if t.commitID == "" {
		t.commitID = ipxeDefaultCommit
	}
	t.buildTimestamp = timestamp.Now()
	return true
}

func (t *BuildIPXE) getIPXERepo(ctx context.Context) bool {
	if err := os.MkdirAll(t.workspace, 0o755); err != nil {
		t.log.Errorf("unable to create workspace: %s", err)
		return false
	}
	if err := t.shell.Run(ctx, t.workspace, fmt.Sprintf("git clone %s", ipxeRepoURL)); err != nil {
		t.log.Errorf("failed to clone ipxe repo!")
		return false
	}
	repo := filepath.Join(t.workspace, "ipxe")
	commitTimestamp, err := t.shell.Output(ctx, repo,
		fmt.Sprintf(`git log --graph --pretty=format:'%%h,%%ci'|grep %s|cut -c12-`, t.commitID))
	if err != nil {
		t.log.Errorf("failed to find commit in history: %s", t.commitID)
		return false
	}
	t.log.Printf("checking out commit %s (%s)", t.commitID, strings.TrimSpace(commitTimestamp))
	if err := t.shell.Run(ctx, repo, fmt.Sprintf("git checkout %s", t.commitID)); err != nil {
		t.log.Errorf("failed to check out commit: %s", t.commitID)
		return false
	}
	t.repoDir = filepath.Join(repo, "src")
	return true
}

func (t *BuildIPXE) applyBuildOptions(ctx context.Context) bool {
	t.log.Printf("applying ipxe build options for arch: %s", t.arch)
	archOptions := ipxeArchOptions[t.arch]
	for _, opt := range append(append([]buildOption(nil), ipxeCommonOptions.enable...), archOptions.enable...) {
		if !t.setBuildOption(ctx, "#define", opt) {
			return false
		}
	}
	for _, opt := range append(append([]buildOption(nil), ipxeCommonOptions.disable...), archOptions.disable...) {
		if !t.setBuildOption(ctx, "#undef", opt) {
			return false
		}
	}
	return true
}

func (t *BuildIPXE) setBuildOption(ctx context.Context, directive string, opt buildOption) bool {
	t.log.Printf("setting ipxe build option: %s %s in file: %s", directive, opt.name, opt.file)
	cmd := fmt.Sprintf(`echo "%s %s" >> "config/local/%s"`, directive, opt.name, opt.file)
	if err := t.shell.Run(ctx, t.repoDir, cmd); err != nil {
		t.log.Errorf("failed to set ipxe build option: %s in file %s", opt.name, opt.file)
		return false
	}
	return true
}

func (t *BuildIPXE) applyBuildFixes(ctx context.Context) bool {
	t.log.Printf("applying ipxe build fixes for arch: %s", t.arch)
	for _, fix := range ipxeBuildFixes[t.arch] {
		if err := t.shell.Run(ctx, t.repoDir, fix); err != nil {
			return false
		}
	}
	return true
}

func (t *BuildIPXE) buildAllTargets(ctx context.Context) bool {
	for _, target := range t.targets {
		t.log.Printf("building ipxe target: %s -> %s", target.target, target.result)
		embed := t.makeCommand(target.target, true)
		if err := t.shell.Run(ctx, t.repoDir, embed); err != nil {
			t.log.Errorf("failed ipxe build for target: %s", target.target)
			return false
		}
		if err := copyFile(filepath.Join(t.repoDir, target.target), filepath.Join(t.buildDir, target.result)); err != nil {
			t.log.Errorf("failed to copy built file into build_dir: %s", err)
			return false
		}
		if target.result != "ipxe.iso" {
			continue
		}
		// The iso is also built without the embedded stage1, for
		// burning to media that should boot to the interactive shell.
		if err := t.shell.Run(ctx, t.repoDir, t.makeCommand(target.target, false)); err != nil {
			t.log.Errorf("failed ipxe nomenu build for target: %s", target.target)
			return false
		}
		if err := copyFile(filepath.Join(t.repoDir, target.target), filepath.Join(t.buildDir, "ipxe-nomenu.iso")); err != nil {
			t.log.Errorf("failed to copy built nomenu file into build_dir: %s", err)
			return false
		}
	}
	return true
}

// makeCommand assembles the make invocation for one target, optionally
// embedding the stage1 script.
func (t *BuildIPXE) makeCommand(target string, embed bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "make -k %s %s ", ipxeMakeArgs, target)
	if embed {
		fmt.Fprintf(&b, `"EMBED=%s" `, t.stage1File)
	}
	fmt.Fprintf(&b, `"CERT=%s" "TRUST=%s" `, t.deps.Paths.FullChain, t.deps.Paths.CACert)
	if t.arch == "arm64" {
		b.WriteString(`"CROSS_COMPILE=aarch64-linux-gnu-" "ARCH=arm64" `)
	}
	return b.String()
}

func (t *BuildIPXE) writeMetadata(context.Context) bool {
	t.log.Printf("writing metadata.json")
	meta := files.BuildMetadata{
		BuildID:        t.buildID,
		CommitID:       t.spec.PayloadString("commit_id"),
		BuildTimestamp: t.buildTimestamp,
		BuildName:      t.spec.PayloadString("name"),
		Stage1:         t.spec.PayloadString("stage1_file"),
		Comment:        t.spec.PayloadString("comment"),
		Arch:           t.spec.PayloadString("arch"),
	}
	if err := writeJSONFile(filepath.Join(t.buildDir, "metadata.json"), meta); err != nil {
		t.log.Errorf("unable to write metadata.json: %s", err)
		return false
	}
	return true
}

func (t *BuildIPXE) calculateChecksums(context.Context) bool {
	t.log.Printf("generating checksums for ipxe artifacts")
	dirents, err := os.ReadDir(t.buildDir)
	if err != nil {
		t.log.Errorf("unable to list build dir: %s", err)
		return false
	}
	names := make([]string, 0, len(dirents))
	for _, de := range dirents {
		if de.Name() == "checksums.txt" {
			continue
		}
		names = append(names, de.Name())
	}
	sort.Strings(names)
	var lines strings.Builder
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(t.buildDir, name))
		if err != nil {
			t.log.Errorf("unable to read artifact %s: %s", name, err)
			return false
		}
		fmt.Fprintf(&lines, "%s %x\n", name, md5.Sum(raw))
	}
	if err := os.WriteFile(filepath.Join(t.buildDir, "checksums.txt"), []byte(lines.String()), 0o644); err != nil {
		t.log.Errorf("unable to write checksums.txt: %s", err)
		return false
	}
	return true
}
