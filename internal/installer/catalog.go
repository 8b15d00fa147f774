package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fentz26/nvrpanel/internal/connectors"
	"github.com/fentz26/nvrpanel/internal/fsutil"
)

// Step ids of the default catalog.
const (
	StepDockerRepo      = "docker-repo"
	StepDockerEngine    = "docker-engine"
	StepDockerService   = "docker-service"
	StepDockerGroup     = "docker-group"
	StepMemryXRepo      = "memryx-repo"
	StepMemryXBuildDeps = "memryx-build-deps"
	StepMemryXDrivers   = "memryx-drivers"
	StepMemryXARMSetup  = "memryx-arm-setup"
	StepMemryXRuntime   = "memryx-runtime"
	StepHWAccelTools    = "hwaccel-tools"
	StepFrigateSource   = "frigate-source"
	StepFrigateImage    = "frigate-image"
)

// Privilege wrappers for commands that need root.
const (
	PrivilegeSudo   = "sudo"
	PrivilegePkexec = "pkexec"
	PrivilegeNone   = "none"
)

const checkTimeout = 30 * time.Second

const (
	dockerList = "/etc/apt/sources.list.d/docker.list"
	memryxList = "/etc/apt/sources.list.d/memryx.list"
)

// CatalogConfig parameterizes DefaultSteps.
type CatalogConfig struct {
	Privilege    string // sudo, pkexec or none
	User         string // added to the docker group
	Arch         string // GOARCH naming; arm64 adds the ARM setup step
	SDKVersion   string // MemryX package version prefix
	InstallDir   string // parent of the recorder source checkout
	RepoURL      string
	Image        string
	RecorderVer  string // written to the source tree's version.py
	HWAccel      bool
	Retries      int
	StepTimeout  time.Duration
	BuildTimeout time.Duration
}

func (c *CatalogConfig) setDefaults() {
	if c.Privilege == "" {
		c.Privilege = PrivilegeSudo
	}
	if c.User == "" {
		c.User = currentUser()
	}
	if c.Arch == "" {
		c.Arch = runtime.GOARCH
	}
	if c.SDKVersion == "" {
		c.SDKVersion = "2.1"
	}
	if c.InstallDir == "" {
		c.InstallDir = "."
	}
	if c.RepoURL == "" {
		c.RepoURL = "https://github.com/blakeblackshear/frigate.git"
	}
	if c.Image == "" {
		c.Image = "frigate"
	}
	if c.RecorderVer == "" {
		c.RecorderVer = "0.16.0-2458f667"
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Minute
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = 120 * time.Minute
	}
}

// SourceDir is where the recorder source is checked out.
func (c CatalogConfig) SourceDir() string {
	return filepath.Join(c.InstallDir, "frigate")
}

const dockerRepoScript = `set -e
apt-get update
apt-get install -y ca-certificates curl
install -m 0755 -d /etc/apt/keyrings
curl -fsSL https://download.docker.com/linux/ubuntu/gpg -o /etc/apt/keyrings/docker.asc
chmod a+r /etc/apt/keyrings/docker.asc
. /etc/os-release
echo "deb [arch=$(dpkg --print-architecture) signed-by=/etc/apt/keyrings/docker.asc] https://download.docker.com/linux/ubuntu ${UBUNTU_CODENAME:-$VERSION_CODENAME} stable" > ` + dockerList + `
apt-get update`

const memryxRepoScript = `set -e
curl -fsSL https://developer.memryx.com/deb/memryx.asc | gpg --dearmor --yes -o /etc/apt/trusted.gpg.d/memryx.gpg
chmod 644 /etc/apt/trusted.gpg.d/memryx.gpg
echo 'deb https://developer.memryx.com/deb stable main' > ` + memryxList + `
apt-get update`

// DefaultSteps returns the Docker, MemryX SDK and recorder image steps in
// dependency order.
func DefaultSteps(cfg CatalogConfig) []Step {
	cfg.setDefaults()
	sdk := cfg.SDKVersion + ".*"
	src := cfg.SourceDir()

	steps := []Step{
		{
			ID:       StepDockerRepo,
			Label:    "Add the Docker apt repository",
			Check:    Any(CommandSucceeds("docker", "--version"), FileExists(dockerList)),
			Commands: []connectors.Command{cfg.privileged("bash", "-c", dockerRepoScript)},
		},
		{
			ID:    StepDockerEngine,
			Label: "Install Docker Engine and Compose",
			Check: All(CommandSucceeds("docker", "--version"), CommandSucceeds("docker", "compose", "version")),
			Commands: []connectors.Command{cfg.privileged("apt-get", "install", "-y",
				"docker-ce", "docker-ce-cli", "containerd.io", "docker-buildx-plugin", "docker-compose-plugin")},
		},
		{
			ID:    StepDockerService,
			Label: "Enable the Docker service",
			Check: CommandSucceeds("systemctl", "is-active", "--quiet", "docker"),
			Commands: []connectors.Command{
				cfg.privileged("systemctl", "enable", "--now", "containerd"),
				cfg.privileged("systemctl", "enable", "--now", "docker"),
			},
		},
		{
			ID:    StepDockerGroup,
			Label: fmt.Sprintf("Add %s to the docker group", cfg.User),
			Check: OutputContains("docker", "id", "-nG", cfg.User),
			Commands: []connectors.Command{
				cfg.privileged("groupadd", "-f", "docker"),
				cfg.privileged("usermod", "-aG", "docker", cfg.User),
			},
		},
		{
			ID:       StepMemryXRepo,
			Label:    "Add the MemryX apt repository",
			Check:    Any(PackageVersion("memx-drivers", cfg.SDKVersion), FileExists(memryxList)),
			Commands: []connectors.Command{cfg.privileged("bash", "-c", memryxRepoScript)},
		},
		{
			ID:       StepMemryXBuildDeps,
			Label:    "Install DKMS and kernel headers",
			Check:    All(PackageInstalled("dkms"), KernelHeaders()),
			Commands: []connectors.Command{cfg.privileged("bash", "-c", `apt-get install -y dkms "linux-headers-$(uname -r)"`)},
		},
		{
			ID:    StepMemryXDrivers,
			Label: "Install MemryX drivers " + cfg.SDKVersion,
			Check: PackageVersion("memx-drivers", cfg.SDKVersion),
			Commands: []connectors.Command{
				cfg.privileged("apt-get", "install", "-y", "--allow-change-held-packages", "memx-drivers="+sdk),
			},
		},
	}

	if isARM(cfg.Arch) {
		steps = append(steps, Step{
			ID:       StepMemryXARMSetup,
			Label:    "Run the MemryX ARM board setup",
			Commands: []connectors.Command{cfg.privileged("mx_arm_setup")},
		})
	}

	steps = append(steps, Step{
		ID:    StepMemryXRuntime,
		Label: "Install the MemryX runtime " + cfg.SDKVersion,
		Check: All(
			PackageVersion("memx-accl", cfg.SDKVersion),
			PackageVersion("mxa-manager", cfg.SDKVersion),
			OutputContains("memx-drivers", "apt-mark", "showhold"),
		),
		Commands: []connectors.Command{
			cfg.privileged("apt-get", "install", "-y", "--allow-change-held-packages", "memx-accl="+sdk, "mxa-manager="+sdk),
			cfg.privileged("apt-mark", "hold", "memx-drivers", "memx-accl", "mxa-manager"),
		},
	})

	if cfg.HWAccel {
		pkgs := []string{"ffmpeg", "vainfo", "mesa-va-drivers"}
		if !isARM(cfg.Arch) {
			pkgs = append(pkgs, "intel-media-va-driver", "i965-va-driver")
		}
		steps = append(steps, Step{
			ID:       StepHWAccelTools,
			Label:    "Install hardware video acceleration tools",
			Check:    All(PackageInstalled("ffmpeg"), PackageInstalled("vainfo")),
			Commands: []connectors.Command{cfg.privileged("apt-get", append([]string{"install", "-y"}, pkgs...)...)},
		})
	}

	steps = append(steps,
		Step{
			ID:    StepFrigateSource,
			Label: "Clone the Frigate source",
			Check: FileExists(filepath.Join(src, ".git")),
			Prepare: func(context.Context) error {
				return os.MkdirAll(cfg.InstallDir, 0755)
			},
			Commands: []connectors.Command{{Name: "git", Args: []string{"clone", cfg.RepoURL, src}, Dir: cfg.InstallDir}},
		},
		Step{
			ID:    StepFrigateImage,
			Label: "Build the Frigate image",
			Check: CommandSucceeds("docker", "image", "inspect", cfg.Image),
			Prepare: func(context.Context) error {
				return WriteVersionFile(src, cfg.RecorderVer)
			},
			Commands: []connectors.Command{{
				Name:    "docker",
				Args:    []string{"build", "-t", cfg.Image, "-f", "docker/main/Dockerfile", "."},
				Dir:     src,
				Timeout: cfg.BuildTimeout,
			}},
		},
	)

	for i := range steps {
		steps[i].Retries = cfg.Retries
		steps[i].Timeout = cfg.StepTimeout
	}
	return steps
}

// WriteVersionFile writes the version module the recorder's image build
// expects in its source tree.
func WriteVersionFile(srcDir, version string) error {
	path := filepath.Join(srcDir, "frigate", "version.py")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, []byte(fmt.Sprintf("VERSION = %q\n", version)), 0644)
}

func (c CatalogConfig) privileged(name string, args ...string) connectors.Command {
	switch c.Privilege {
	case PrivilegeNone:
		return connectors.Command{Name: name, Args: args}
	case PrivilegePkexec:
		return connectors.Command{Name: "pkexec", Args: append([]string{name}, args...)}
	default:
		return connectors.Command{Name: "sudo", Args: append([]string{"-n", name}, args...)}
	}
}

func isARM(arch string) bool {
	switch strings.ToLower(arch) {
	case "arm64", "aarch64":
		return true
	}
	return false
}

func currentUser() string {
	for _, k := range []string{"SUDO_USER", "USER", "LOGNAME"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return "root"
}
