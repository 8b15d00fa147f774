// Package prereq probes the host for the tools the recorder stack needs.
package prereq

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fentz26/nvrpanel/internal/connectors"
	"github.com/fentz26/nvrpanel/internal/models"
)

// Capability names reported by the default probes.
const (
	Docker        = "docker"
	DockerDaemon  = "docker-daemon"
	DockerCompose = "docker-compose"
	MemxDrivers   = "memx-drivers"
	MemxAccl      = "memx-accl"
	MxaManager    = "mxa-manager"
	MemryXDevice  = "memryx-device"
)

// Probe queries one capability.
type Probe struct {
	Capability string
	Command    connectors.Command
	// Parse extracts presence and version from the result. Absent or
	// unparseable output must yield present=false rather than an error.
	Parse func(res *connectors.Result) (present bool, version string)
}

// Options configures a Checker.
type Options struct {
	Probes  []Probe
	Timeout time.Duration
	// Requirements maps capability to a required version prefix.
	Requirements map[string]string
	// Devices lists accelerator device nodes. Defaults to globbing /dev/memx*.
	Devices func() ([]string, error)
	Logger  *slog.Logger
}

// Checker builds PrerequisiteReports. It has no side effects.
type Checker struct {
	exec   connectors.Executor
	opts   Options
	logger *slog.Logger
}

// NewChecker creates a checker using exec for every probe.
func NewChecker(exec connectors.Executor, opts Options) *Checker {
	if opts.Probes == nil {
		opts.Probes = DefaultProbes()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Devices == nil {
		opts.Devices = GlobDevices
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{exec: exec, opts: opts, logger: logger.With("component", "prereq")}
}

// DefaultProbes returns the probes for Docker, Compose and the MemryX SDK.
func DefaultProbes() []Probe {
	return []Probe{
		{
			Capability: Docker,
			Command:    connectors.Command{Name: "docker", Args: []string{"--version"}},
			Parse:      parseVersionOutput,
		},
		{
			Capability: DockerDaemon,
			Command:    connectors.Command{Name: "docker", Args: []string{"info", "--format", "{{.ServerVersion}}"}},
			Parse:      parseVersionOutput,
		},
		{
			Capability: DockerCompose,
			Command:    connectors.Command{Name: "docker", Args: []string{"compose", "version"}},
			Parse:      parseVersionOutput,
		},
		dpkgProbe(MemxDrivers),
		dpkgProbe(MemxAccl),
		dpkgProbe(MxaManager),
	}
}

func dpkgProbe(pkg string) Probe {
	return Probe{
		Capability: pkg,
		Command:    connectors.Command{Name: "dpkg-query", Args: []string{"-W", "-f=${Version}", pkg}},
		Parse:      parseVersionOutput,
	}
}

// Check runs every probe concurrently and returns a fresh report.
func (c *Checker) Check(ctx context.Context) *models.PrerequisiteReport {
	statuses := make([]models.CapabilityStatus, len(c.opts.Probes)+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range c.opts.Probes {
		i, p := i, p
		g.Go(func() error {
			statuses[i] = c.runProbe(gctx, p)
			return nil
		})
	}
	g.Go(func() error {
		statuses[len(statuses)-1] = c.deviceStatus()
		return nil
	})
	_ = g.Wait()

	return &models.PrerequisiteReport{
		CheckedAt:    time.Now().UTC(),
		Capabilities: statuses,
	}
}

func (c *Checker) runProbe(ctx context.Context, p Probe) models.CapabilityStatus {
	st := models.CapabilityStatus{Name: p.Capability}

	cmd := p.Command
	if cmd.Timeout <= 0 {
		cmd.Timeout = c.opts.Timeout
	}
	res, err := c.exec.Run(ctx, cmd)
	if err != nil {
		st.Detail = err.Error()
		c.logger.Debug("probe failed", "capability", p.Capability, "error", err)
		return st
	}

	st.Present, st.Version = p.Parse(res)
	if !st.Present {
		st.Detail = firstLine(res.Diagnostics())
		return st
	}
	c.applyRequirement(&st)
	return st
}

func (c *Checker) applyRequirement(st *models.CapabilityStatus) {
	st.Compatible = true
	want, ok := c.opts.Requirements[st.Name]
	if !ok || want == "" {
		return
	}
	if !VersionMatches(st.Version, want) {
		st.Compatible = false
		st.Detail = fmt.Sprintf("version %s does not satisfy %s.x", st.Version, want)
	}
}

func (c *Checker) deviceStatus() models.CapabilityStatus {
	st := models.CapabilityStatus{Name: MemryXDevice}
	devices, err := c.opts.Devices()
	if err != nil {
		st.Detail = err.Error()
		return st
	}
	if len(devices) == 0 {
		st.Detail = "no /dev/memx* device found"
		return st
	}
	st.Present = true
	st.Compatible = true
	st.Detail = strings.Join(devices, ", ")
	return st
}

// GlobDevices lists /dev/memx* accelerator nodes, skipping the _feature
// control nodes the driver also creates.
func GlobDevices() ([]string, error) {
	matches, err := filepath.Glob("/dev/memx*")
	if err != nil {
		return nil, err
	}
	return FilterDevices(matches), nil
}

// FilterDevices drops non-device control nodes and sorts the rest.
func FilterDevices(paths []string) []string {
	var out []string
	for _, p := range paths {
		if strings.Contains(filepath.Base(p), "_feature") {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

var versionRe = regexp.MustCompile(`v?(\d+\.\d+(?:\.\d+)?)`)

// ParseVersion extracts the first dotted version from free-form output such
// as "Docker version 24.0.7, build afdd53b" or "Docker Compose version v2.21.0".
func ParseVersion(out string) (string, bool) {
	m := versionRe.FindStringSubmatch(out)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func parseVersionOutput(res *connectors.Result) (bool, string) {
	if !res.OK() {
		return false, ""
	}
	v, ok := ParseVersion(strings.TrimSpace(res.Stdout))
	if !ok {
		return false, ""
	}
	return true, v
}

// VersionMatches reports whether version equals prefix or continues it
// with a dot, so 2.1.0 matches 2.1 but 2.10.0 does not.
func VersionMatches(version, prefix string) bool {
	return version == prefix || strings.HasPrefix(version, prefix+".")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
