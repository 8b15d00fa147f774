package lifecycle

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/nvrpanel/internal/fsutil"
)

// ComposeSpec describes the recorder service written to the compose file.
type ComposeSpec struct {
	Service       string
	Image         string
	ContainerName string
	Restart       string
	Privileged    bool
	ShmSize       string
	CacheSize     int64 // tmpfs bytes for /tmp/cache
	ConfigDir     string
	Devices       []string
	RTSPPassword  string
	Ports         []string
	Volumes       []string // extra host:container mounts
}

// DefaultComposeSpec returns the service layout used by the MemryX build of
// the recorder.
func DefaultComposeSpec(image, containerName, configDir string, devices []string) *ComposeSpec {
	return &ComposeSpec{
		Service:       "frigate",
		Image:         image,
		ContainerName: containerName,
		Restart:       "unless-stopped",
		Privileged:    true,
		ShmSize:       "256mb",
		CacheSize:     1000000000,
		ConfigDir:     configDir,
		Devices:       devices,
		RTSPPassword:  "password",
		Ports: []string{
			"8971:8971",
			"8554:8554",
			"5000:5000",
			"8555:8555/tcp",
			"8555:8555/udp",
		},
		Volumes: []string{"/run/mxa_manager:/run/mxa_manager"},
	}
}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Image         string            `yaml:"image"`
	ContainerName string            `yaml:"container_name,omitempty"`
	Restart       string            `yaml:"restart,omitempty"`
	Privileged    bool              `yaml:"privileged,omitempty"`
	ShmSize       string            `yaml:"shm_size,omitempty"`
	Devices       []string          `yaml:"devices,omitempty"`
	Volumes       []composeVolume   `yaml:"volumes,omitempty"`
	Ports         []string          `yaml:"ports,omitempty"`
	Environment   map[string]string `yaml:"environment,omitempty"`
}

type composeVolume struct {
	Type   string        `yaml:"type"`
	Source string        `yaml:"source,omitempty"`
	Target string        `yaml:"target"`
	Tmpfs  *composeTmpfs `yaml:"tmpfs,omitempty"`
}

type composeTmpfs struct {
	Size int64 `yaml:"size"`
}

// Render returns the compose document.
func (s *ComposeSpec) Render() ([]byte, error) {
	if s.Image == "" {
		return nil, fmt.Errorf("compose: image is required")
	}
	svc := composeService{
		Image:         s.Image,
		ContainerName: s.ContainerName,
		Restart:       s.Restart,
		Privileged:    s.Privileged,
		ShmSize:       s.ShmSize,
		Ports:         s.Ports,
	}
	for _, d := range s.Devices {
		svc.Devices = append(svc.Devices, d+":"+d)
	}
	if s.ConfigDir != "" {
		svc.Volumes = append(svc.Volumes, composeVolume{Type: "bind", Source: s.ConfigDir, Target: "/config"})
	}
	for _, v := range s.Volumes {
		src, dst, ok := strings.Cut(v, ":")
		if !ok || src == "" || dst == "" {
			return nil, fmt.Errorf("compose: volume %q must be host:container", v)
		}
		svc.Volumes = append(svc.Volumes, composeVolume{Type: "bind", Source: src, Target: dst})
	}
	if s.CacheSize > 0 {
		svc.Volumes = append(svc.Volumes, composeVolume{Type: "tmpfs", Target: "/tmp/cache", Tmpfs: &composeTmpfs{Size: s.CacheSize}})
	}
	if s.RTSPPassword != "" {
		svc.Environment = map[string]string{"FRIGATE_RTSP_PASSWORD": s.RTSPPassword}
	}

	service := s.Service
	if service == "" {
		service = "frigate"
	}
	var buf bytes.Buffer
	buf.WriteString("# Generated by nvrpanel. Changes are overwritten on the next start.\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(composeFile{Services: map[string]composeService{service: svc}}); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteIfChanged renders the spec to path unless the file already holds the
// same content. It reports whether the file was written.
func (s *ComposeSpec) WriteIfChanged(path string) (bool, error) {
	data, err := s.Render()
	if err != nil {
		return false, err
	}
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, data) {
		return false, nil
	}
	if err := fsutil.WriteFileAtomic(path, data, 0644); err != nil {
		return false, fmt.Errorf("writing compose file: %w", err)
	}
	return true, nil
}
