// Package recorder loads, validates and saves the Frigate configuration file.
package recorder

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config is the subset of the Frigate configuration that nvrpanel manages.
type Config struct {
	// MQTT configures the event broker connection.
	MQTT MQTT `json:"mqtt"`
	// Detectors lists the inference devices in file order.
	Detectors []Detector `json:"detectors"`
	// Model describes the detection model fed to the detectors.
	Model Model `json:"model"`
	// FFmpeg holds global decoder settings.
	FFmpeg FFmpeg `json:"ffmpeg"`
	// Cameras lists camera entries in file order.
	Cameras []Camera `json:"cameras"`
	// Version is the config schema version understood by the recorder.
	Version string `json:"version"`
	// Extra carries top-level keys nvrpanel does not manage.
	Extra map[string]any `json:"extra,omitempty"`

	// src is the document this config was parsed from. Marshal writes over
	// it so nested keys outside the model survive a save.
	src *yaml.Node
}

// MQTT configures the broker connection.
type MQTT struct {
	Enabled     bool   `json:"enabled"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	User        string `json:"user"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
}

// Detector is one named inference device.
type Detector struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Device string `json:"device"`
}

// Model describes the detection model.
type Model struct {
	ModelType    string `json:"model_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	InputTensor  string `json:"input_tensor"`
	InputDType   string `json:"input_dtype"`
	Path         string `json:"path"`
	LabelmapPath string `json:"labelmap_path"`
}

// FFmpeg holds global decoder settings.
type FFmpeg struct {
	// HWAccelArgs is a preset name such as preset-vaapi.
	HWAccelArgs string `json:"hwaccel_args"`
}

// Camera is one camera entry.
type Camera struct {
	ID        string    `json:"id"`
	StreamURL string    `json:"stream_url"`
	Roles     []string  `json:"roles"`
	Detect    Detect    `json:"detect"`
	Objects   []string  `json:"objects"`
	Zones     []Zone    `json:"zones"`
	Record    Record    `json:"record"`
	Snapshots Snapshots `json:"snapshots"`
	// Extra carries camera keys nvrpanel does not manage, such as motion masks.
	Extra map[string]any `json:"extra,omitempty"`
}

// Detect holds per-camera detection parameters.
type Detect struct {
	Enabled bool `json:"enabled"`
	Width   int  `json:"width"`
	Height  int  `json:"height"`
	FPS     int  `json:"fps"`
}

// Zone is a named polygon within a camera frame.
type Zone struct {
	Name        string   `json:"name"`
	Coordinates []Point  `json:"coordinates"`
	Objects     []string `json:"objects"`
}

// Point is one polygon vertex.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Record holds recording retention.
type Record struct {
	Enabled              bool `json:"enabled"`
	AlertsRetainDays     int  `json:"alerts_retain_days"`
	DetectionsRetainDays int  `json:"detections_retain_days"`
}

// Snapshots holds snapshot settings.
type Snapshots struct {
	Enabled     bool `json:"enabled"`
	BoundingBox bool `json:"bounding_box"`
	RetainDays  int  `json:"retain_days"`
}

// Roles a camera input may carry.
const (
	RoleDetect = "detect"
	RoleRecord = "record"
	RoleAudio  = "audio"
)

// DefaultVersion is the config version written for new files.
const DefaultVersion = "0.17-0"

// Default returns the configuration written when no file exists yet. It has
// no cameras, so it does not validate until one is added.
func Default() *Config {
	return &Config{
		MQTT: MQTT{Port: 1883},
		Detectors: []Detector{
			{Name: "memx0", Type: "memryx", Device: "PCIe:0"},
		},
		Model: Model{
			ModelType:    "yolo-generic",
			Width:        320,
			Height:       320,
			InputTensor:  "nchw",
			InputDType:   "float",
			LabelmapPath: "/labelmap/coco-80.txt",
		},
		Version: DefaultVersion,
	}
}

// NewCamera returns a camera with the recorder's default detection settings.
func NewCamera(id, streamURL string) Camera {
	return Camera{
		ID:        id,
		StreamURL: streamURL,
		Roles:     []string{RoleDetect},
		Detect:    Detect{Enabled: true, Width: 1280, Height: 720, FPS: 5},
		Objects:   []string{"person", "car"},
		Snapshots: Snapshots{BoundingBox: true},
	}
}

// Camera returns the camera with the given id.
func (c *Config) Camera(id string) (*Camera, bool) {
	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			return &c.Cameras[i], true
		}
	}
	return nil, false
}

// AddCamera appends cam. Ids must stay unique.
func (c *Config) AddCamera(cam Camera) error {
	if _, ok := c.Camera(cam.ID); ok {
		return fmt.Errorf("camera %q already exists", cam.ID)
	}
	c.Cameras = append(c.Cameras, cam)
	return nil
}

// RemoveCamera deletes the camera with the given id.
func (c *Config) RemoveCamera(id string) bool {
	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			c.Cameras = append(c.Cameras[:i], c.Cameras[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Detectors = append([]Detector(nil), c.Detectors...)
	if c.Cameras != nil {
		out.Cameras = make([]Camera, len(c.Cameras))
		for i, cam := range c.Cameras {
			out.Cameras[i] = cam.clone()
		}
	}
	out.Extra = cloneExtra(c.Extra)
	return &out
}

func (cam Camera) clone() Camera {
	out := cam
	out.Roles = append([]string(nil), cam.Roles...)
	out.Objects = append([]string(nil), cam.Objects...)
	out.Extra = cloneExtra(cam.Extra)
	if cam.Zones != nil {
		out.Zones = make([]Zone, len(cam.Zones))
		for i, z := range cam.Zones {
			out.Zones[i] = Zone{
				Name:        z.Name,
				Coordinates: append([]Point(nil), z.Coordinates...),
				Objects:     append([]string(nil), z.Objects...),
			}
		}
	}
	return out
}

// cloneExtra copies the top level of m. Nested values are shared and treated
// as read-only.
func cloneExtra(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
