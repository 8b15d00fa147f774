package recorder

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Wire shapes follow the recorder's own config layout.

type mqttWire struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host,omitempty"`
	Port        int    `yaml:"port,omitempty"`
	User        string `yaml:"user,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"`
}

type detectorWire struct {
	Type   string `yaml:"type"`
	Device string `yaml:"device,omitempty"`
}

type modelWire struct {
	ModelType    string `yaml:"model_type,omitempty"`
	Width        int    `yaml:"width,omitempty"`
	Height       int    `yaml:"height,omitempty"`
	InputTensor  string `yaml:"input_tensor,omitempty"`
	InputDType   string `yaml:"input_dtype,omitempty"`
	Path         string `yaml:"path,omitempty"`
	LabelmapPath string `yaml:"labelmap_path,omitempty"`
}

type ffmpegWire struct {
	HWAccelArgs string `yaml:"hwaccel_args,omitempty"`
}

type inputWire struct {
	Path  string   `yaml:"path"`
	Roles []string `yaml:"roles"`
}

type cameraFFmpegWire struct {
	Inputs []inputWire `yaml:"inputs"`
}

type detectWire struct {
	Enabled bool `yaml:"enabled"`
	Width   int  `yaml:"width,omitempty"`
	Height  int  `yaml:"height,omitempty"`
	FPS     int  `yaml:"fps,omitempty"`
}

type objectsWire struct {
	Track []string `yaml:"track,omitempty"`
}

type retainDaysWire struct {
	Retain struct {
		Days int `yaml:"days"`
	} `yaml:"retain"`
}

type recordWire struct {
	Enabled    bool           `yaml:"enabled"`
	Alerts     retainDaysWire `yaml:"alerts"`
	Detections retainDaysWire `yaml:"detections"`
}

type snapshotsWire struct {
	Enabled     bool `yaml:"enabled"`
	BoundingBox bool `yaml:"bounding_box"`
	Retain      struct {
		Default int `yaml:"default"`
	} `yaml:"retain"`
}

type zoneWire struct {
	Coordinates yaml.Node `yaml:"coordinates"`
	Objects     []string  `yaml:"objects,omitempty"`
}

// Unmarshal parses a recorder config document. Duplicate keys in the
// top-level, camera, detector and zone mappings are rejected.
func Unmarshal(data []byte) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return cfg, nil
	}
	pairs, err := mappingPairs(doc.Content[0], "document")
	if err != nil {
		return nil, err
	}

	for _, p := range pairs {
		switch p.key {
		case "mqtt":
			var w mqttWire
			if err := p.value.Decode(&w); err != nil {
				return nil, fmt.Errorf("mqtt: %w", err)
			}
			cfg.MQTT = MQTT(w)
		case "detectors":
			dets, err := mappingPairs(p.value, "detectors")
			if err != nil {
				return nil, err
			}
			for _, d := range dets {
				var w detectorWire
				if err := d.value.Decode(&w); err != nil {
					return nil, fmt.Errorf("detectors.%s: %w", d.key, err)
				}
				cfg.Detectors = append(cfg.Detectors, Detector{Name: d.key, Type: w.Type, Device: w.Device})
			}
		case "model":
			var w modelWire
			if err := p.value.Decode(&w); err != nil {
				return nil, fmt.Errorf("model: %w", err)
			}
			cfg.Model = Model(w)
		case "ffmpeg":
			var w ffmpegWire
			if err := p.value.Decode(&w); err != nil {
				return nil, fmt.Errorf("ffmpeg: %w", err)
			}
			cfg.FFmpeg = FFmpeg(w)
		case "cameras":
			cams, err := mappingPairs(p.value, "cameras")
			if err != nil {
				return nil, err
			}
			for _, c := range cams {
				cam, err := decodeCamera(c.key, c.value)
				if err != nil {
					return nil, fmt.Errorf("cameras.%s: %w", c.key, err)
				}
				cfg.Cameras = append(cfg.Cameras, cam)
			}
		case "version":
			if err := p.value.Decode(&cfg.Version); err != nil {
				return nil, fmt.Errorf("version: %w", err)
			}
		default:
			var v any
			if err := p.value.Decode(&v); err != nil {
				return nil, fmt.Errorf("%s: %w", p.key, err)
			}
			if cfg.Extra == nil {
				cfg.Extra = make(map[string]any)
			}
			cfg.Extra[p.key] = v
		}
	}
	cfg.src = &doc
	return cfg, nil
}

func decodeCamera(id string, n *yaml.Node) (Camera, error) {
	cam := Camera{ID: id}
	pairs, err := mappingPairs(n, "camera")
	if err != nil {
		return cam, err
	}
	for _, p := range pairs {
		switch p.key {
		case "ffmpeg":
			var w cameraFFmpegWire
			if err := p.value.Decode(&w); err != nil {
				return cam, fmt.Errorf("ffmpeg: %w", err)
			}
			// Only the first input is managed.
			if len(w.Inputs) > 0 {
				cam.StreamURL = strings.TrimSpace(w.Inputs[0].Path)
				cam.Roles = w.Inputs[0].Roles
			}
		case "detect":
			var w detectWire
			if err := p.value.Decode(&w); err != nil {
				return cam, fmt.Errorf("detect: %w", err)
			}
			cam.Detect = Detect(w)
		case "objects":
			var w objectsWire
			if err := p.value.Decode(&w); err != nil {
				return cam, fmt.Errorf("objects: %w", err)
			}
			cam.Objects = w.Track
		case "zones":
			zones, err := mappingPairs(p.value, "zones")
			if err != nil {
				return cam, err
			}
			for _, z := range zones {
				zone, err := decodeZone(z.key, z.value)
				if err != nil {
					return cam, fmt.Errorf("zones.%s: %w", z.key, err)
				}
				cam.Zones = append(cam.Zones, zone)
			}
		case "record":
			var w recordWire
			if err := p.value.Decode(&w); err != nil {
				return cam, fmt.Errorf("record: %w", err)
			}
			cam.Record = Record{
				Enabled:              w.Enabled,
				AlertsRetainDays:     w.Alerts.Retain.Days,
				DetectionsRetainDays: w.Detections.Retain.Days,
			}
		case "snapshots":
			var w snapshotsWire
			if err := p.value.Decode(&w); err != nil {
				return cam, fmt.Errorf("snapshots: %w", err)
			}
			cam.Snapshots = Snapshots{
				Enabled:     w.Enabled,
				BoundingBox: w.BoundingBox,
				RetainDays:  w.Retain.Default,
			}
		default:
			var v any
			if err := p.value.Decode(&v); err != nil {
				return cam, fmt.Errorf("%s: %w", p.key, err)
			}
			if cam.Extra == nil {
				cam.Extra = make(map[string]any)
			}
			cam.Extra[p.key] = v
		}
	}
	return cam, nil
}

func decodeZone(name string, n *yaml.Node) (Zone, error) {
	zone := Zone{Name: name}
	var w zoneWire
	if err := n.Decode(&w); err != nil {
		return zone, err
	}
	zone.Objects = w.Objects

	// Coordinates are either "x,y,x,y,..." or a list of "x,y" strings.
	var raw []string
	switch w.Coordinates.Kind {
	case yaml.ScalarNode:
		if strings.TrimSpace(w.Coordinates.Value) == "" {
			return zone, nil
		}
		raw = strings.Split(w.Coordinates.Value, ",")
	case yaml.SequenceNode:
		for _, item := range w.Coordinates.Content {
			raw = append(raw, strings.Split(item.Value, ",")...)
		}
	case 0:
		return zone, nil
	default:
		return zone, fmt.Errorf("coordinates: unexpected %s", kindName(w.Coordinates.Kind))
	}
	if len(raw)%2 != 0 {
		return zone, fmt.Errorf("coordinates: odd number of values (%d)", len(raw))
	}
	for i := 0; i < len(raw); i += 2 {
		x, err := strconv.ParseFloat(strings.TrimSpace(raw[i]), 64)
		if err != nil {
			return zone, fmt.Errorf("coordinates: %w", err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(raw[i+1]), 64)
		if err != nil {
			return zone, fmt.Errorf("coordinates: %w", err)
		}
		zone.Coordinates = append(zone.Coordinates, Point{X: x, Y: y})
	}
	return zone, nil
}

// Keys of the top-level and camera mappings that Config models directly.
var (
	documentKeys = []string{"mqtt", "detectors", "model", "ffmpeg", "cameras", "version"}
	cameraKeys   = []string{"ffmpeg", "detect", "objects", "zones", "record", "snapshots"}
)

// Marshal renders cfg in the recorder's layout. Cameras, detectors and zones
// keep their order and unmanaged top-level keys follow the managed ones. A
// config that came from Unmarshal is written over its source document, so
// keys nvrpanel does not model are kept.
func Marshal(cfg *Config) ([]byte, error) {
	orig := documentRoot(cfg.src)
	root := editMapping(orig)

	if err := root.section("mqtt", mqttWire(cfg.MQTT), false); err != nil {
		return nil, err
	}
	if len(cfg.Detectors) > 0 {
		dets := &yaml.Node{Kind: yaml.MappingNode}
		for _, d := range cfg.Detectors {
			k, v := entry(root.get("detectors"), d.Name)
			dn := editMapping(v)
			w := detectorWire{Type: d.Type, Device: d.Device}
			if err := dn.overlay(w, wireKeys(w)); err != nil {
				return nil, fmt.Errorf("detectors.%s: %w", d.Name, err)
			}
			dets.Content = append(dets.Content, k, dn.n)
		}
		root.set("detectors", dets)
	} else {
		root.del("detectors")
	}
	if err := root.section("model", modelWire(cfg.Model), cfg.Model == (Model{})); err != nil {
		return nil, err
	}
	if err := root.section("ffmpeg", ffmpegWire(cfg.FFmpeg), cfg.FFmpeg == (FFmpeg{})); err != nil {
		return nil, err
	}
	if len(cfg.Cameras) > 0 {
		cams := &yaml.Node{Kind: yaml.MappingNode}
		for _, cam := range cfg.Cameras {
			k, v := entry(root.get("cameras"), cam.ID)
			n, err := encodeCamera(cam, v)
			if err != nil {
				return nil, fmt.Errorf("cameras.%s: %w", cam.ID, err)
			}
			cams.Content = append(cams.Content, k, n)
		}
		root.set("cameras", cams)
	} else {
		root.del("cameras")
	}
	if cfg.Version != "" {
		if err := root.overlay(map[string]string{"version": cfg.Version}, []string{"version"}); err != nil {
			return nil, err
		}
	} else {
		root.del("version")
	}
	if err := root.applyExtra(cfg.Extra, documentKeys); err != nil {
		return nil, err
	}

	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root.n}}
	if cfg.src != nil {
		doc.HeadComment, doc.FootComment = cfg.src.HeadComment, cfg.src.FootComment
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeCamera writes cam over orig, its node in the source document, if
// any. Only the first ffmpeg input is managed; the others are kept as is.
func encodeCamera(cam Camera, orig *yaml.Node) (*yaml.Node, error) {
	n := editMapping(orig)

	ff := editMapping(n.get("ffmpeg"))
	var inputs []*yaml.Node
	if seq := ff.get("inputs"); seq != nil && seq.Kind == yaml.SequenceNode {
		inputs = seq.Content
	}
	first := editMapping(nil)
	if len(inputs) > 0 {
		first = editMapping(inputs[0])
		inputs = inputs[1:]
	}
	in := inputWire{Path: cam.StreamURL, Roles: cam.Roles}
	if err := first.overlay(in, wireKeys(in)); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}
	ff.set("inputs", &yaml.Node{Kind: yaml.SequenceNode, Content: append([]*yaml.Node{first.n}, inputs...)})
	n.set("ffmpeg", ff.n)

	if err := n.section("detect", detectWire(cam.Detect), false); err != nil {
		return nil, err
	}
	if err := n.section("objects", objectsWire{Track: cam.Objects}, len(cam.Objects) == 0); err != nil {
		return nil, err
	}

	if len(cam.Zones) > 0 {
		zones := &yaml.Node{Kind: yaml.MappingNode}
		for _, z := range cam.Zones {
			k, v := entry(n.get("zones"), z.Name)
			zn := editMapping(v)
			coords := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: formatPoints(z.Coordinates)}
			zn.overlayNode(&yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{keyNode("coordinates"), coords}}, []string{"coordinates"})
			if len(z.Objects) > 0 {
				if err := zn.overlay(map[string][]string{"objects": z.Objects}, []string{"objects"}); err != nil {
					return nil, fmt.Errorf("zones.%s: %w", z.Name, err)
				}
			} else {
				zn.del("objects")
			}
			zones.Content = append(zones.Content, k, zn.n)
		}
		n.set("zones", zones)
	} else {
		n.del("zones")
	}

	var rec recordWire
	rec.Enabled = cam.Record.Enabled
	rec.Alerts.Retain.Days = cam.Record.AlertsRetainDays
	rec.Detections.Retain.Days = cam.Record.DetectionsRetainDays
	if err := n.section("record", rec, false); err != nil {
		return nil, err
	}

	var snap snapshotsWire
	snap.Enabled = cam.Snapshots.Enabled
	snap.BoundingBox = cam.Snapshots.BoundingBox
	snap.Retain.Default = cam.Snapshots.RetainDays
	if err := n.section("snapshots", snap, false); err != nil {
		return nil, err
	}
	if err := n.applyExtra(cam.Extra, cameraKeys); err != nil {
		return nil, err
	}
	return n.n, nil
}

type pair struct {
	key   string
	value *yaml.Node
}

// mappingPairs returns the key/value pairs of a mapping node in order.
func mappingPairs(n *yaml.Node, what string) ([]pair, error) {
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	if n.Kind == yaml.ScalarNode && n.Tag == "!!null" {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: %s must be a mapping, got %s", n.Line, what, kindName(n.Kind))
	}
	seen := make(map[string]int, len(n.Content)/2)
	pairs := make([]pair, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k := n.Content[i]
		if prev, ok := seen[k.Value]; ok {
			return nil, fmt.Errorf("line %d: %s key %q already defined at line %d", k.Line, what, k.Value, prev)
		}
		seen[k.Value] = k.Line
		pairs = append(pairs, pair{key: k.Value, value: n.Content[i+1]})
	}
	return pairs, nil
}

func keyNode(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func formatPoints(pts []Point) string {
	parts := make([]string, 0, len(pts)*2)
	for _, p := range pts {
		parts = append(parts,
			strconv.FormatFloat(p.X, 'f', -1, 64),
			strconv.FormatFloat(p.Y, 'f', -1, 64))
	}
	return strings.Join(parts, ",")
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "empty node"
	}
}
