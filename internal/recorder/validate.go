package recorder

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Violation codes.
const (
	CodeNoCameras         = "no_cameras"
	CodeTooManyCameras    = "too_many_cameras"
	CodeEmptyCameraID     = "empty_camera_id"
	CodeInvalidCameraID   = "invalid_camera_id"
	CodeDuplicateCameraID = "duplicate_camera_id"
	CodeEmptyStreamURL    = "empty_stream_url"
	CodeInvalidStreamURL  = "invalid_stream_url"
	CodeUnsupportedScheme = "unsupported_scheme"
	CodePlaceholderURL    = "placeholder_stream_url"
	CodeNoRoles           = "no_roles"
	CodeInvalidRole       = "invalid_role"
	CodeDuplicateRole     = "duplicate_role"
	CodeOutOfRange        = "out_of_range"
	CodeInvalidObject     = "invalid_object"
	CodeDuplicateObject   = "duplicate_object"
	CodeEmptyZoneName     = "empty_zone_name"
	CodeDuplicateZone     = "duplicate_zone"
	CodeInvalidZone       = "invalid_zone"
	CodeNoDetectors       = "no_detectors"
	CodeInvalidDetector   = "invalid_detector"
	CodeMQTTHost          = "mqtt_host_required"
)

// Bounds enforced by Validate.
const (
	MaxCameras       = 32
	MinDetectWidth   = 320
	MaxDetectWidth   = 3840
	MinDetectHeight  = 240
	MaxDetectHeight  = 2160
	MinDetectFPS     = 1
	MaxDetectFPS     = 30
	MaxRetainDays    = 365
	MaxModelDim      = 4096
	minObjectNameLen = 2
	maxObjectNameLen = 30
)

var (
	cameraIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

	streamSchemes = map[string]bool{
		"rtsp": true, "rtsps": true, "rtmp": true, "http": true, "https": true,
	}
	validRoles = map[string]bool{RoleDetect: true, RoleRecord: true, RoleAudio: true}

	// Template values left over from sample configs.
	placeholderHosts = []string{"camera_ip", "your_camera_ip", "your_ip_here", "example.com"}
)

// Violation is one broken constraint.
type Violation struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (v Violation) Error() string {
	return v.Field + ": " + v.Message
}

// ValidationResult lists every violation found.
type ValidationResult struct {
	Violations []Violation `json:"violations"`
}

// OK reports whether no violations were found.
func (r ValidationResult) OK() bool {
	return len(r.Violations) == 0
}

// Has reports whether a violation with the given code was found.
func (r ValidationResult) Has(code string) bool {
	for _, v := range r.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Err returns a *ValidationError, or nil when the config is valid.
func (r ValidationResult) Err() error {
	if r.OK() {
		return nil
	}
	return &ValidationError{Violations: r.Violations}
}

func (r *ValidationResult) add(field, code, format string, args ...any) {
	r.Violations = append(r.Violations, Violation{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
}

// ValidationError is returned when a config is refused.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("invalid recorder config (%d violations): %s", len(e.Violations), strings.Join(msgs, "; "))
}

// Unwrap exposes each violation to errors.Is and errors.As.
func (e *ValidationError) Unwrap() []error {
	errs := make([]error, len(e.Violations))
	for i, v := range e.Violations {
		errs[i] = v
	}
	return errs
}

// Validate checks cfg and collects every violation.
func Validate(cfg *Config) ValidationResult {
	var r ValidationResult
	if cfg == nil {
		r.add("cameras", CodeNoCameras, "at least one camera is required")
		return r
	}

	switch n := len(cfg.Cameras); {
	case n == 0:
		r.add("cameras", CodeNoCameras, "at least one camera is required")
	case n > MaxCameras:
		r.add("cameras", CodeTooManyCameras, "%d cameras configured, at most %d are supported", n, MaxCameras)
	}

	seen := make(map[string]bool, len(cfg.Cameras))
	for i, cam := range cfg.Cameras {
		field := fmt.Sprintf("cameras[%d]", i)
		switch {
		case strings.TrimSpace(cam.ID) == "":
			r.add(field+".id", CodeEmptyCameraID, "camera id is required")
		case seen[cam.ID]:
			r.add(field+".id", CodeDuplicateCameraID, "camera id %q is used more than once", cam.ID)
		case !cameraIDPattern.MatchString(cam.ID):
			r.add(field+".id", CodeInvalidCameraID, "camera id %q may only contain letters, digits, '-' and '_' (max 64)", cam.ID)
		}
		if cam.ID != "" {
			seen[cam.ID] = true
			field = "cameras." + cam.ID
		}
		validateCamera(&r, field, cam)
	}

	if len(cfg.Detectors) == 0 {
		r.add("detectors", CodeNoDetectors, "at least one detector is required")
	}
	for _, d := range cfg.Detectors {
		if strings.TrimSpace(d.Name) == "" {
			r.add("detectors", CodeInvalidDetector, "detector name is required")
		}
		if strings.TrimSpace(d.Type) == "" {
			r.add("detectors."+d.Name+".type", CodeInvalidDetector, "detector type is required")
		}
	}

	if cfg.Model.ModelType != "" {
		checkRange(&r, "model.width", cfg.Model.Width, 1, MaxModelDim)
		checkRange(&r, "model.height", cfg.Model.Height, 1, MaxModelDim)
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.Host) == "" {
			r.add("mqtt.host", CodeMQTTHost, "mqtt host is required when mqtt is enabled")
		}
		checkRange(&r, "mqtt.port", cfg.MQTT.Port, 1, 65535)
	}
	return r
}

func validateCamera(r *ValidationResult, field string, cam Camera) {
	validateStreamURL(r, field+".stream_url", cam.StreamURL)

	if len(cam.Roles) == 0 {
		r.add(field+".roles", CodeNoRoles, "at least one role is required")
	}
	roles := make(map[string]bool, len(cam.Roles))
	for _, role := range cam.Roles {
		if !validRoles[role] {
			r.add(field+".roles", CodeInvalidRole, "unknown role %q (want detect, record or audio)", role)
			continue
		}
		if roles[role] {
			r.add(field+".roles", CodeDuplicateRole, "role %q is listed more than once", role)
		}
		roles[role] = true
	}

	checkRange(r, field+".detect.width", cam.Detect.Width, MinDetectWidth, MaxDetectWidth)
	checkRange(r, field+".detect.height", cam.Detect.Height, MinDetectHeight, MaxDetectHeight)
	checkRange(r, field+".detect.fps", cam.Detect.FPS, MinDetectFPS, MaxDetectFPS)
	checkRange(r, field+".record.alerts_retain_days", cam.Record.AlertsRetainDays, 0, MaxRetainDays)
	checkRange(r, field+".record.detections_retain_days", cam.Record.DetectionsRetainDays, 0, MaxRetainDays)
	checkRange(r, field+".snapshots.retain_days", cam.Snapshots.RetainDays, 0, MaxRetainDays)

	validateObjects(r, field+".objects", cam.Objects)

	zones := make(map[string]bool, len(cam.Zones))
	for i, z := range cam.Zones {
		zf := fmt.Sprintf("%s.zones[%d]", field, i)
		if strings.TrimSpace(z.Name) == "" {
			r.add(zf, CodeEmptyZoneName, "zone name is required")
		} else {
			if zones[z.Name] {
				r.add(zf, CodeDuplicateZone, "zone %q is defined more than once", z.Name)
			}
			zones[z.Name] = true
			zf = field + ".zones." + z.Name
		}
		if len(z.Coordinates) < 3 {
			r.add(zf+".coordinates", CodeInvalidZone, "a zone needs at least 3 points, got %d", len(z.Coordinates))
		}
		for _, p := range z.Coordinates {
			if p.X < 0 || p.Y < 0 {
				r.add(zf+".coordinates", CodeInvalidZone, "coordinates must not be negative")
				break
			}
		}
		validateObjects(r, zf+".objects", z.Objects)
	}
}

func validateStreamURL(r *ValidationResult, field, raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		r.add(field, CodeEmptyStreamURL, "stream url is required")
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		r.add(field, CodeInvalidStreamURL, "stream url is not a valid url: %v", err)
		return
	}
	if !streamSchemes[strings.ToLower(u.Scheme)] {
		r.add(field, CodeUnsupportedScheme, "scheme %q is not supported (want rtsp, rtsps, rtmp, http or https)", u.Scheme)
		return
	}
	if u.Hostname() == "" {
		r.add(field, CodeInvalidStreamURL, "stream url has no host")
		return
	}
	host := strings.ToLower(u.Hostname())
	for _, p := range placeholderHosts {
		if host == p {
			r.add(field, CodePlaceholderURL, "host %q is a template placeholder", u.Hostname())
			return
		}
	}
	if u.User != nil {
		pass, _ := u.User.Password()
		if u.User.Username() == "username" && pass == "password" {
			r.add(field, CodePlaceholderURL, "credentials are the template placeholder username:password")
		}
	}
}

func validateObjects(r *ValidationResult, field string, objects []string) {
	seen := make(map[string]bool, len(objects))
	for _, o := range objects {
		if n := len(o); n < minObjectNameLen || n > maxObjectNameLen {
			r.add(field, CodeInvalidObject, "object %q must be %d-%d characters", o, minObjectNameLen, maxObjectNameLen)
			continue
		}
		if seen[o] {
			r.add(field, CodeDuplicateObject, "object %q is listed more than once", o)
		}
		seen[o] = true
	}
}

func checkRange(r *ValidationResult, field string, v, lo, hi int) {
	if v < lo || v > hi {
		r.add(field, CodeOutOfRange, "%d is outside %d-%d", v, lo, hi)
	}
}
