package recorder

import (
	"net"
	"net/url"
	"sort"
	"strings"
)

// streamPaths holds main and sub stream paths per camera vendor.
var streamPaths = map[string][2]string{
	"hikvision": {"/Streaming/Channels/101", "/Streaming/Channels/102"},
	"dahua":     {"/cam/realmonitor?channel=1&subtype=0", "/cam/realmonitor?channel=1&subtype=1"},
	"amcrest":   {"/cam/realmonitor?channel=1&subtype=0", "/cam/realmonitor?channel=1&subtype=1"},
	"reolink":   {"/h264Preview_01_main", "/h264Preview_01_sub"},
	"axis":      {"/axis-media/media.amp", "/axis-media/media.amp?resolution=320x240"},
	"foscam":    {"/videoMain", "/videoSub"},
	"vivotek":   {"/live.sdp", "/live2.sdp"},
	"bosch":     {"/rtsp_tunnel", "/rtsp_tunnel?inst=2"},
	"sony":      {"/media/video1", "/media/video2"},
	"uniview":   {"/media/video1", "/media/video2"},
}

const genericStreamPath = "/stream1"

// Vendors lists the camera vendors with known stream paths.
func Vendors() []string {
	out := make([]string, 0, len(streamPaths))
	for v := range streamPaths {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// StreamURL builds the RTSP url for a camera. The vendor is matched by
// substring, case-insensitively; unknown vendors get a generic path.
func StreamURL(vendor, host, user, password string, sub bool) string {
	path := genericStreamPath
	v := strings.ToLower(vendor)
	for _, name := range Vendors() {
		if v != "" && strings.Contains(v, name) {
			paths := streamPaths[name]
			path = paths[0]
			if sub {
				path = paths[1]
			}
			break
		}
	}

	hostport := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		hostport = net.JoinHostPort(host, "554")
	}
	u := url.URL{Scheme: "rtsp", Host: hostport}
	if user != "" {
		u.User = url.UserPassword(user, password)
	}
	return u.String() + path
}
