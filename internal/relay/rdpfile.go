// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package relay

import (
	"fmt"
	"strings"
)

var rdpSanitizer = strings.NewReplacer("\r", "", "\n", "", ":", "")

// sanitizeRDPValue strips characters that would let a value inject extra
// .rdp settings.
func sanitizeRDPValue(v string) string {
	return rdpSanitizer.Replace(v)
}

// RDPFile renders a .rdp file pointing a native client at hostname:port.
// The client is prompted for credentials; they are never embedded.
func RDPFile(hostname string, port int, username string) string {
	lines := []string{
		fmt.Sprintf("full address:s:%s:%d", sanitizeRDPValue(hostname), port),
		"prompt for credentials:i:1",
		"screen mode id:i:2",
		"desktopwidth:i:1920",
		"desktopheight:i:1080",
		"session bpp:i:32",
		"compression:i:1",
		"keyboardhook:i:2",
		"audiocapturemode:i:0",
		"videoplaybackmode:i:1",
		"connection type:i:7",
		"networkautodetect:i:1",
		"bandwidthautodetect:i:1",
		"autoreconnection enabled:i:1",
	}
	if u := sanitizeRDPValue(username); u != "" {
		lines = append(lines, "username:s:"+u)
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}
