// Package utils provides shared utility functions for fcdisc.
package utils

import (
	"fmt"
	"strings"

	"github.com/Nativu5/fcdisc/pkg/types"
)

// SanitizeName replaces characters that are unsafe for CDI names and file names
// (colons, slashes, dots) with hyphens.
func SanitizeName(s string) string {
	r := strings.NewReplacer(
		":", "-",
		"/", "-",
		".", "-",
	)
	return r.Replace(s)
}

// DeviceName is the CDI device name of a remote port, e.g.
// "wwpn-500000e0d0000001".
func DeviceName(wwpn types.WWN) string {
	return fmt.Sprintf("wwpn-%016x", uint64(wwpn))
}

// HostResourceName builds the default resource name for an FC host, using
// the interface for FCoE hosts.
func HostResourceName(h *types.FCHost) string {
	if h.IfName != "" {
		return SanitizeName(h.IfName)
	}
	return SanitizeName(h.Name)
}
