package auth

import (
	"crypto/md5"
	"encoding/hex"
)

// DeviceID returns the client-supplied id, or a deterministic fingerprint
// derived from user agent and IP when the client sent none.
func DeviceID(supplied, userAgent, ip string) string {
	if supplied != "" {
		return supplied
	}
	if userAgent == "" {
		userAgent = "unknown"
	}
	if ip == "" {
		ip = "unknown"
	}
	sum := md5.Sum([]byte(userAgent + ":" + ip))
	return hex.EncodeToString(sum[:])
}
