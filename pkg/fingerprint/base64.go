package fingerprint

import "encoding/base64"

// Base64 renders b as an unpadded, URL-safe base64 string for compact
// display alongside the emoji and hex fingerprints.
func Base64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
