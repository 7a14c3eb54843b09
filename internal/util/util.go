package util

import "strings"

// MaskSecret obscures a secret for logging, keeping only a short prefix and
// suffix visible.
func MaskSecret(secret string) string {
	if len(secret) > 8 {
		return secret[:4] + "..." + secret[len(secret)-4:]
	} else if len(secret) > 4 {
		return secret[:2] + "..." + secret[len(secret)-2:]
	} else if len(secret) > 2 {
		return secret[:1] + "..." + secret[len(secret)-1:]
	}
	return secret
}

// MaskCredential obscures an access credential, preserving any invite-link
// prefix so the bucket origin stays recognizable in logs.
func MaskCredential(value string) string {
	if idx := strings.Index(value, "#"); idx >= 0 && idx < len(value)-1 {
		return value[:idx+1] + MaskSecret(value[idx+1:])
	}
	return MaskSecret(value)
}
