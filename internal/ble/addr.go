package ble

import "strings"

// NormalizeAddr canonicalizes a platform-provided peripheral address for
// comparison and map keying. Radio stacks report the same physical device
// with inconsistent casing across scans, so every lookup must go through
// here first. An address that normalizes to "" is invalid.
func NormalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// NormalizeUUID converts a UUID string to the internal format (lowercase,
// no dashes). Handles both the dashed standard form and the already
// normalized form.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(uuid), "-", ""))
}

// UUIDMatches reports whether two UUIDs identify the same service or
// characteristic after normalization. A short 16-bit UUID matches the
// 128-bit Bluetooth base form that embeds it (e.g. "180d" matches
// "0000180d-0000-1000-8000-00805f9b34fb").
func UUIDMatches(a, b string) bool {
	na, nb := NormalizeUUID(a), NormalizeUUID(b)
	if na == nb {
		return true
	}
	if len(na) == 32 && len(nb) <= 8 {
		return strings.Contains(na[:8], nb)
	}
	if len(nb) == 32 && len(na) <= 8 {
		return strings.Contains(nb[:8], na)
	}
	return false
}
