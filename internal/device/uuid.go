package device

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID 0000xxxx-0000-1000-8000-00805f9b34fb.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal BLE library format (lowercase, no dashes).
// Handles both standard UUID format (with dashes) and already normalized format (without dashes).
// Also strips 0x prefix if present (e.g., "0x2902" -> "2902").
// For full 128-bit UUIDs in Bluetooth SIG base format (0000xxxx-0000-1000-8000-00805f9b34fb),
// extracts the 16-bit short form (xxxx).
func NormalizeUUID(u string) string {
	s := strings.ToLower(strings.TrimSpace(u))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes a slice of UUID strings to internal format.
func NormalizeUUIDs(uuids []string) []string {
	if uuids == nil {
		return nil
	}
	result := make([]string, len(uuids))
	for i, u := range uuids {
		result[i] = NormalizeUUID(u)
	}
	return result
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
// Returns the first eight characters for long UUIDs and short UUIDs by themselves.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
// Accepts one or more UUIDs as variadic arguments.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, u := range uuids {
		if u == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(u)
		if !isHex(normalized) {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, u)
		}
		switch len(normalized) {
		case 4, 8, 32:
		default:
			return nil, fmt.Errorf("invalid UUID length at index %d: %s", i, u)
		}
		result = append(result, normalized)
	}
	return result, nil
}

// ExpandUUID returns the canonical dashed 128-bit form of a normalized
// 16-, 32- or 128-bit UUID. Radio backends that only accept full UUIDs use it.
func ExpandUUID(u string) (string, error) {
	n := NormalizeUUID(u)
	switch len(n) {
	case 4:
		n = "0000" + n + sigBaseSuffix
	case 8:
		n = n + sigBaseSuffix
	}
	parsed, err := uuid.Parse(n)
	if err != nil {
		return "", fmt.Errorf("invalid UUID %q: %w", u, err)
	}
	return parsed.String(), nil
}

// ValidateIdentifier checks that id is a usable peripheral identifier:
// either a 48-bit MAC address (Linux stacks) or a 128-bit UUID (CoreBluetooth).
// Returns the identifier in canonical form.
func ValidateIdentifier(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("peripheral identifier cannot be empty")
	}
	if hw, err := net.ParseMAC(id); err == nil && len(hw) == 6 {
		return strings.ToUpper(hw.String()), nil
	}
	if parsed, err := uuid.Parse(id); err == nil {
		return strings.ToUpper(parsed.String()), nil
	}
	return "", fmt.Errorf("invalid peripheral identifier %q: expected MAC address or UUID", id)
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
