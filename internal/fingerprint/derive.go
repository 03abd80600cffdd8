package fingerprint

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// signalKeys are the device_info entries that identify hardware and browser.
// Volatile fields such as IP or battery level are left out.
var signalKeys = []string{
	"user_agent", "platform", "language", "languages", "timezone",
	"screen", "color_depth", "pixel_ratio", "hardware_concurrency", "device_memory",
	"canvas", "webgl_vendor", "webgl_renderer", "audio", "fonts", "plugins", "touch_points",
}

// Derive computes a stable fingerprint hash from device signals. It returns ""
// when none of the recognised signals are present.
func Derive(info map[string]any) string {
	var parts []string
	for _, k := range signalKeys {
		v, ok := info[k]
		if !ok || v == nil {
			continue
		}
		parts = append(parts, k+"="+canonical(v))
	}
	if len(parts) == 0 {
		return ""
	}
	sum := blake2b.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func canonical(v any) string {
	switch t := v.(type) {
	case []any:
		items := make([]string, len(t))
		for i, item := range t {
			items[i] = canonical(item)
		}
		slices.Sort(items)
		return "[" + strings.Join(items, ",") + "]"
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		items := make([]string, len(keys))
		for i, k := range keys {
			items[i] = k + ":" + canonical(t[k])
		}
		return "{" + strings.Join(items, ",") + "}"
	default:
		return fmt.Sprint(t)
	}
}
