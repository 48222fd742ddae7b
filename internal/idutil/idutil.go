// Package idutil derives the short prefixed ids used for targets and
// configuration fingerprints.
package idutil

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

const (
	PrefixTarget = "tgt"
	PrefixConfig = "cfg"
)

// TargetID derives a stable target id from the debugging port and the
// page id the port reported. Format: tgt_XXXXXXXX
func TargetID(port int, pageID string) string {
	return short(PrefixTarget, strconv.Itoa(port)+":"+pageID)
}

// ConfigHash fingerprints a configuration payload. Format: cfg_XXXXXXXX
func ConfigHash(payload []byte) string {
	return short(PrefixConfig, string(payload))
}

func short(prefix, data string) string {
	sum := sha256.Sum256([]byte(data))
	return prefix + "_" + hex.EncodeToString(sum[:4])
}

// Prefix returns the part before the first underscore, "" when absent.
func Prefix(id string) string {
	p, rest, ok := strings.Cut(id, "_")
	if !ok || p == "" || rest == "" {
		return ""
	}
	return p
}

// IsTargetID reports whether id looks like a target id. Path values are
// checked with it before any lookup.
func IsTargetID(id string) bool {
	return Prefix(id) == PrefixTarget && !strings.ContainsAny(id, "/ ")
}
