package backend

import "strings"

// CumulativeDelta computes the incremental text between two cumulative
// snapshots of the same run. The gateway RPC protocol resends the full text
// so far on every event; the delta is the suffix grown since prev. When next
// does not extend prev (the far end corrected earlier output), the whole new
// snapshot is the delta so no content is ever dropped.
func CumulativeDelta(prev, next string) string {
	if next == prev {
		return ""
	}
	if strings.HasPrefix(next, prev) {
		return next[len(prev):]
	}
	return next
}
