package transport

import "time"

// deadlineNow returns a short deadline for best-effort control writes
// (e.g. the WebSocket close handshake), bounding them rather than blocking
// indefinitely.
func deadlineNow() time.Time {
	return time.Now().Add(2 * time.Second)
}
