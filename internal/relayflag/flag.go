// Package relayflag exposes a process-wide relay-support switch, observed
// by both relayserver.Service (toggled around its own start/stop) and
// session.Manager's fallback policy (gating ConnectViaRelay), so an
// operator can kill all relay use in one place without holding a
// reference to either. Defaults to enabled.
package relayflag

import "sync/atomic"

var enabled atomic.Bool

func init() {
	enabled.Store(true)
}

// Enable turns relay support on.
func Enable() { enabled.Store(true) }

// Disable turns relay support off process-wide.
func Disable() { enabled.Store(false) }

// Enabled reports whether relay support is currently on.
func Enabled() bool { return enabled.Load() }
