// Package vaultsync reconciles a local vault with its remote tree: push
// uploads notes the remote lacks and records them in one ledger
// transaction, pull walks the remote tree and materialises it locally,
// asking a Resolver when both sides differ.
package vaultsync

import "sync"

// NoPercent marks a progress message that carries no percentage.
const NoPercent = -1

// ProgressFunc receives human-readable progress. percent is in [0, 100]
// or NoPercent.
type ProgressFunc func(message string, percent int)

// Monotonic wraps fn so the reported percentage never goes down within
// a session. Messages with NoPercent pass through unchanged. A nil fn
// yields a no-op.
func Monotonic(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return func(string, int) {}
	}

	var (
		mu   sync.Mutex
		high int
	)
	return func(message string, percent int) {
		if percent == NoPercent {
			fn(message, NoPercent)
			return
		}

		mu.Lock()
		percent = min(max(percent, high, 0), 100)
		high = percent
		mu.Unlock()

		fn(message, percent)
	}
}

func scaled(done, total, span int) int {
	if total <= 0 {
		return span
	}
	return done * span / total
}
