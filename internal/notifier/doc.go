// Package notifier delivers operator alerts to the admin chat.
//
// Alerts are high-signal and best effort: a failed alert is logged and
// dropped, never surfaced to the flow that raised it. Identical alerts within
// the dedup window are suppressed so a persistent fault (a missing asset, a
// misconfigured channel) does not flood the admin.
//
// # Pacing
//
// Sends are paced with a token bucket and bounded by a per-call timeout. A
// failed send is retried with exponential backoff and jitter, up to RetryMax
// extra attempts. Blocked admin chats are not retried.
//
// # History
//
// The service keeps a small in-memory history of delivered alerts.
package notifier
