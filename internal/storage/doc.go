// Package storage persists tank state in SQLite.
//
// Tables:
//   - devices, status_log: registration and heartbeats
//   - commands: the per-device command queue and its delivery state
//   - schedule_settings, schedule_log: lighting configuration and audit
//   - alert_state: offline alert rate limiting
//   - dedup: optional notifier dedup state (to survive restarts)
//
// Timestamps are stored as unix milliseconds and read back in the configured
// civil location.
package storage
