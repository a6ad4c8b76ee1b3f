// Package logging provides structured logging with per-module levels.
//
// Every logger returned by [GetLogger] carries a "module" attribute and
// filters by its module's level. Records that pass are fanned out to
// stdout (text or json), the systemd journal when it is reachable, and an
// in-memory ring buffer that backs the API's log stream.
//
// Initialize once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"transport": "debug",
//			"preview":   "warn",
//		},
//	})
//
// Loggers fetched before Initialize (package-level vars, for example) stay
// valid; they pick up the configured levels and outputs when it runs.
// Levels can also change at runtime with [SetModuleLevel].
//
// Per-device loggers add the hardware id:
//
//	logger := logging.GetLogger("transport").With("hardware_id", id)
//
// In the journal that becomes a HARDWARE_ID field:
//
//	journalctl -t mirage HARDWARE_ID=A9-001
//	journalctl -t mirage MODULE=bridge -p warning
//
// TOML form:
//
//	[logging]
//	level = "info"
//	format = "text"
//	transport = "debug"
package logging
