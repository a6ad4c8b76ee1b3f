// Package process runs the external commands the bridge depends on.
//
// Process supervises one long-running subprocess:
//   - Graceful shutdown with SIGINT and a bounded timeout
//   - Force kill with SIGKILL if graceful shutdown times out
//   - Output streaming to a logger with pluggable log parsing
//   - A Done channel closed once the process and its output have finished
//
// Output runs a short command to completion and returns its stdout.
//
// Example:
//
//	p := process.New("helper", []string{"adb", "-s", serial, "shell", "..."}, logger)
//	if err := p.Start(); err != nil {
//	    return err
//	}
//	defer p.Stop()
//	<-p.Done()
package process
