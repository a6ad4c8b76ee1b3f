package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jtaka1125-beep/mirage/internal/logging"
)

// ErrAlreadyStarted is returned by Start on a process that was started before.
var ErrAlreadyStarted = errors.New("process already started")

// LogParser parses a log line and returns the log level and message.
// Used to extract structured log info from process output.
type LogParser func(line string) (level, msg string)

// Process manages the lifecycle of a subprocess.
type Process struct {
	id              string
	argv            []string
	cmd             *exec.Cmd
	logger          logging.Logger
	processLogger   logging.Logger // logger for process output (nil = use logger)
	logParser       LogParser      // parses process output for log level (nil = no parsing)
	gracefulTimeout time.Duration  // timeout for graceful shutdown before force kill
	killTimeout     time.Duration  // timeout after Kill() before giving up

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	done      chan struct{}
	exitCode  int
	exitErr   error
}

// New creates a process for argv. It does not start it.
func New(id string, argv []string, logger logging.Logger) *Process {
	return &Process{
		id:              id,
		argv:            argv,
		logger:          logger,
		gracefulTimeout: 5 * time.Second,
		killTimeout:     5 * time.Second,
		done:            make(chan struct{}),
	}
}

// SetLogParser sets a custom logger and log parser for process output.
// The logger is used for process output (e.g., module="helper").
func (p *Process) SetLogParser(logger logging.Logger, parser LogParser) {
	p.processLogger = logger
	p.logParser = parser
}

// SetTimeouts overrides the graceful and kill timeouts used by Stop.
func (p *Process) SetTimeouts(graceful, kill time.Duration) {
	p.gracefulTimeout = graceful
	p.killTimeout = kill
}

// ID returns the identifier given to New.
func (p *Process) ID() string {
	return p.id
}

// Start launches the subprocess. Output is streamed to the logger until the
// process exits.
func (p *Process) Start() error {
	err := ErrAlreadyStarted
	p.startOnce.Do(func() {
		err = p.start()
	})
	return err
}

func (p *Process) start() error {
	if len(p.argv) == 0 {
		close(p.done)
		return fmt.Errorf("empty command")
	}

	p.cmd = exec.Command(p.argv[0], p.argv[1:]...)
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		close(p.done)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		close(p.done)
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		p.logger.Error("Failed to start process", "id", p.id, "error", err, "command", strings.Join(p.argv, " "))
		close(p.done)
		return err
	}
	p.started = true
	p.logger.Info("Process started", "id", p.id, "pid", p.cmd.Process.Pid)

	var output sync.WaitGroup
	output.Add(2)
	go func() {
		defer output.Done()
		p.streamOutput(stdout, "stdout")
	}()
	go func() {
		defer output.Done()
		p.streamOutput(stderr, "stderr")
	}()

	go func() {
		output.Wait()
		err := p.cmd.Wait()
		p.exitErr = err
		p.exitCode = exitCodeFromError(err)
		if err != nil && p.exitCode == 1 {
			p.logger.Error("Process exited with error", "id", p.id, "error", err)
		}
		p.logger.Info("Process exited", "id", p.id, "exit_code", p.exitCode)
		close(p.done)
	}()
	return nil
}

// Done is closed after the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code once Done is closed.
func (p *Process) ExitCode() int {
	<-p.done
	return p.exitCode
}

// Err returns the wait error once Done is closed.
func (p *Process) Err() error {
	<-p.done
	return p.exitErr
}

// Pid returns the process id, or 0 if the process never started.
func (p *Process) Pid() int {
	if !p.started {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stop sends SIGINT, waits for a graceful exit, then kills. It returns the
// exit code and is safe to call more than once.
func (p *Process) Stop() int {
	p.stopOnce.Do(func() {
		if !p.started {
			return
		}
		select {
		case <-p.done:
			return
		default:
		}
		p.sendStopSignal()
		p.waitForExit()
	})
	select {
	case <-p.done:
		return p.exitCode
	default:
		return 137
	}
}

// Run starts the process and blocks until it exits or ctx is done, in which
// case the process is stopped. Returns the exit code.
func (p *Process) Run(ctx context.Context) int {
	if err := p.Start(); err != nil {
		return 1
	}
	select {
	case <-ctx.Done():
		p.logger.Info("Context cancelled, shutting down process", "id", p.id)
		return p.Stop()
	case <-p.done:
		return p.exitCode
	}
}

// sendStopSignal sends SIGINT to the subprocess without waiting.
func (p *Process) sendStopSignal() {
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	p.logger.Info("Sending SIGINT to process", "id", p.id, "pid", p.cmd.Process.Pid)
	if err := p.cmd.Process.Signal(syscall.SIGINT); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("Failed to send SIGINT", "error", err)
	}
}

// waitForExit waits for the process to exit with a timeout, force-killing if needed.
func (p *Process) waitForExit() {
	select {
	case <-p.done:
		return
	case <-time.After(p.gracefulTimeout):
	}

	p.logger.Warn("Graceful shutdown timeout, forcing kill", "id", p.id, "timeout", p.gracefulTimeout)
	// Kill the whole group so shells do not leave children holding the pipes.
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		if killErr := p.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			p.logger.Error("Failed to kill process", "error", killErr)
		}
	}
	select {
	case <-p.done:
	case <-time.After(p.killTimeout):
		p.logger.Error("Process did not exit after kill signal", "id", p.id)
	}
}

// exitCodeFromError extracts exit code from process error.
// Returns 0 for nil error, the exit code for ExitError, or 1 for other errors.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		// Terminated by a signal.
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
	}
	return 1
}

// streamOutput streams output from the subprocess to the configured logger.
func (p *Process) streamOutput(reader io.Reader, source string) {
	scanner := bufio.NewScanner(reader)

	logger := p.processLogger
	if logger == nil {
		logger = p.logger
	}

	for scanner.Scan() {
		line := scanner.Text()

		level, msg := "info", line
		if p.logParser != nil {
			level, msg = p.logParser(line)
		}

		switch level {
		case "fatal", "error":
			logger.Error(msg, "source", source)
		case "warning":
			logger.Warn(msg, "source", source)
		case "debug", "trace":
			logger.Debug(msg, "source", source)
		default:
			logger.Info(msg, "source", source)
		}
	}

	if err := scanner.Err(); err != nil {
		p.logger.Warn("Error reading output", "source", source, "error", err)
	}
}

// ExitError is returned by Output when the command exits non-zero.
type ExitError struct {
	Argv     []string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", e.Argv[0], e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Argv[0], e.ExitCode, msg)
}

// Output runs argv to completion and returns its stdout.
func Output(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return stdout.Bytes(), ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &ExitError{Argv: argv, ExitCode: exitCodeFromError(err), Stderr: stderr.String()}
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

// SplitCommand splits a command string into arguments.
// Handles quoted strings and basic escaping.
func SplitCommand(command string) ([]string, error) {
	var args []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)

	command = strings.TrimSpace(command)
	runes := []rune(command)

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' || r == '\'':
			switch {
			case !inQuote:
				inQuote = true
				quoteChar = r
			case r == quoteChar:
				inQuote = false
				quoteChar = 0
			default:
				current.WriteRune(r)
			}
		case r == ' ' && !inQuote:
			if current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
			}
		case r == '\\' && i+1 < len(runes):
			i++
			current.WriteRune(runes[i])
		default:
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		args = append(args, current.String())
	}

	if inQuote {
		return nil, fmt.Errorf("unclosed quote in command")
	}

	return args, nil
}
