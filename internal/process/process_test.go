package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestProcess creates a Process with short timeouts for testing.
func newTestProcess(argv ...string) *Process {
	p := New("test", argv, testLogger())
	p.SetTimeouts(100*time.Millisecond, 100*time.Millisecond)
	return p
}

// waitDone waits for the process to finish, failing the test on timeout.
func waitDone(t *testing.T, p *Process, timeout time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(timeout):
		t.Fatal("timeout waiting for process to exit")
	}
}

func TestGracefulStop(t *testing.T) {
	// Process that handles SIGINT
	p := newTestProcess("sh", "-c", "trap 'exit 0' INT TERM; while :; do sleep 0.1; done")
	p.SetTimeouts(500*time.Millisecond, 100*time.Millisecond)

	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	if exitCode := p.Stop(); exitCode != 0 {
		t.Errorf("expected exit code 0, got %d", exitCode)
	}
	waitDone(t, p, time.Second)
}

func TestForceKillOnTimeout(t *testing.T) {
	// Process that ignores SIGINT
	p := newTestProcess("sh", "-c", "trap '' INT; sleep 10")
	p.SetTimeouts(50*time.Millisecond, 500*time.Millisecond)

	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	// Killed by SIGKILL: 128 + 9
	if exitCode := p.Stop(); exitCode != 137 {
		t.Errorf("expected exit code 137, got %d", exitCode)
	}
}

func TestStopIdempotent(t *testing.T) {
	p := newTestProcess("sleep", "10")
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	first := p.Stop()
	if second := p.Stop(); second != first {
		t.Errorf("second Stop = %d, first = %d", second, first)
	}
}

func TestStopBeforeStart(t *testing.T) {
	p := newTestProcess("sleep", "10")
	p.Stop() // Should not panic
	if p.Pid() != 0 {
		t.Errorf("Pid() = %d before start", p.Pid())
	}
}

func TestStartTwice(t *testing.T) {
	p := newTestProcess("true")
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("err = %v, want ErrAlreadyStarted", err)
	}
	waitDone(t, p, time.Second)
}

func TestRunContextCancellation(t *testing.T) {
	p := newTestProcess("sleep", "10")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- p.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	cancel()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Run did not return after cancel")
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("shutdown took too long: %v", elapsed)
	}
}

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		want int
	}{
		{"success", []string{"true"}, 0},
		{"exit 42", []string{"sh", "-c", "exit 42"}, 42},
		{"empty", nil, 1},
		{"nonexistent", []string{"/nonexistent/command/that/does/not/exist"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProcess(tt.argv...)
			if got := p.Run(context.Background()); got != tt.want {
				t.Errorf("exit code = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDoneAfterExit(t *testing.T) {
	p := newTestProcess("sh", "-c", "exit 3")
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, time.Second)
	if p.ExitCode() != 3 {
		t.Errorf("ExitCode() = %d, want 3", p.ExitCode())
	}
	if p.Err() == nil {
		t.Error("Err() = nil for non-zero exit")
	}
	p.sendStopSignal() // Should not panic, process already exited
}

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) record(level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, level+":"+msg)
}

func (r *lineRecorder) Debug(msg string, _ ...any) { r.record("debug", msg) }
func (r *lineRecorder) Info(msg string, _ ...any)  { r.record("info", msg) }
func (r *lineRecorder) Warn(msg string, _ ...any)  { r.record("warn", msg) }
func (r *lineRecorder) Error(msg string, _ ...any) { r.record("error", msg) }

func TestStreamOutputLogLevels(t *testing.T) {
	rec := &lineRecorder{}
	p := newTestProcess("sh", "-c", `echo "ERROR: boom"; echo "WARN: hmm" 1>&2; echo "plain"`)
	p.SetLogParser(rec, func(line string) (string, string) {
		switch {
		case strings.HasPrefix(line, "ERROR: "):
			return "error", strings.TrimPrefix(line, "ERROR: ")
		case strings.HasPrefix(line, "WARN: "):
			return "warning", strings.TrimPrefix(line, "WARN: ")
		}
		return "info", line
	})

	if exitCode := p.Run(context.Background()); exitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", exitCode)
	}

	rec.mu.Lock()
	got := strings.Join(rec.lines, ",")
	rec.mu.Unlock()
	for _, want := range []string{"error:boom", "warn:hmm", "info:plain"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
}

func TestOutput(t *testing.T) {
	out, err := Output(context.Background(), []string{"sh", "-c", "echo hello"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(out)) != "hello" {
		t.Errorf("stdout = %q", out)
	}

	_, err = Output(context.Background(), []string{"sh", "-c", "echo nope 1>&2; exit 2"})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want *ExitError", err)
	}
	if exitErr.ExitCode != 2 || !strings.Contains(exitErr.Error(), "nope") {
		t.Errorf("ExitError = %+v", exitErr)
	}
}

func TestOutputContextCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := Output(ctx, []string{"sleep", "5"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"adb", []string{"adb"}},
		{"adb -H 10.0.0.1 -P 5037", []string{"adb", "-H", "10.0.0.1", "-P", "5037"}},
		{`"/opt/platform tools/adb" devices`, []string{"/opt/platform tools/adb", "devices"}},
		{`echo hello\ world`, []string{"echo", "hello world"}},
	}
	for _, tt := range tests {
		got, err := SplitCommand(tt.in)
		if err != nil {
			t.Fatalf("SplitCommand(%q): %v", tt.in, err)
		}
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("SplitCommand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := SplitCommand(`echo "unclosed`); err == nil {
		t.Error("expected error for unclosed quote")
	}
}
