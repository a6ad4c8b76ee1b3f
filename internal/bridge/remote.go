package bridge

import "context"

// Remote is the remote-control surface used to stage and run the capture
// helper on a device. Serial is the adb-visible endpoint for the device.
type Remote interface {
	// Run executes args on the device (for example "shell", "stat", path)
	// and returns stdout.
	Run(ctx context.Context, serial string, args ...string) ([]byte, error)
	// Push copies a local file to the device.
	Push(ctx context.Context, serial, local, remote string) error
	// Forward tunnels localPort to remote (for example "localabstract:name").
	// A localPort of 0 lets the host pick; the bound port is returned.
	Forward(ctx context.Context, serial string, localPort int, remote string) (int, error)
	// RemoveForward removes a tunnel created by Forward.
	RemoveForward(ctx context.Context, serial string, localPort int) error
	// Start runs a long-lived command on the device.
	Start(ctx context.Context, serial string, args ...string) (Handle, error)
}

// Handle controls a command started by Remote.Start.
type Handle interface {
	// Stop terminates the command and returns its exit code.
	Stop() int
	// Done is closed when the command exits.
	Done() <-chan struct{}
}
