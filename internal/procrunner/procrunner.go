// Package procrunner manages tcpdump as a scoped child process: start
// it on admission, stop it in the side channel's close callback on
// every exit path, including cancellation.
package procrunner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/rs/xid"
)

// An Error is returned when the wrapped command exits non-zero. It
// captures the combined stdout/stderr so callers can diagnose a failed
// capture without re-running tcpdump.
type Error struct {
	Out []byte
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, string(e.Out))
}

func (e *Error) Unwrap() error { return e.Err }

// A TCPDump is one running (or stopped) tcpdump capture scoped to a
// single client's replay.
type TCPDump struct {
	Handle   xid.ID
	PcapPath string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped bool
}

// Start launches tcpdump writing to pcapPath, filtered by bpfFilter
// (typically "host <clientIP>"). The handle identifies this capture in
// logs and in the greenlet registry.
func Start(ctx context.Context, iface, bpfFilter, pcapPath string) (*TCPDump, error) {
	cmd := exec.CommandContext(ctx, "tcpdump",
		"-i", iface,
		"-w", pcapPath,
		"-U", // flush each packet so a kill doesn't lose the tail
		bpfFilter,
	)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("procrunner: starting tcpdump: %w", err)
	}

	return &TCPDump{
		Handle:   xid.New(),
		PcapPath: pcapPath,
		cmd:      cmd,
	}, nil
}

// Stop terminates the capture. It is idempotent and safe to call from
// a close callback that may run on more than one exit path.
func (t *TCPDump) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return nil
	}
	t.stopped = true

	if t.cmd.Process == nil {
		return nil
	}
	if err := t.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("procrunner: killing tcpdump %s: %w", t.Handle, err)
	}
	_ = t.cmd.Wait()
	return nil
}

// Run executes an external helper (e.g. a pcap-anonymization or
// clean_pcap-equivalent script) to completion, capturing combined
// stdout/stderr for diagnostics on failure.
func Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Run(); err != nil {
		return buf.Bytes(), &Error{Out: buf.Bytes(), Err: err}
	}
	return buf.Bytes(), nil
}
