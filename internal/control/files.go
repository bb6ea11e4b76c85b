package control

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"
)

// maxPassedDescriptors matches the kernel's SCM_MAX_FD limit on descriptors
// carried by one message.
const maxPassedDescriptors = 253

// invalidFd is what (*os.File).Fd returns for a closed file.
const invalidFd = ^uintptr(0)

// Descriptor is anything that resolves to an open file descriptor, such as
// *os.File or FD.
type Descriptor interface {
	Fd() uintptr
}

// FD is a raw file descriptor number.
type FD int

// Fd implements Descriptor. Negative values resolve to an invalid descriptor.
func (f FD) Fd() uintptr {
	if f < 0 {
		return invalidFd
	}
	return uintptr(f)
}

// AccessMode is how a received descriptor may be used, derived from its open
// flags. String returns the equivalent fopen mode.
type AccessMode int

const (
	AccessReadWrite AccessMode = iota
	AccessReadOnly
	AccessWriteOnly
	AccessAppend
	AccessReadAppend
)

func (m AccessMode) String() string {
	switch m {
	case AccessReadOnly:
		return "rb"
	case AccessWriteOnly:
		return "wb"
	case AccessAppend:
		return "ab"
	case AccessReadAppend:
		return "a+b"
	default:
		return "r+b"
	}
}

// Readable reports whether the descriptor was opened for reading.
func (m AccessMode) Readable() bool {
	return m != AccessWriteOnly && m != AccessAppend
}

// Writable reports whether the descriptor was opened for writing.
func (m AccessMode) Writable() bool {
	return m != AccessReadOnly
}

// OutputFile is a descriptor received from the far end of a command.
type OutputFile struct {
	*os.File
	Mode AccessMode
}

// CommandResponse is the result of a descriptor-passing monitor command.
// The caller owns Files and must close them.
type CommandResponse struct {
	Result string
	Files  []OutputFile
}

// Close closes every received file.
func (r *CommandResponse) Close() error {
	var first error
	for _, f := range r.Files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// MonitorCommandWithFiles sends command to the domain's QEMU monitor along
// with the given descriptors and returns the reply together with any
// descriptors the far end sent back.
//
// Input descriptors stay owned by the caller. If the call fails after
// descriptors were received, they are all closed before returning.
func (c *Connection) MonitorCommandWithFiles(ctx context.Context, d *Domain, command string, files []Descriptor, flags uint32) (*CommandResponse, error) {
	const op = "monitor-command-with-files"
	start := time.Now()

	resp, err := c.monitorCommandWithFiles(ctx, op, d, command, files, flags)
	c.observer.CommandCompleted(KindMonitorFiles, time.Since(start), err)
	return resp, err
}

func (c *Connection) monitorCommandWithFiles(ctx context.Context, op string, d *Domain, command string, files []Descriptor, flags uint32) (*CommandResponse, error) {
	if err := c.check(op, nameOf(d)); err != nil {
		return nil, err
	}
	dom, err := c.resolve(op, d)
	if err != nil {
		return nil, err
	}
	if command == "" {
		return nil, argumentErrorf(op, dom.Name, "empty command")
	}
	if c.files == nil {
		return nil, newError(op, dom.Name, ErrCommand, fmt.Errorf("transport does not support descriptor passing"))
	}

	if len(files) > maxPassedDescriptors {
		return nil, newError(op, dom.Name, ErrResourceExhausted,
			fmt.Errorf("%d descriptors exceeds the limit of %d", len(files), maxPassedDescriptors))
	}
	in, err := resolveDescriptors(files)
	if err != nil {
		return nil, newError(op, dom.Name, ErrArgument, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, newError(op, dom.Name, ErrCommand, err)
	}

	var (
		result string
		out    []int
	)
	c.blocking(func() {
		result, out, err = c.files.MonitorCommandWithFiles(dom, command, in, flags)
	})
	if err != nil {
		closeDescriptors(out)
		return nil, c.transportError(op, dom.Name, ErrCommand, err)
	}

	resp := &CommandResponse{Result: result, Files: make([]OutputFile, 0, len(out))}
	for i, fd := range out {
		if fd < 0 {
			_ = resp.Close()
			closeDescriptors(out[i:])
			return nil, newError(op, dom.Name, ErrCommand, fmt.Errorf("received invalid descriptor %d", fd))
		}
		mode, err := accessMode(fd)
		if err != nil {
			_ = resp.Close()
			closeDescriptors(out[i:])
			return nil, newError(op, dom.Name, ErrCommand, fmt.Errorf("failed to inspect received descriptor %d: %w", fd, err))
		}
		resp.Files = append(resp.Files, OutputFile{
			File: os.NewFile(uintptr(fd), fmt.Sprintf("%s-fd-%d", dom.Name, i)),
			Mode: mode,
		})
	}

	return resp, nil
}

// resolveDescriptors checks every input before anything is sent.
func resolveDescriptors(files []Descriptor) ([]int, error) {
	fds := make([]int, 0, len(files))
	for i, f := range files {
		if f == nil {
			return nil, fmt.Errorf("descriptor %d is nil", i)
		}
		fd := f.Fd()
		if fd == invalidFd || fd > math.MaxInt32 {
			return nil, fmt.Errorf("descriptor %d does not refer to an open file", i)
		}
		fds = append(fds, int(fd))
	}
	return fds, nil
}

func closeDescriptors(fds []int) {
	for _, fd := range fds {
		if fd < 0 {
			continue
		}
		_ = os.NewFile(uintptr(fd), "").Close()
	}
}
