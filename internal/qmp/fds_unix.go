//go:build unix

package qmp

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// oobSize fits the largest SCM_RIGHTS message the kernel will deliver.
var oobSize = unix.CmsgSpace(253 * 4)

// writeWithRights writes data, attaching fds to the first byte.
func writeWithRights(conn *net.UnixConn, data []byte, fds []int) error {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	n, _, err := conn.WriteMsgUnix(data, oob, nil)
	if err != nil {
		return err
	}
	for n < len(data) {
		m, err := conn.Write(data[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}

// parseRights extracts descriptors from a control message buffer and marks
// them close-on-exec.
func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("failed to parse control message: %w", err)
	}

	var fds []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			closeFds(fds)
			return nil, fmt.Errorf("failed to parse descriptors: %w", err)
		}
		for _, fd := range rights {
			unix.CloseOnExec(fd)
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func closeFds(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
