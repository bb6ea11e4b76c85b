//go:build !unix

package qmp

import (
	"errors"
	"net"
)

var oobSize = 0

func writeWithRights(conn *net.UnixConn, data []byte, fds []int) error {
	if len(fds) > 0 {
		return errors.New("descriptor passing is not supported on this platform")
	}
	_, err := conn.Write(data)
	return err
}

func parseRights([]byte) ([]int, error) {
	return nil, nil
}

func closeFds([]int) {}
