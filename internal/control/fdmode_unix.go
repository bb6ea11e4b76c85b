//go:build unix

package control

import "golang.org/x/sys/unix"

// accessMode derives a descriptor's access mode from its open flags.
// The flags can change after inspection; the mode reflects the moment of the
// call.
func accessMode(fd int) (AccessMode, error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return AccessReadWrite, err
	}

	switch flags & (unix.O_ACCMODE | unix.O_APPEND) {
	case unix.O_RDONLY:
		return AccessReadOnly, nil
	case unix.O_WRONLY:
		return AccessWriteOnly, nil
	case unix.O_RDWR:
		return AccessReadWrite, nil
	case unix.O_WRONLY | unix.O_APPEND:
		return AccessAppend, nil
	case unix.O_RDWR | unix.O_APPEND:
		return AccessReadAppend, nil
	default:
		return AccessReadWrite, nil
	}
}
