//go:build !unix

package control

// accessMode cannot inspect descriptor flags on this platform, so every
// received descriptor is treated as read-write.
func accessMode(int) (AccessMode, error) {
	return AccessReadWrite, nil
}
