//go:build linux

package eventloop

import (
	"golang.org/x/sys/unix"
)

// createWakeFd creates a non-blocking eventfd, returned as both the read and
// the write end.
func createWakeFd() (int, int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}
