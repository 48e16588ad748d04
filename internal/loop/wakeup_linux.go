//go:build linux

package loop

import "golang.org/x/sys/unix"

// createWakeFD creates an eventfd used to interrupt an in-progress
// epoll_wait when a task is submitted from another goroutine, matching
// the teacher's eventloop/wakeup_linux.go mechanism.
func createWakeFD() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}

func drainWakeFD(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

func signalWakeFD(fd int) error {
	var buf [8]byte
	buf[7] = 1
	_, err := unix.Write(fd, buf[:])
	if err == unix.EAGAIN {
		// eventfd counter already non-zero and about to be observed.
		return nil
	}
	return err
}
