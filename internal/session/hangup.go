package session

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// hangupPollMS bounds how long one poll holds the descriptor, which also
// bounds how long a concurrent Close waits for the watcher.
const hangupPollMS = 100

// watchHangup reports when the peer of c has closed its end. It polls the
// descriptor instead of reading it, so it notices the hangup while unread
// stdin frames are still queued behind a process that is not reading.
// A half-closed peer is not a hangup. Streams without a descriptor are not
// watched and the returned channel never fires.
func watchHangup(c syscall.Conn, stop <-chan struct{}) <-chan struct{} {
	rc, err := c.SyscallConn()
	if err != nil {
		return nil
	}
	hup := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			var gone bool
			cerr := rc.Control(func(fd uintptr) {
				fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLHUP}}
				n, err := unix.Poll(fds, hangupPollMS)
				if err != nil || n == 0 {
					return
				}
				gone = fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0
			})
			if cerr != nil {
				// Closed locally; Receive reports that.
				return
			}
			if gone {
				close(hup)
				return
			}
		}
	}()
	return hup
}
