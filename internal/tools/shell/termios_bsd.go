//go:build darwin || freebsd || netbsd || openbsd

package shell

import "golang.org/x/sys/unix"

func disableEcho(fd int) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TIOCGETA)
	if err != nil {
		return err
	}
	termios.Lflag &^= unix.ECHO | unix.ECHONL
	return unix.IoctlSetTermios(fd, unix.TIOCSETA, termios)
}
