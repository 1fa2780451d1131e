package session

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

const (
	defaultCols = 120
	defaultRows = 30
)

func winsize(rows, cols uint32) *pty.Winsize {
	ws := &pty.Winsize{Cols: defaultCols, Rows: defaultRows}
	if cols > 0 && cols <= 0xffff {
		ws.Cols = uint16(cols)
	}
	if rows > 0 && rows <= 0xffff {
		ws.Rows = uint16(rows)
	}
	return ws
}

// startPTY starts cmd as a session leader whose controlling terminal is a new
// pty. The returned master is the only handle the caller needs; the slave is
// closed in this process once the child holds it.
func startPTY(cmd *exec.Cmd, ws *pty.Winsize) (*os.File, error) {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPtyAllocationFailed, err)
	}
	defer func() { _ = ttyFile.Close() }()

	if ws != nil {
		_ = pty.Setsize(ptyFile, ws)
	}

	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true
	// Ctty is a descriptor number in the child; stdin is the tty.
	cmd.SysProcAttr.Ctty = 0

	if err := cmd.Start(); err != nil {
		_ = ptyFile.Close()
		return nil, err
	}
	return ptyFile, nil
}

// foregroundGroup returns the process group currently in the foreground of
// the terminal, so job-control shells get signals where a keyboard would send them.
func foregroundGroup(ptyFile *os.File) (int, bool) {
	rc, err := ptyFile.SyscallConn()
	if err != nil {
		return 0, false
	}
	var pgrp int
	var ioctlErr error
	if err := rc.Control(func(fd uintptr) {
		pgrp, ioctlErr = unix.IoctlGetInt(int(fd), unix.TIOCGPGRP)
	}); err != nil || ioctlErr != nil || pgrp <= 0 {
		return 0, false
	}
	return pgrp, true
}

// isPTYEOF reports whether err is the EIO a pty master returns once every
// slave descriptor is closed, which is the terminal's end of output.
func isPTYEOF(err error) bool {
	return errors.Is(err, syscall.EIO)
}
