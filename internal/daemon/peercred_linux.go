//go:build linux

package daemon

import (
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func init() {
	peerPID = linuxPeerPID
	resolveExeHook = linuxResolveExePath
}

// linuxPeerPID reads SO_PEERCRED off the connection's underlying unix
// socket file descriptor to recover the PID of the connecting process.
func linuxPeerPID(conn net.Conn) (int, bool) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, false
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, false
	}

	var pid int
	var credErr error
	err = raw.Control(func(fd uintptr) {
		var cred *unix.Ucred
		cred, credErr = unix.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, unix.SO_PEERCRED)
		if credErr == nil {
			pid = int(cred.Pid)
		}
	})
	if err != nil || credErr != nil {
		return 0, false
	}
	return pid, true
}

// linuxResolveExePath follows /proc/<pid>/exe, the Linux mechanism named in §4.13.
func linuxResolveExePath(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
}
