package daemon

import (
	"errors"
	"net"
)

// peerPID resolves the PID of the process on the other end of conn, when
// the platform supports credential passing over unix-domain sockets.
// peerPID (set in peercred_linux.go) is nil on platforms without that
// support; callers treat ok=false as "cannot verify" and deny write mode,
// per §4.13's fail-closed default — the spec only names a bypass for
// debug builds, not for platforms lacking the syscall.
var peerPID func(conn net.Conn) (pid int, ok bool)

// resolveExeHook resolves a PID to its executable path; nil on platforms
// without a known mechanism (set in peercred_linux.go's init()).
var resolveExeHook func(pid int) (string, error)

// ResolveExePath is the platform hook VerifyPeer's callers pass as
// resolveExe; exported so server.go doesn't need a build-tagged wrapper
// of its own.
func ResolveExePath(pid int) (string, error) {
	if resolveExeHook == nil {
		return "", errors.New("peer executable resolution not supported on this platform")
	}
	return resolveExeHook(pid)
}

// VerifyPeer resolves the peer process behind conn and checks its
// executable path against allowed. debugBypass short-circuits to true,
// matching the spec's debug-build exemption.
func VerifyPeer(conn net.Conn, allowed interface {
	Allows(exePath string) bool
}, resolveExe func(pid int) (string, error), debugBypass bool) bool {
	if debugBypass {
		return true
	}
	if peerPID == nil {
		return false
	}
	pid, ok := peerPID(conn)
	if !ok {
		return false
	}
	exePath, err := resolveExe(pid)
	if err != nil {
		return false
	}
	return allowed.Allows(exePath)
}
