//go:build linux || darwin

package transcoder

import "syscall"

// processGroupAttr puts ffmpeg in its own process group so a single signal
// reaches ffmpeg and any child processes it spawns.
func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func signalProcessGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
