//go:build windows

package localexec

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {
	// Windows has no process groups in the POSIX sense.
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
