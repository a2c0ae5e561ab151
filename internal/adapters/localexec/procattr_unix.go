//go:build unix

package localexec

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup puts the tool in its own process group so a
// timeout also kills anything it spawned.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
