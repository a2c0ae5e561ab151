//go:build !unix

package localexec

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}
