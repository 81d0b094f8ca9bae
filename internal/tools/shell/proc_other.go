//go:build !unix

package shell

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup only reaches the shell itself; children started by the
// command may outlive it.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
