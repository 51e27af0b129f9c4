//go:build !unix

package execution

import "os/exec"

func detach(cmd *exec.Cmd) {}

// There is no SIGTERM outside unix, so both steps kill.
func terminate(cmd *exec.Cmd) error {
	return kill(cmd)
}

func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
