//go:build !unix

package runner

import (
	"os/exec"

	"cronwatch/internal/models"
)

// IdentitySupported reports whether commands may switch uid/gid.
const IdentitySupported = false

func configureProcess(_ *exec.Cmd, spec models.CommandSpec) error {
	return CheckSpec(spec)
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
