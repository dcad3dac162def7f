//go:build unix

package runner

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"cronwatch/internal/models"
)

// IdentitySupported reports whether commands may switch uid/gid.
const IdentitySupported = true

func configureProcess(cmd *exec.Cmd, spec models.CommandSpec) error {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if spec.HasIdentity() {
		cred := &syscall.Credential{
			Uid: uint32(os.Getuid()),
			Gid: uint32(os.Getgid()),
			// setgroups needs CAP_SETGID; only root can clear supplementary groups.
			NoSetGroups: os.Geteuid() != 0,
		}
		if spec.UID != nil {
			cred.Uid = *spec.UID
		}
		if spec.GID != nil {
			cred.Gid = *spec.GID
		}
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr
	return nil
}

// killProcessGroup sends SIGKILL to the command's whole process group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
