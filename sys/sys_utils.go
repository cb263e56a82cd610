package sys

import (
	"fmt"
	"log/slog"
	"os/exec"
)

// Runner issues host networking commands. The default implementation shells
// out; tests substitute a recorder.
type Runner interface {
	Exec(name string, arg ...string) error
}

type execRunner struct {
	log *slog.Logger
}

func NewRunner(log *slog.Logger) Runner {
	return execRunner{log: log}
}

func (r execRunner) Exec(name string, arg ...string) error {
	out, err := exec.Command(name, arg...).CombinedOutput()
	r.log.Debug("exec command", "cmd", name, "arg", arg, "out", string(out))
	if err != nil {
		return fmt.Errorf("error executing command: %s %s. %w. Output: %s", name, arg, err, out)
	}
	return nil
}
