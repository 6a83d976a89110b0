//go:build !unix

package worker

import (
	"os"
	"os/exec"
)

func isolate(cmd *exec.Cmd) {}

// Without process groups a graceful stop is not available; both stages kill
// the solver process itself.
func terminateGroup(p *os.Process) error { return p.Kill() }

func killGroup(p *os.Process) error { return p.Kill() }
