package worker

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/auxothq/simrouter/pkg/protocol"
)

// Argument placeholders expanded in profile args.
const (
	placeholderJob     = "{job}"
	placeholderWorkDir = "{workdir}"
)

// Step is one external command.
type Step struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Profile describes how to run one solver kind. The solver gets the path
// of the job's JSON config through {job} in Args (appended when absent).
//
//	nfsim:
//	  command: /opt/sim/nfsim-runner
//	  args: ["--config", "{job}"]
//	  compile:
//	    command: /opt/sim/bngl-compile
//	    args: ["{job}", "{workdir}/model.xml"]
//	  env:
//	    OMP_NUM_THREADS: "1"
type Profile struct {
	Step    `yaml:",inline"`
	Compile *Step             `yaml:"compile,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// Profiles maps a solver kind to its profile.
type Profiles map[protocol.SolverKind]Profile

// LoadProfiles reads and checks a solver profiles YAML file.
func LoadProfiles(path string) (Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading solver profiles: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles decodes solver profiles from YAML.
func ParseProfiles(data []byte) (Profiles, error) {
	var p Profiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing solver profiles: %w", err)
	}
	if len(p) == 0 {
		return nil, fmt.Errorf("no solver profiles defined")
	}
	for kind, prof := range p {
		switch kind {
		case protocol.SolverSteps, protocol.SolverNFSim:
		default:
			return nil, fmt.Errorf("unknown solver kind %q", kind)
		}
		if prof.Command == "" {
			return nil, fmt.Errorf("solver %q: command is required", kind)
		}
		if prof.Compile != nil && prof.Compile.Command == "" {
			return nil, fmt.Errorf("solver %q: compile.command is required", kind)
		}
	}
	return p, nil
}

// expandArgs substitutes placeholders. When no solver arg mentions {job},
// the job path is appended.
func expandArgs(args []string, jobPath, workDir string, appendJob bool) []string {
	out := make([]string, 0, len(args)+1)
	sawJob := false
	for _, a := range args {
		if strings.Contains(a, placeholderJob) {
			sawJob = true
		}
		a = strings.ReplaceAll(a, placeholderJob, jobPath)
		a = strings.ReplaceAll(a, placeholderWorkDir, workDir)
		out = append(out, a)
	}
	if appendJob && !sawJob {
		out = append(out, jobPath)
	}
	return out
}

// environ returns the process environment with env layered on top.
func environ(env map[string]string) []string {
	out := os.Environ()
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
