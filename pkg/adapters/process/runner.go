// Package process exposes allow-listed local commands as capabilities.
//
// Inputs reach the child process twice: as a JSON object on stdin and as
// CONDUCTOR_ARG_<KEY> environment variables. Arguments are never spliced into
// the command line, which rules out flag injection.
package process

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/ports"
	"github.com/spf13/cast"
)

// EnvPrefix prefixes every input passed as an environment variable.
const EnvPrefix = "CONDUCTOR_ARG_"

// Runner holds the allow-list of commands.
// It follows a Strict Registry pattern for security (Allow-Listing).
type Runner struct {
	mu       sync.RWMutex
	registry map[string]RegisteredProcess
	baseDir  string
}

// RegisteredProcess defines an allowed command execution.
type RegisteredProcess struct {
	Command string
	Args    []string
	Env     map[string]string
}

// RunnerOption configures the runner.
type RunnerOption func(*Runner)

// WithRegistry populates the allow-list from loaded configs.
func WithRegistry(procs []ProcessConfig) RunnerOption {
	return func(r *Runner) {
		for _, p := range procs {
			if p.Name == "" || p.Command == "" {
				continue
			}
			r.registry[p.Name] = RegisteredProcess{Command: p.Command, Args: p.Args, Env: p.Environment}
		}
	}
}

// WithBaseDir sets the working directory for executed processes.
func WithBaseDir(dir string) RunnerOption {
	return func(r *Runner) {
		r.baseDir = dir
	}
}

// NewRunner creates a new Process Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: make(map[string]RegisteredProcess),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a trusted script/command to the allow-list.
func (r *Runner) Register(name string, command string, args ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry[name] = RegisteredProcess{
		Command: command,
		Args:    args,
	}
}

// Names returns the registered process names, sorted.
func (r *Runner) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.registry))
	for n := range r.registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve maps a "process:<name>" reference onto a capability. It is meant to
// be installed with registry.RegisterResolver.
func (r *Runner) Resolve(ref string) (ports.Capability, bool) {
	name := strings.TrimPrefix(ref, domain.ImplProcess)
	r.mu.RLock()
	_, ok := r.registry[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.Capability(name), true
}

// Capability returns the capability running the named process.
func (r *Runner) Capability(name string) ports.Capability {
	return ports.CapabilityFunc(func(ctx context.Context, inputs map[string]any) (domain.Result, error) {
		return r.Execute(ctx, name, inputs)
	})
}

// Execute runs the named process with inputs and maps its stdout onto a Result.
// A JSON object carrying "output" and/or "state_delta" is taken as a Result;
// any other JSON becomes the output; anything else becomes trimmed text.
func (r *Runner) Execute(ctx context.Context, name string, inputs map[string]any) (domain.Result, error) {
	r.mu.RLock()
	proc, ok := r.registry[name]
	r.mu.RUnlock()
	if !ok {
		return domain.Result{}, fmt.Errorf("process not registered: %s", name)
	}

	stdin, err := json.Marshal(inputs)
	if err != nil {
		return domain.Result{}, fmt.Errorf("failed to encode inputs for %s: %w", name, err)
	}

	cmd := exec.CommandContext(ctx, proc.Command, proc.Args...)
	cmd.Dir = r.baseDir
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = append(cmd.Environ(), environment(proc.Env, inputs)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return domain.Result{}, fmt.Errorf("process %s failed: %w (stderr: %s)", name, err, strings.TrimSpace(stderr.String()))
	}

	return parseOutput(stdout.String()), nil
}

func environment(static map[string]string, inputs map[string]any) []string {
	env := make([]string, 0, len(static)+len(inputs))
	for k, v := range static {
		env = append(env, k+"="+v)
	}
	for k, v := range inputs {
		var val string
		switch v.(type) {
		case nil:
			val = ""
		case map[string]any, []any:
			if b, err := json.Marshal(v); err == nil {
				val = string(b)
			}
		default:
			val = cast.ToString(v)
		}
		env = append(env, EnvPrefix+strings.ToUpper(sanitizeKey(k))+"="+val)
	}
	sort.Strings(env)
	return env
}

func sanitizeKey(k string) string {
	var b strings.Builder
	for _, c := range k {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func parseOutput(raw string) domain.Result {
	trimmed := strings.TrimSpace(raw)

	if (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
		(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]")) {
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			if obj, ok := decoded.(map[string]any); ok {
				out, hasOut := obj["output"]
				delta, hasDelta := obj["state_delta"].(map[string]any)
				if hasOut || hasDelta {
					return domain.Result{Output: out, StateDelta: delta}
				}
			}
			return domain.Result{Output: decoded}
		}
	}

	return domain.Result{Output: trimmed}
}
