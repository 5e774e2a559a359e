package process

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os/exec"
	"slices"
	"strings"

	"github.com/aretw0/stepflow/internal/logging"
	"github.com/aretw0/stepflow/pkg/handler"
	"gopkg.in/yaml.v3"
)

// Reply is what a command may print on stdout as a JSON (or YAML) document.
type Reply struct {
	// Outputs become exit parameters of the step.
	Outputs map[string]any `yaml:"outputs"`
	// Exit chooses the exit port.
	Exit string `yaml:"exit"`
	// Suspend parks the token until it is resumed at this entry port.
	Suspend string `yaml:"suspend"`
	// Pass asks for default handling: entry parameters flow to the exit by name.
	Pass bool `yaml:"pass"`
}

// OutputParam receives stdout that is not a reply document.
const OutputParam = "Output"

// Runner runs allow-listed external commands as step handlers. Only registered
// commands ever execute.
type Runner struct {
	registry map[string]CommandConfig
	baseDir  string
	logger   *slog.Logger
}

// RunnerOption configures the runner.
type RunnerOption func(*Runner)

// WithCommands populates the allow-list from a loaded config.
func WithCommands(commands map[string]CommandConfig) RunnerOption {
	return func(r *Runner) {
		maps.Copy(r.registry, commands)
	}
}

// WithBaseDir sets the working directory for executed commands.
func WithBaseDir(dir string) RunnerOption {
	return func(r *Runner) {
		r.baseDir = dir
	}
}

// WithLogger configures a logger for the runner.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a new command runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: make(map[string]CommandConfig),
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a trusted command to the allow-list.
func (r *Runner) Register(name string, command string, args ...string) {
	r.registry[name] = CommandConfig{Name: name, Command: command, Args: args}
}

// Names lists the registered handler ids.
func (r *Runner) Names() []string {
	return slices.Sorted(maps.Keys(r.registry))
}

// RegisterAll binds every command to its handler id in reg.
func (r *Runner) RegisterAll(reg *handler.Registry) {
	for name := range r.registry {
		reg.RegisterFunc(name, r.Handler(name))
	}
}

// Handler returns the step handler running the command registered as name.
//
// Entry parameters are passed as STEPFLOW_PARAM_<NAME> environment variables and as
// a JSON object on stdin. A non-zero exit status is a recoverable step failure.
func (r *Runner) Handler(name string) handler.Func {
	return func(ctx context.Context, inv *handler.Invocation) handler.Result {
		cfg, ok := r.registry[name]
		if !ok {
			return handler.Fail(fmt.Errorf("%w: %s", handler.ErrHandlerNotFound, name))
		}
		timeout, err := cfg.timeout()
		if err != nil {
			return handler.Fail(err)
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		params := inv.Params()
		stdin, err := json.Marshal(params)
		if err != nil {
			return handler.Fail(fmt.Errorf("encode parameters: %w", err))
		}

		// Parameters never become arguments.
		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		cmd.Dir = r.baseDir
		cmd.Env = append(cmd.Environ(), environment(cfg, inv, params)...)
		cmd.Stdin = bytes.NewReader(stdin)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		logger := inv.Logger().With("handler", name)
		logger.DebugContext(ctx, "running command", "command", cfg.Command)
		if err := cmd.Run(); err != nil {
			return handler.Fail(fmt.Errorf("command %s failed: %w: %s", name, err, strings.TrimSpace(stderr.String())))
		}
		return apply(inv, stdout.Bytes())
	}
}

func environment(cfg CommandConfig, inv *handler.Invocation, params map[string]any) []string {
	env := []string{
		"STEPFLOW_TOKEN_ID=" + inv.TokenID(),
		"STEPFLOW_PROCESS=" + inv.Process().String(),
		"STEPFLOW_STEP=" + inv.Step(),
		"STEPFLOW_ENTRY=" + inv.EntryPort(),
	}
	for k, v := range cfg.Environment {
		env = append(env, k+"="+v)
	}
	for k, v := range params {
		var val string
		switch v.(type) {
		case string, int, int64, float64, bool:
			val = fmt.Sprintf("%v", v)
		case nil:
		default:
			if b, err := json.Marshal(v); err == nil {
				val = string(b)
			} else {
				val = fmt.Sprintf("%v", v)
			}
		}
		env = append(env, fmt.Sprintf("STEPFLOW_PARAM_%s=%s", strings.ToUpper(k), val))
	}
	return env
}

// apply turns the command output into the effects of the invocation.
func apply(inv *handler.Invocation, out []byte) handler.Result {
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return handler.Done()
	}
	if !strings.HasPrefix(trimmed, "{") {
		inv.SetParam(OutputParam, trimmed)
		return handler.Done()
	}

	// YAML decoding keeps integers as int, which typed parameters expect.
	var reply Reply
	if err := yaml.Unmarshal([]byte(trimmed), &reply); err != nil {
		inv.SetParam(OutputParam, trimmed)
		return handler.Done()
	}
	for k, v := range reply.Outputs {
		inv.SetParam(k, v)
	}
	if reply.Exit != "" {
		if err := inv.ChooseExitPort(reply.Exit); err != nil {
			return handler.Fail(err)
		}
	}
	if reply.Suspend != "" {
		if err := inv.Suspend(reply.Suspend); err != nil {
			return handler.Fail(err)
		}
	}
	if reply.Pass {
		return handler.Pass()
	}
	return handler.Done()
}
