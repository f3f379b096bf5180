package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"clawnode/internal/domain"
)

// Shell runs allowlisted programs through the run action. Commands are
// executed directly, never through a shell interpreter.
type Shell struct {
	allowed   map[string]bool
	timeout   time.Duration
	maxOutput int
	workDir   string
	logger    *slog.Logger
}

// NewShell creates the shell capability. allowed holds bare program names;
// entries containing a path separator are ignored.
func NewShell(allowed []string, timeout time.Duration, maxOutput int, workDir string, logger *slog.Logger) *Shell {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		if name != "" && !strings.ContainsAny(name, `/\`) {
			m[name] = true
		}
	}
	return &Shell{allowed: m, timeout: timeout, maxOutput: maxOutput, workDir: workDir, logger: logger}
}

func (s *Shell) Name() string      { return "shell" }
func (s *Shell) Actions() []string { return []string{"run"} }

func (s *Shell) ParamSchemas() map[string]json.RawMessage {
	return map[string]json.RawMessage{
		"run": json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "minLength": 1},
				"args": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["command"]
		}`),
	}
}

func (s *Shell) Execute(ctx context.Context, cmd domain.Command) (*domain.Result, error) {
	command := stringParam(cmd.Params, "command", "")
	if err := s.validateCommand(command); err != nil {
		return domain.Fail(err.Error()), nil
	}
	args, err := stringSliceParam(cmd.Params, "args")
	if err != nil {
		return domain.Fail(err.Error()), nil
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	proc := exec.CommandContext(ctx, command, args...)
	proc.Dir = s.workDir
	stdout := &cappedBuffer{limit: s.maxOutput}
	stderr := &cappedBuffer{limit: s.maxOutput}
	proc.Stdout = stdout
	proc.Stderr = stderr

	start := time.Now()
	runErr := proc.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return nil, domain.NewDomainError("Shell.Execute", domain.ErrTimeout, command)
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// not found, permission denied and similar
			return domain.Fail(fmt.Sprintf("start %s: %v", command, runErr)), nil
		}
		exitCode = exitErr.ExitCode()
	}
	s.logger.Info("command executed", "command", command, "exit_code", exitCode, "duration", elapsed)

	return domain.OK(map[string]any{
		"command":    command,
		"exitCode":   exitCode,
		"stdout":     stdout.String(),
		"stderr":     stderr.String(),
		"truncated":  stdout.truncated || stderr.truncated,
		"durationMs": elapsed.Milliseconds(),
	}), nil
}

// validateCommand requires a bare, allowlisted program name.
func (s *Shell) validateCommand(command string) error {
	if command == "" {
		return fmt.Errorf("%w: command is required", domain.ErrInvalidParams)
	}
	if strings.ContainsAny(command, `/\`) || !s.allowed[command] {
		return fmt.Errorf("%w: %q", domain.ErrCommandNotAllowed, command)
	}
	return nil
}

// cappedBuffer keeps the first limit bytes written and drops the rest.
// A non-positive limit keeps everything.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }
