package cliproc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nimbridge/nimbridge/internal/infrastructure/config"
	"github.com/nimbridge/nimbridge/pkg/safego"
)

// Event is one parsed line of the CLI's stream-json output, plus the
// synthetic session_info/raw/error/exit events this package adds.
type Event map[string]any

// ErrSessionBusy is returned when a task is started on a session whose
// subprocess is still running.
var ErrSessionBusy = errors.New("session is busy with another task")

const stopGracePeriod = 5 * time.Second

// Session owns at most one live CLI subprocess at a time.
type Session struct {
	cfg    config.CLIConfig
	logger *zap.Logger

	mu        sync.Mutex
	busy      bool
	cmd       *exec.Cmd
	procDone  chan struct{}
	sessionID string
}

func NewSession(cfg config.CLIConfig, logger *zap.Logger) *Session {
	return &Session{cfg: cfg, logger: logger}
}

// Busy reports whether a task is currently running.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// SessionID returns the real session id once the CLI has reported one.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) buildArgs(prompt, sessionID string, fork bool) []string {
	var args []string
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
		if fork {
			args = append(args, "--fork-session")
		}
	}
	args = append(args,
		"-p", prompt,
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
		"--verbose",
	)
	for _, dir := range s.cfg.AddDirs {
		args = append(args, "--add-dir", dir)
	}
	return args
}

func (s *Session) buildEnv() []string {
	env := os.Environ()
	apiURL := s.cfg.APIBaseURL
	if apiURL != "" {
		env = append(env,
			"ANTHROPIC_API_URL="+apiURL,
			"ANTHROPIC_BASE_URL="+strings.TrimSuffix(apiURL, "/v1"),
		)
	}
	env = append(env, "TERM=dumb")
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		// The CLI refuses to start without a key even when it talks to a
		// local endpoint that ignores it.
		env = append(env, "ANTHROPIC_API_KEY=placeholder")
	}
	return env
}

// StartTask spawns the CLI for one prompt and returns its event stream. The
// channel closes after the exit event. Cancelling ctx stops the subprocess.
func (s *Session) StartTask(ctx context.Context, prompt, sessionID string, fork bool) (<-chan Event, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, ErrSessionBusy
	}

	cmd := exec.Command(s.cfg.Binary, s.buildArgs(prompt, sessionID, fork)...)
	cmd.Dir = s.cfg.Workspace
	cmd.Env = s.buildEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("start %s: %w", s.cfg.Binary, err)
	}

	s.busy = true
	s.cmd = cmd
	s.procDone = make(chan struct{})
	procDone := s.procDone
	s.mu.Unlock()

	pid := cmd.Process.Pid
	registerPID(pid)
	s.logger.Info("CLI task started",
		zap.Int("pid", pid),
		zap.String("resume_session", sessionID),
		zap.Bool("fork", fork),
	)

	events := make(chan Event, 64)

	// A cancelled consumer stops the subprocess; the reader then winds down
	// through the normal EOF path.
	stopWatch := make(chan struct{})
	safego.Go(s.logger, "cli-session-canceller", func() {
		select {
		case <-ctx.Done():
			_, _ = s.Stop()
		case <-stopWatch:
		}
	})

	safego.Go(s.logger, "cli-session-reader", func() {
		defer close(events)
		defer close(stopWatch)
		defer func() {
			unregisterPID(pid)
			s.mu.Lock()
			s.busy = false
			s.cmd = nil
			s.mu.Unlock()
		}()

		s.readEvents(ctx, stdout, events)

		stderrBytes, _ := io.ReadAll(io.LimitReader(stderr, 256*1024))
		stderrText := strings.TrimSpace(string(stderrBytes))

		err := cmd.Wait()
		close(procDone)

		exitCode := 0
		if err != nil {
			exitCode = -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			}
		}
		if stderrText != "" {
			s.logger.Debug("CLI stderr", zap.Int("pid", pid), zap.String("stderr", stderrText))
		}

		// The exit event carries stderr; the parser surfaces it as the error
		// on a non-zero exit.
		select {
		case events <- Event{"type": "exit", "code": exitCode, "stderr": stderrText}:
		case <-ctx.Done():
		}

		s.logger.Info("CLI task finished", zap.Int("pid", pid), zap.Int("exit_code", exitCode))
	})

	return events, nil
}

// readEvents frames stdout on newlines and parses each line as JSON. The
// first event carrying a session id triggers a synthetic session_info event
// ahead of it; unparseable lines become raw events. When the consumer's ctx
// is cancelled, sends stop and the rest of stdout is drained so the
// subprocess can exit and be reaped.
func (s *Session) readEvents(ctx context.Context, stdout io.Reader, events chan<- Event) {
	send := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	drain := func() {
		_, _ = io.Copy(io.Discard, stdout)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.ToValidUTF8(strings.TrimSpace(scanner.Text()), "�")
		if line == "" {
			continue
		}

		var parsed map[string]any
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			if !send(Event{"type": "raw", "content": line}) {
				drain()
				return
			}
			continue
		}

		s.mu.Lock()
		known := s.sessionID != ""
		s.mu.Unlock()
		if !known {
			if id := ExtractSessionID(parsed); id != "" {
				s.mu.Lock()
				s.sessionID = id
				s.mu.Unlock()
				if !send(Event{"type": "session_info", "session_id": id}) {
					drain()
					return
				}
			}
		}

		if !send(Event(parsed)) {
			drain()
			return
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Warn("CLI stdout read error", zap.Error(err))
	}
}

// Stop terminates the subprocess: SIGTERM, a grace period, then SIGKILL.
// Reports whether any action was taken.
func (s *Session) Stop() (bool, error) {
	s.mu.Lock()
	cmd := s.cmd
	procDone := s.procDone
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return false, nil
	}

	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			return false, nil
		}
	}
	s.logger.Info("CLI session terminating", zap.Int("pid", pid))

	select {
	case <-procDone:
		return true, nil
	case <-time.After(stopGracePeriod):
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
	s.logger.Warn("CLI session killed after grace period", zap.Int("pid", pid))

	select {
	case <-procDone:
	case <-time.After(time.Second):
	}
	return true, nil
}

var sessionIDKeys = []string{"session_id", "sessionId"}

// ExtractSessionID digs a session id out of a CLI event. Different CLI
// versions report it top-level, nested under init/system/result/metadata,
// or as conversation.id.
func ExtractSessionID(event map[string]any) string {
	for _, key := range sessionIDKeys {
		if id, ok := event[key].(string); ok && id != "" {
			return id
		}
	}
	for _, container := range []string{"init", "system", "result", "metadata"} {
		nested, ok := event[container].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range sessionIDKeys {
			if id, ok := nested[key].(string); ok && id != "" {
				return id
			}
		}
	}
	if conv, ok := event["conversation"].(map[string]any); ok {
		if id, ok := conv["id"].(string); ok && id != "" {
			return id
		}
	}
	return ""
}
