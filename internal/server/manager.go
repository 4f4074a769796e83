// Package server supervises a locally managed inference backend process:
// it spawns the serve command, waits for readiness, monitors health, and
// restarts the process a bounded number of times before giving up.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Lllllllleong/ocrflow/internal/logger"
)

// ErrBackendGaveUp is returned when the backend exceeded its restart budget.
var ErrBackendGaveUp = errors.New("inference backend exceeded restart budget")

// Config describes how to launch and supervise the backend.
type Config struct {
	// Command is the serve binary, e.g. "vllm". Args are appended after the
	// built-in serve arguments.
	Command string
	Args    []string
	Model   string
	Port    int
	// ServedModelName is the name the backend advertises on /v1/models.
	ServedModelName string

	HealthInterval  time.Duration
	ReadyTimeout    time.Duration
	MaxRestarts     int
	RestartDelay    time.Duration
	StopGracePeriod time.Duration
}

func (c *Config) applyDefaults() {
	if c.Command == "" {
		c.Command = "vllm"
	}
	if c.Port == 0 {
		c.Port = 30024
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 5 * time.Minute
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 10
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 10 * time.Second
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = 10 * time.Second
	}
}

// Manager owns the backend process lifecycle.
type Manager struct {
	cfg  Config
	log  *logger.Logger
	http *http.Client

	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   chan struct{}
	restarts int
	started  time.Time
}

// NewManager creates a backend supervisor. It does not start anything.
func NewManager(cfg Config, log *logger.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:  cfg,
		log:  log.ComponentLogger("backend"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// BaseURL returns the OpenAI-compatible endpoint the supervised backend
// serves on.
func (m *Manager) BaseURL() string {
	return fmt.Sprintf("http://localhost:%d", m.cfg.Port)
}

// Start launches the backend and blocks until it answers health checks or
// the ready timeout elapses.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.spawn(ctx); err != nil {
		return err
	}
	if err := m.waitReady(ctx); err != nil {
		m.Stop()
		return err
	}
	m.log.Info().Str("url", m.BaseURL()).Msg("Inference backend is ready")
	return nil
}

// Monitor watches the backend until ctx is cancelled, restarting it when it
// dies or fails three consecutive health checks. Returns ErrBackendGaveUp
// once the restart budget is spent.
func (m *Manager) Monitor(ctx context.Context) error {
	const maxConsecutiveFailures = 3
	failures := 0
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.exitedCh():
			m.log.Error().Msg("Backend process died unexpectedly")
			if err := m.restart(ctx); err != nil {
				return err
			}
			failures = 0
		case <-ticker.C:
			if m.healthy(ctx) {
				if failures > 0 {
					m.log.Info().Msg("Backend health check recovered")
				}
				failures = 0
				continue
			}
			failures++
			m.log.Warn().Int("failures", failures).Msg("Backend health check failed")
			if failures >= maxConsecutiveFailures {
				m.log.Error().Msg("Consecutive health check failures, restarting backend")
				if err := m.restart(ctx); err != nil {
					return err
				}
				failures = 0
			}
		}
	}
}

// Stop terminates the backend, escalating to SIGKILL after the grace period.
func (m *Manager) Stop() {
	m.mu.Lock()
	cmd := m.cmd
	exited := m.exited
	m.cmd = nil
	m.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	m.log.Info().Msg("Stopping inference backend")
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
		m.log.Info().Msg("Backend stopped gracefully")
	case <-time.After(m.cfg.StopGracePeriod):
		m.log.Warn().Msg("Backend ignored SIGTERM, killing")
		_ = cmd.Process.Kill()
		<-exited
	}
}

func (m *Manager) spawn(ctx context.Context) error {
	args := []string{
		"serve", m.cfg.Model,
		"--port", fmt.Sprintf("%d", m.cfg.Port),
	}
	if m.cfg.ServedModelName != "" {
		args = append(args, "--served-model-name", m.cfg.ServedModelName)
	}
	args = append(args, m.cfg.Args...)

	cmd := exec.Command(m.cfg.Command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open backend stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open backend stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start backend %q: %w", m.cfg.Command, err)
	}

	exited := make(chan struct{})
	m.mu.Lock()
	m.cmd = cmd
	m.exited = exited
	m.started = time.Now()
	m.mu.Unlock()

	m.log.Info().Int("pid", cmd.Process.Pid).Str("command", m.cfg.Command+" "+strings.Join(args, " ")).Msg("Started inference backend")

	go m.relayLogs(stdout, "stdout")
	go m.relayLogs(stderr, "stderr")
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	return nil
}

func (m *Manager) restart(ctx context.Context) error {
	m.mu.Lock()
	m.restarts++
	restarts := m.restarts
	m.mu.Unlock()
	if restarts > m.cfg.MaxRestarts {
		return ErrBackendGaveUp
	}

	m.log.Info().Int("attempt", restarts).Int("budget", m.cfg.MaxRestarts).Msg("Restarting inference backend")
	m.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(m.cfg.RestartDelay):
	}
	if err := m.spawn(ctx); err != nil {
		return err
	}
	return m.waitReady(ctx)
}

func (m *Manager) exitedCh() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exited
}

// waitReady polls health until the backend answers or the process dies.
func (m *Manager) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(m.cfg.ReadyTimeout)
	for time.Now().Before(deadline) {
		if m.healthy(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.exitedCh():
			return fmt.Errorf("backend process exited before becoming ready")
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("backend did not become ready within %s", m.cfg.ReadyTimeout)
}

// healthy checks /v1/models and requires a parseable model list.
func (m *Manager) healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.BaseURL()+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		Data []json.RawMessage `json:"data"`
	}
	return json.NewDecoder(resp.Body).Decode(&body) == nil
}

// relayLogs forwards backend output into structured logs. Errors surface at
// warn level so operator-relevant lines are not buried at debug.
func (m *Manager) relayLogs(r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "ERROR") || strings.Contains(line, "CRITICAL"):
			m.log.Warn().Str("stream", stream).Msg(line)
		default:
			m.log.Debug().Str("stream", stream).Msg(line)
		}
	}
}
