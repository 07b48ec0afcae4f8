// Package svc installs and runs coldstore as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"

	"github.com/kardianos/service"
	"github.com/rs/zerolog"
)

// RunFlag marks a process started by the service manager.
const RunFlag = "--service-run"

// RunFunc runs the daemon until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program adapts a RunFunc to service.Interface.
type Program struct {
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start launches the daemon in the background. The service manager requires it not to block.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return errors.New("run function not configured")
	}
	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)
	go func() {
		p.done <- p.Run(ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels the daemon and waits for it to return.
func (p *Program) Stop(service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes the installed service.
type Config struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string
	UserName    string // ignored on windows
	Logger      zerolog.Logger
}

// DefaultConfig returns the service settings used when no flags override them.
func DefaultConfig(configPath string) Config {
	return Config{
		Name:        "coldstore",
		DisplayName: "Coldstore",
		Description: "S3-compatible object storage with tape archival",
		ConfigPath:  configPath,
		Logger:      zerolog.Nop(),
	}
}

// Definition builds the kardianos service definition for cfg.
func Definition(cfg Config) *service.Config {
	def := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   []string{RunFlag, "serve", "--config", cfg.ConfigPath},
	}

	switch runtime.GOOS {
	case "linux":
		def.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		def.Option = service.KeyValue{
			"Restart":     "on-failure",
			"RestartSec":  "5",
			"LimitNOFILE": 65536,
		}
		def.UserName = cfg.UserName
	case "darwin":
		def.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		def.UserName = cfg.UserName
	case "windows":
		def.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return def
}

// Manager drives one installed service.
type Manager struct {
	cfg Config
	svc service.Service
	log zerolog.Logger
}

// New binds prg to the service described by cfg. prg may be nil for control-only use.
func New(cfg Config, prg *Program) (*Manager, error) {
	if prg == nil {
		prg = &Program{ConfigPath: cfg.ConfigPath}
	}
	s, err := service.New(prg, Definition(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return &Manager{
		cfg: cfg,
		svc: s,
		log: cfg.Logger.With().Str("component", "svc").Str("service", cfg.Name).Logger(),
	}, nil
}

// Install registers the service. An existing installation is replaced only when force is set.
func (m *Manager) Install(force bool) error {
	if status, err := m.svc.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed (%s); use --force to reinstall", m.cfg.Name, StatusString(status))
		}
		if status == service.StatusRunning {
			if err := m.svc.Stop(); err != nil {
				m.log.Warn().Err(err).Msg("failed to stop service before reinstall")
			}
		}
		if err := m.svc.Uninstall(); err != nil {
			m.log.Warn().Err(err).Msg("failed to remove previous installation")
		}
	}
	if err := m.svc.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	m.log.Info().Str("config", m.cfg.ConfigPath).Msg("service installed")
	return nil
}

// Uninstall stops the service if needed and removes it.
func (m *Manager) Uninstall() error {
	if status, _ := m.svc.Status(); status == service.StatusRunning {
		if err := m.svc.Stop(); err != nil {
			m.log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := m.svc.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	m.log.Info().Msg("service uninstalled")
	return nil
}

// Control runs a start, stop or restart action.
func (m *Manager) Control(action string) error {
	if !slices.Contains(service.ControlAction[:], action) || action == "install" || action == "uninstall" {
		return fmt.Errorf("unknown service action %q", action)
	}
	if err := service.Control(m.svc, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status reports whether the service is running.
func (m *Manager) Status() (string, error) {
	status, err := m.svc.Status()
	if err != nil {
		return StatusString(service.StatusUnknown), err
	}
	return StatusString(status), nil
}

// Run hands control to the service manager and blocks until it stops the program.
func (m *Manager) Run() error {
	return m.svc.Run()
}

// StatusString renders a service status.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CheckPrivileges fails when installing would need root and we are not root.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether args carry RunFlag.
func IsServiceMode(args []string) bool {
	return slices.Contains(args, RunFlag)
}

// StripRunFlag removes RunFlag so the remaining args can be parsed normally.
func StripRunFlag(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a != RunFlag {
			out = append(out, a)
		}
	}
	return out
}
