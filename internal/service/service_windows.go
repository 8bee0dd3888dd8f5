//go:build windows

package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

func isRootImpl() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}

func installImpl(cfg Config, execPath string) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to open service control manager: %w", err)
	}
	defer m.Disconnect()

	if s, err := m.OpenService(cfg.Name); err == nil {
		s.Close()
		return fmt.Errorf("service %s is already installed", cfg.Name)
	}

	s, err := m.CreateService(cfg.Name, execPath, mgr.Config{
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		StartType:   mgr.StartAutomatic,
	}, cfg.args()...)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	defer s.Close()
	fmt.Printf("Created Windows service: %s\n", cfg.Name)

	if err := s.Start(); err != nil {
		fmt.Printf("Note: service created but failed to start: %v\n", err)
		fmt.Println("Start it manually with: sc start", cfg.Name)
		return nil
	}
	fmt.Printf("Started Windows service: %s\n", cfg.Name)
	return nil
}

func uninstallImpl(name string) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to open service control manager: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return fmt.Errorf("service %s is not installed", name)
	}
	defer s.Close()

	if status, err := s.Query(); err == nil && status.State != svc.Stopped {
		if _, err := s.Control(svc.Stop); err != nil {
			fmt.Printf("Note: could not stop service: %v\n", err)
		} else {
			waitStopped(s, StopTimeout)
		}
	}

	if err := s.Delete(); err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}
	fmt.Printf("Removed Windows service: %s\n", name)
	return nil
}

func waitStopped(s *mgr.Service, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, err := s.Query()
		if err != nil || status.State == svc.Stopped {
			return
		}
		time.Sleep(300 * time.Millisecond)
	}
}

func statusImpl(name string) (string, error) {
	m, err := mgr.Connect()
	if err != nil {
		return "", fmt.Errorf("failed to open service control manager: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return "not installed", nil
	}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		return "unknown", nil
	}
	switch status.State {
	case svc.Stopped:
		return "stopped", nil
	case svc.StartPending:
		return "starting", nil
	case svc.StopPending:
		return "stopping", nil
	case svc.Running:
		return "running", nil
	case svc.Paused:
		return "paused", nil
	}
	return "unknown", nil
}

func isInstalledImpl(name string) bool {
	m, err := mgr.Connect()
	if err != nil {
		return false
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return false
	}
	s.Close()
	return true
}

func isInteractiveImpl() bool {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return true
	}
	return !isService
}

func runAsServiceImpl(name string, runner Runner) error {
	return svc.Run(name, &handler{runner: runner})
}

type handler struct {
	runner Runner
}

// Execute implements svc.Handler.
func (h *handler) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown

	changes <- svc.Status{State: svc.StartPending}
	if err := h.runner.Start(); err != nil {
		return false, 1
	}
	changes <- svc.Status{State: svc.Running, Accepts: accepted}

	var exitCode uint32
loop:
	for {
		select {
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				break loop
			}
		case <-h.runner.Done():
			// The relay loop gave up; a non-zero code lets the SCM recovery
			// actions restart the service.
			exitCode = 3
			break loop
		}
	}

	changes <- svc.Status{State: svc.StopPending}
	ctx, cancel := context.WithTimeout(context.Background(), StopTimeout)
	defer cancel()
	if err := h.runner.StopWithContext(ctx); err != nil {
		return false, 2
	}
	return false, exitCode
}
