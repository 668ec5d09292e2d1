// Package svc integrates the agent with the platform service manager
// (systemd, launchd, SCM) for install/uninstall and lifecycle control.
package svc

import (
	"fmt"

	"github.com/kardianos/service"
)

const (
	serviceName        = "fleetguard-agent"
	serviceDisplayName = "FleetGuard Agent"
	serviceDescription = "FleetGuard fleet-management agent"
)

// agent adapts start/stop callbacks to the service manager interface.
type agent struct {
	start func()
	stop  func()
}

func (a *agent) Start(service.Service) error {
	go a.start()
	return nil
}

func (a *agent) Stop(service.Service) error {
	a.stop()
	return nil
}

func newService(start, stop func()) (service.Service, error) {
	if start == nil {
		start = func() {}
	}
	if stop == nil {
		stop = func() {}
	}
	cfg := &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
		Arguments:   []string{"run"},
	}
	return service.New(&agent{start: start, stop: stop}, cfg)
}

// Control performs a service-manager action: install, uninstall, start,
// stop or restart.
func Control(action string) error {
	valid := false
	for _, a := range service.ControlAction {
		if a == action {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("unknown service action %q", action)
	}

	s, err := newService(nil, nil)
	if err != nil {
		return err
	}
	return service.Control(s, action)
}

// Run executes the agent under the service manager when launched by it,
// or in the foreground otherwise. Blocks until stopped.
func Run(start, stop func()) error {
	s, err := newService(start, stop)
	if err != nil {
		return err
	}
	return s.Run()
}

// Interactive reports whether the process was started from a terminal
// rather than the service manager.
func Interactive() bool {
	return service.Interactive()
}
