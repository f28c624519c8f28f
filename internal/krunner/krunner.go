// Package krunner exports a runner on the session bus using the KDE
// org.kde.krunner1 D-Bus interface.
package krunner

import (
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"go.uber.org/zap"

	"github.com/forest6511/passrunner/internal/runner"
)

// Interface is the KRunner D-Bus interface name.
const Interface = "org.kde.krunner1"

// Defaults for the exported object.
const (
	DefaultBusName    = "mi.bitwarden.krunner"
	DefaultObjectPath = "/mi/bitwarden/krunner"
	DefaultTimeout    = 10 * time.Second
)

// Runner is what the service exposes.
type Runner interface {
	Match(query string, reply runner.Reply)
	Actions() []runner.Action
	Run(data, action string)
}

// Match is the wire form of runner.Match, signature (sssida{sv}).
type Match struct {
	ID         string
	Text       string
	Icon       string
	Type       int32
	Relevance  float64
	Properties map[string]dbus.Variant
}

// Action is the wire form of runner.Action, signature (sss).
type Action struct {
	ID   string
	Text string
	Icon string
}

// Service implements the org.kde.krunner1 methods.
type Service struct {
	runner  Runner
	timeout time.Duration
	log     *zap.Logger
}

// NewService wraps r. Match calls give up after timeout.
func NewService(r Runner, timeout time.Duration, log *zap.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{runner: r, timeout: timeout, log: log}
}

// Match answers a launcher query.
func (s *Service) Match(query string) ([]Match, *dbus.Error) {
	replies := make(chan []runner.Match, 1)
	s.runner.Match(query, func(m []runner.Match) { replies <- m })

	select {
	case matches := <-replies:
		return toWire(matches), nil
	case <-time.After(s.timeout):
		s.log.Warn("match timed out", zap.Duration("timeout", s.timeout))
		return []Match{}, nil
	}
}

// Actions lists the alternate actions.
func (s *Service) Actions() ([]Action, *dbus.Error) {
	actions := s.runner.Actions()
	out := make([]Action, 0, len(actions))
	for _, a := range actions {
		out = append(out, Action(a))
	}
	return out, nil
}

// Run executes an action on a match.
func (s *Service) Run(data, actionID string) *dbus.Error {
	s.runner.Run(data, actionID)
	return nil
}

func toWire(matches []runner.Match) []Match {
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		props := make(map[string]dbus.Variant, len(m.Properties))
		for k, v := range m.Properties {
			props[k] = dbus.MakeVariant(v)
		}
		out = append(out, Match{
			ID:         m.ID,
			Text:       m.Text,
			Icon:       m.Icon,
			Type:       int32(m.Type),
			Relevance:  m.Relevance,
			Properties: props,
		})
	}
	return out
}

// Export publishes svc at path, with introspection data, and claims
// busName on conn.
func Export(conn *dbus.Conn, svc *Service, busName string, path dbus.ObjectPath) error {
	if err := conn.Export(svc, path, Interface); err != nil {
		return fmt.Errorf("failed to export runner: %w", err)
	}

	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: Interface, Methods: introspect.Methods(svc)},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("failed to export introspection: %w", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request bus name %s: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken", busName)
	}
	return nil
}

// Unexport removes the object and releases busName.
func Unexport(conn *dbus.Conn, busName string, path dbus.ObjectPath) {
	_ = conn.Export(nil, path, Interface)
	_ = conn.Export(nil, path, "org.freedesktop.DBus.Introspectable")
	_, _ = conn.ReleaseName(busName)
}
