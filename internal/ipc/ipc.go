// Package ipc exposes the apply state machine's Apply() call as a
// D-Bus method/property pair, mirroring the shape of the original
// ostree-daemon-apply.c's GDBus-backed object (spec §4.7, §6.4).
package ipc

import (
	"context"
	"fmt"

	"github.com/coreos/pkg/capnslog"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/coreos/ostree-sysroot/internal/applystate"
	"github.com/coreos/ostree-sysroot/internal/ostreeerr"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/ostree-sysroot", "ipc")

// InterfaceName is the D-Bus interface this service exports.
const InterfaceName = "org.coreos.OstreeSysroot1"

// Service wraps an applystate.Machine for D-Bus export. Method calls
// run synchronously up to the point Apply hands off to its worker;
// nothing here blocks on the deploy itself.
type Service struct {
	machine *applystate.Machine
	props   *prop.Properties
}

// NewService constructs a Service bound to machine.
func NewService(machine *applystate.Machine) *Service {
	return &Service{machine: machine}
}

// Apply is the exported D-Bus method. A non-empty revision pins the
// deploy to that checksum; empty redeploys the merge deployment's
// configured revision. It returns the freshly generated update_id, or a
// WRONG_STATE-flavored *dbus.Error when the machine isn't UPDATE_READY
// (spec §6.4).
func (s *Service) Apply(revision string) (string, *dbus.Error) {
	updateID, err := s.machine.Apply(context.Background(), revision)
	if err != nil {
		return "", toDBusError(err)
	}
	return updateID, nil
}

// toDBusError maps the engine's error taxonomy onto a D-Bus error
// name/message pair (spec §6.4): WRONG_STATE gets its own name so
// clients can match on it without parsing text; everything else is
// reported generically with the engine's own message.
func toDBusError(err error) *dbus.Error {
	if ostreeerr.Is(err, ostreeerr.KindWrongState) {
		return dbus.NewError(InterfaceName+".WrongState", []interface{}{err.Error()})
	}
	return dbus.NewError(InterfaceName+".Failed", []interface{}{err.Error()})
}

// Export publishes the service at path on conn, with introspection and
// a read-only "State" property mirroring the machine's current state
// name.
func (s *Service) Export(conn *dbus.Conn, path dbus.ObjectPath) error {
	if err := conn.Export(s, path, InterfaceName); err != nil {
		return fmt.Errorf("exporting %s: %w", InterfaceName, err)
	}

	propsSpec := map[string]map[string]*prop.Prop{
		InterfaceName: {
			"State": {
				Value:    s.machine.State().String(),
				Writable: false,
				Emit:     prop.EmitTrue,
				Callback: nil,
			},
		},
	}
	props, err := prop.Export(conn, path, propsSpec)
	if err != nil {
		return fmt.Errorf("exporting properties: %w", err)
	}
	s.props = props

	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name: InterfaceName,
				Methods: []introspect.Method{
					{
						Name: "Apply",
						Args: []introspect.Arg{
							{Name: "revision", Type: "s", Direction: "in"},
							{Name: "update_id", Type: "s", Direction: "out"},
						},
					},
				},
				Properties: []introspect.Property{
					{Name: "State", Type: "s", Access: "read"},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("exporting introspection: %w", err)
	}

	plog.Infof("exported %s at %s", InterfaceName, path)
	return nil
}

// RefreshState pushes the machine's current state into the exported
// "State" property, emitting a PropertiesChanged signal. Callers should
// invoke this after any transition they drive directly (MarkReady,
// Consume, ResetAfterError); Apply's own worker-completion path is
// covered separately by the daemon's event loop.
func (s *Service) RefreshState() {
	if s.props == nil {
		return
	}
	s.props.SetMust(InterfaceName, "State", s.machine.State().String())
}
