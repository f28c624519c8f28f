package secretservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// D-Bus names of the org.freedesktop.Secret API.
const (
	ServiceName         = "org.freedesktop.secrets"
	ServicePath         = dbus.ObjectPath("/org/freedesktop/secrets")
	ServiceInterface    = "org.freedesktop.Secret.Service"
	CollectionInterface = "org.freedesktop.Secret.Collection"
	ItemInterface       = "org.freedesktop.Secret.Item"
	SessionInterface    = "org.freedesktop.Secret.Session"
	PromptInterface     = "org.freedesktop.Secret.Prompt"

	propertiesGet = "org.freedesktop.DBus.Properties.Get"
)

// noPrompt is returned instead of a prompt path when none is needed.
const noPrompt = dbus.ObjectPath("/")

// ErrPromptDismissed is returned when the user closes an unlock prompt.
var ErrPromptDismissed = errors.New("secretservice: prompt dismissed")

// Secret is the (oayays) secret structure.
type Secret struct {
	Session     dbus.ObjectPath
	Parameters  []byte
	Value       []byte
	ContentType string
}

// Bus is the subset of the Secret Service API used by Client.
type Bus interface {
	OpenSession(ctx context.Context, algorithm string, input dbus.Variant) (dbus.Variant, dbus.ObjectPath, error)
	CloseSession(ctx context.Context, session dbus.ObjectPath) error
	Collections(ctx context.Context) ([]dbus.ObjectPath, error)
	CollectionLocked(ctx context.Context, collection dbus.ObjectPath) (bool, error)
	Items(ctx context.Context, collection dbus.ObjectPath) ([]dbus.ObjectPath, error)
	ItemLocked(ctx context.Context, item dbus.ObjectPath) (bool, error)
	ItemLabel(ctx context.Context, item dbus.ObjectPath) (string, error)
	ItemAttributes(ctx context.Context, item dbus.ObjectPath) (map[string]string, error)
	GetSecret(ctx context.Context, item, session dbus.ObjectPath) (Secret, error)

	// Unlock unlocks objects, showing a prompt if the provider asks for one,
	// and returns the objects that ended up unlocked.
	Unlock(ctx context.Context, objects []dbus.ObjectPath) ([]dbus.ObjectPath, error)
	Lock(ctx context.Context, objects []dbus.ObjectPath) error
}

type dbusBus struct {
	conn    *dbus.Conn
	service dbus.BusObject
}

// NewBus returns a Bus on the session bus connection conn.
func NewBus(conn *dbus.Conn) Bus {
	return &dbusBus{conn: conn, service: conn.Object(ServiceName, ServicePath)}
}

func (b *dbusBus) OpenSession(ctx context.Context, algorithm string, input dbus.Variant) (dbus.Variant, dbus.ObjectPath, error) {
	var output dbus.Variant
	var session dbus.ObjectPath
	err := b.service.CallWithContext(ctx, ServiceInterface+".OpenSession", 0, algorithm, input).Store(&output, &session)
	return output, session, err
}

func (b *dbusBus) CloseSession(ctx context.Context, session dbus.ObjectPath) error {
	return b.conn.Object(ServiceName, session).CallWithContext(ctx, SessionInterface+".Close", 0).Err
}

func (b *dbusBus) Collections(ctx context.Context) ([]dbus.ObjectPath, error) {
	var paths []dbus.ObjectPath
	err := b.property(ctx, ServicePath, ServiceInterface, "Collections", &paths)
	return paths, err
}

func (b *dbusBus) CollectionLocked(ctx context.Context, collection dbus.ObjectPath) (bool, error) {
	var locked bool
	err := b.property(ctx, collection, CollectionInterface, "Locked", &locked)
	return locked, err
}

func (b *dbusBus) Items(ctx context.Context, collection dbus.ObjectPath) ([]dbus.ObjectPath, error) {
	var paths []dbus.ObjectPath
	err := b.property(ctx, collection, CollectionInterface, "Items", &paths)
	return paths, err
}

func (b *dbusBus) ItemLocked(ctx context.Context, item dbus.ObjectPath) (bool, error) {
	var locked bool
	err := b.property(ctx, item, ItemInterface, "Locked", &locked)
	return locked, err
}

func (b *dbusBus) ItemLabel(ctx context.Context, item dbus.ObjectPath) (string, error) {
	var label string
	err := b.property(ctx, item, ItemInterface, "Label", &label)
	return label, err
}

func (b *dbusBus) ItemAttributes(ctx context.Context, item dbus.ObjectPath) (map[string]string, error) {
	var attrs map[string]string
	err := b.property(ctx, item, ItemInterface, "Attributes", &attrs)
	return attrs, err
}

func (b *dbusBus) GetSecret(ctx context.Context, item, session dbus.ObjectPath) (Secret, error) {
	var s Secret
	err := b.conn.Object(ServiceName, item).CallWithContext(ctx, ItemInterface+".GetSecret", 0, session).Store(&s)
	return s, err
}

func (b *dbusBus) Unlock(ctx context.Context, objects []dbus.ObjectPath) ([]dbus.ObjectPath, error) {
	var unlocked []dbus.ObjectPath
	var prompt dbus.ObjectPath
	if err := b.service.CallWithContext(ctx, ServiceInterface+".Unlock", 0, objects).Store(&unlocked, &prompt); err != nil {
		return nil, err
	}
	if prompt == noPrompt {
		return unlocked, nil
	}

	result, err := b.prompt(ctx, prompt)
	if err != nil {
		return unlocked, err
	}
	var more []dbus.ObjectPath
	if err := result.Store(&more); err != nil {
		return unlocked, fmt.Errorf("unexpected prompt result %s: %w", result.Signature(), err)
	}
	return append(unlocked, more...), nil
}

func (b *dbusBus) Lock(ctx context.Context, objects []dbus.ObjectPath) error {
	var locked []dbus.ObjectPath
	var prompt dbus.ObjectPath
	if err := b.service.CallWithContext(ctx, ServiceInterface+".Lock", 0, objects).Store(&locked, &prompt); err != nil {
		return err
	}
	if prompt == noPrompt {
		return nil
	}
	_, err := b.prompt(ctx, prompt)
	return err
}

// prompt shows the prompt at path and waits for its Completed signal.
func (b *dbusBus) prompt(ctx context.Context, path dbus.ObjectPath) (dbus.Variant, error) {
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(PromptInterface),
		dbus.WithMatchMember("Completed"),
	}
	if err := b.conn.AddMatchSignalContext(ctx, match...); err != nil {
		return dbus.Variant{}, fmt.Errorf("failed to watch prompt: %w", err)
	}
	defer b.conn.RemoveMatchSignal(match...) //nolint:errcheck

	signals := make(chan *dbus.Signal, 8)
	b.conn.Signal(signals)
	defer b.conn.RemoveSignal(signals)

	obj := b.conn.Object(ServiceName, path)
	if err := obj.CallWithContext(ctx, PromptInterface+".Prompt", 0, "").Err; err != nil {
		return dbus.Variant{}, fmt.Errorf("failed to show prompt: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			obj.Go(PromptInterface+".Dismiss", dbus.FlagNoReplyExpected, nil)
			return dbus.Variant{}, ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return dbus.Variant{}, dbus.ErrClosed
			}
			if sig.Path != path || sig.Name != PromptInterface+".Completed" || len(sig.Body) < 2 {
				continue
			}
			if dismissed, _ := sig.Body[0].(bool); dismissed {
				return dbus.Variant{}, ErrPromptDismissed
			}
			result, _ := sig.Body[1].(dbus.Variant)
			return result, nil
		}
	}
}

func (b *dbusBus) property(ctx context.Context, path dbus.ObjectPath, iface, name string, out any) error {
	var v dbus.Variant
	err := b.conn.Object(ServiceName, path).CallWithContext(ctx, propertiesGet, 0, iface, name).Store(&v)
	if err != nil {
		return err
	}
	if err := v.Store(out); err != nil {
		return fmt.Errorf("property %s.%s: %w", iface, name, err)
	}
	return nil
}
