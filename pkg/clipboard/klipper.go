package clipboard

import (
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// Klipper D-Bus coordinates.
const (
	KlipperService   = "org.kde.klipper"
	KlipperPath      = "/klipper"
	KlipperInterface = "org.kde.klipper.klipper"
)

// Klipper drives the KDE clipboard manager over the session bus.
type Klipper struct {
	obj dbus.BusObject
	log *zap.Logger
}

// NewKlipper returns a Klipper client on conn.
func NewKlipper(conn *dbus.Conn, log *zap.Logger) *Klipper {
	return &Klipper{
		obj: conn.Object(KlipperService, KlipperPath),
		log: log,
	}
}

// Put sets the clipboard contents.
func (k *Klipper) Put(text string) {
	k.send("setClipboardContents", text)
}

// Clear empties the clipboard and its history entry.
func (k *Klipper) Clear() {
	k.send("clearClipboardContents")
}

func (k *Klipper) send(method string, args ...any) {
	call := k.obj.Go(KlipperInterface+"."+method, dbus.FlagNoReplyExpected, nil, args...)
	if call.Err != nil {
		k.log.Warn("klipper call failed", zap.String("method", method), zap.Error(call.Err))
		return
	}
	k.log.Debug("klipper call sent", zap.String("method", method))
}
