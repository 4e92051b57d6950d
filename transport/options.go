package transport

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"

	"github.com/luma/routeros/storage"
)

// DialOptions describes how a Communicator reaches a device.
type DialOptions struct {
	Host string

	// Port defaults to DefaultPort, or DefaultTLSPort when TLS is set.
	Port int

	// TLS upgrades the connection when set.
	TLS *tls.Config

	// Timeout bounds connecting and every blocking read or write. Zero means
	// no timeout.
	Timeout time.Duration

	Log *zap.Logger
}

// Options configures the emulated device served by TCP.
type Options struct {
	// Host to listen on
	Host string

	// Port to listen on, zero picks a free port
	Port int

	// Reuseport controls setting SO_REUSEPORT
	Reuseport bool

	// Trace logs every sentence at info level. This is only useful in local debugging
	Trace bool

	NumListeners int

	// TLS serves the API over TLS when set.
	TLS *tls.Config

	Store storage.Store

	// Users maps user names to passwords.
	Users map[string]string

	// LegacyLogin makes /login answer with an MD5 challenge, the way devices
	// before RouterOS 6.43 did.
	LegacyLogin bool

	// Identity is reported by /system/identity/print.
	Identity string

	Log *zap.Logger
}
