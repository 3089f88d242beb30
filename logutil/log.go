// Package logutil holds helpers shared by the loggers of every subsystem.
package logutil

import (
	"log/slog"

	"github.com/btcsuite/btclog/v2"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/torcirc/linkspec"
)

// LogClosure is used to provide a closure over expensive logging operations so
// don't have to be performed when the logging level doesn't warrant it.
type LogClosure func() string

// String invokes the underlying function and returns the result.
func (c LogClosure) String() string {
	return c()
}

// NewLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func NewLogClosure(c func() string) LogClosure {
	return LogClosure(c)
}

// SpewLogClosure takes an interface and returns the string of it created from
// `spew.Sdump` in a LogClosure.
func SpewLogClosure(a any) LogClosure {
	return func() string {
		return spew.Sdump(a)
	}
}

// LogRelayIDs returns a slog attribute with the first bytes of a relay's
// Ed25519 identity in hex.
func LogRelayIDs(key string, ids linkspec.RelayIDs) slog.Attr {
	if ids.Ed25519.IsZero() {
		return btclog.Hex6(key, ids.RSA[:])
	}

	return btclog.Hex6(key, ids.Ed25519[:])
}
