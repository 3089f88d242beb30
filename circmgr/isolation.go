package circmgr

import (
	"fmt"
	"sync/atomic"
)

// IsolationToken names a group of streams that may share circuits with
// each other but with nobody else.
type IsolationToken uint64

// nextIsolationToken is the last token handed out. Zero is reserved for
// NoIsolation.
var nextIsolationToken atomic.Uint64

// NewIsolationToken returns a token that is different from every other token
// returned by it, and from NoIsolation.
func NewIsolationToken() IsolationToken {
	return IsolationToken(nextIsolationToken.Add(1))
}

// NoIsolation returns the token shared by all streams that do not ask for
// isolation. All such tokens are equal.
func NoIsolation() IsolationToken {
	return 0
}

// String returns the token number.
func (t IsolationToken) String() string {
	if t == 0 {
		return "none"
	}

	return fmt.Sprintf("#%d", uint64(t))
}

// StreamIsolation is the isolation of one stream: the token chosen for the
// stream itself and the token of whoever owns it.
type StreamIsolation struct {
	Stream IsolationToken
	Owner  IsolationToken
}

// NewStreamIsolation returns the isolation of a stream.
func NewStreamIsolation(stream, owner IsolationToken) StreamIsolation {
	return StreamIsolation{
		Stream: stream,
		Owner:  owner,
	}
}

// MayShareCircuit returns true if streams with isolation s and other may use
// the same circuit. This holds exactly when they are equal.
func (s StreamIsolation) MayShareCircuit(other StreamIsolation) bool {
	return s == other
}

// String returns both tokens.
func (s StreamIsolation) String() string {
	return fmt.Sprintf("stream=%v owner=%v", s.Stream, s.Owner)
}
