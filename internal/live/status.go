package live

import "fmt"

// Status is the connection state of a [Manager].
type Status int

const (
	// StatusDisconnected is the initial state and the state after a clean
	// close or an explicit Disconnect.
	StatusDisconnected Status = iota

	// StatusConnecting means devices are being acquired or the remote
	// session is being opened.
	StatusConnecting

	// StatusConnected means the remote session is open and capture runs.
	StatusConnected

	// StatusError is entered on a device or session failure. It persists
	// until the next Connect.
	StatusError
)

// String returns the lower-case name of the status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Busy reports whether a connect attempt is in flight or a session is open.
func (s Status) Busy() bool {
	return s == StatusConnecting || s == StatusConnected
}
