// /internal/relay/protocol.go
package relay

import (
	"encoding/json"
	"fmt"
)

// Event discriminates every message that crosses the relay WebSocket.
// The set is closed: unknown events are rejected at the transport
// boundary instead of leaking dynamic payloads into the instance logic.
type Event string

const (
	// Inbound (server → client).
	EventSystemInit        Event = "system/init"
	EventSystemDisconnect  Event = "system/disconnect"
	EventSystemError       Event = "system/error"
	EventControlLocked     Event = "control/locked"
	EventControlRequesting Event = "control/requesting"

	// Both directions.
	EventControlRelease Event = "control/release"

	// Outbound (client → server).
	EventControlRequest  Event = "control/request"
	EventClientHeartbeat Event = "client/heartbeat"
	EventControlClick    Event = "control/click"
	EventControlKey      Event = "control/key"
	EventControlText     Event = "control/text"
	EventSessionRestore  Event = "session/restore"
)

// Cookie is one browser session cookie, persisted across restarts so an
// instance can resume an authenticated browser session.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// SystemInit is sent by the server right after the socket opens. Receiving
// it completes authentication.
type SystemInit struct {
	SessionID   string   `json:"session_id"`
	ControlHost string   `json:"control_host"`
	Members     []string `json:"members"`
	Cookies     []Cookie `json:"cookies,omitempty"`
}

// ControlLocked announces which session now holds the input control lock.
type ControlLocked struct {
	ID string `json:"id"`
}

// ControlReleased announces that a session gave the control lock up.
type ControlReleased struct {
	ID string `json:"id"`
}

// ControlRequesting notifies that another session is contending for
// control while someone holds the lock.
type ControlRequesting struct {
	ID string `json:"id"`
}

// SystemDisconnect is a hard kick; the connection is terminal after it.
type SystemDisconnect struct {
	Message string `json:"message"`
}

// SystemError reports a server-side fault. Logged, non-fatal.
type SystemError struct {
	Message string `json:"message"`
}

// envelope carries the discriminator plus the raw remainder of the frame.
type envelope struct {
	Event Event `json:"event"`
}

// DecodeMessage decodes one inbound frame into its typed variant.
func DecodeMessage(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed relay frame: %w", err)
	}

	switch env.Event {
	case EventSystemInit:
		var m SystemInit
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Event, err)
		}
		return m, nil
	case EventControlLocked:
		var m ControlLocked
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Event, err)
		}
		return m, nil
	case EventControlRelease:
		var m ControlReleased
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Event, err)
		}
		return m, nil
	case EventControlRequesting:
		var m ControlRequesting
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Event, err)
		}
		return m, nil
	case EventSystemDisconnect:
		var m SystemDisconnect
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Event, err)
		}
		return m, nil
	case EventSystemError:
		var m SystemError
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", env.Event, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown relay event %q", env.Event)
	}
}

// Outbound frames. Each carries its own discriminator so encoding is a
// single WriteJSON call.

type controlRequestFrame struct {
	Event Event `json:"event"`
}

type controlReleaseFrame struct {
	Event Event `json:"event"`
}

type heartbeatFrame struct {
	Event Event `json:"event"`
}

type clickFrame struct {
	Event Event `json:"event"`
	X     int   `json:"x"`
	Y     int   `json:"y"`
}

type keyFrame struct {
	Event Event  `json:"event"`
	Key   string `json:"key"`
}

type textFrame struct {
	Event Event  `json:"event"`
	Text  string `json:"text"`
}

type sessionRestoreFrame struct {
	Event   Event    `json:"event"`
	Cookies []Cookie `json:"cookies"`
}
