// /internal/voice/conn.go
package voice

// ConnState is the lifecycle state of one guild's voice transport.
type ConnState int

const (
	ConnConnecting ConnState = iota
	ConnSignalling
	ConnReady
	ConnDisconnected
	ConnDestroyed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "Connecting"
	case ConnSignalling:
		return "Signalling"
	case ConnReady:
		return "Ready"
	case ConnDisconnected:
		return "Disconnected"
	case ConnDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// Conn is one live voice connection. Implemented over discordgo in
// production; tests substitute a fake.
type Conn interface {
	State() ConnState
	// StateChanges delivers every transition. The channel has a single
	// consumer: the manager's connection watcher.
	StateChanges() <-chan ConnState
	OpusSend() chan<- []byte
	Speaking(bool) error
	ChannelID() string
	Destroy()
}

// Connector opens voice connections.
type Connector interface {
	Join(guildID, channelID string) (Conn, error)
}
