// /internal/voice/conn_discord.go
package voice

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// DiscordConnector joins guild voice channels through a discordgo
// session.
type DiscordConnector struct {
	dg *discordgo.Session
}

func NewDiscordConnector(dg *discordgo.Session) *DiscordConnector {
	return &DiscordConnector{dg: dg}
}

func (c *DiscordConnector) Join(guildID, channelID string) (Conn, error) {
	dc := &discordConn{
		states:    make(chan ConnState, 8),
		done:      make(chan struct{}),
		channelID: channelID,
		state:     ConnConnecting,
	}
	dc.push(ConnConnecting)

	vc, err := c.dg.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		dc.setState(ConnDestroyed)
		return nil, fmt.Errorf("failed to join voice channel: %w", err)
	}
	dc.vc = vc
	dc.setState(ConnReady)

	go dc.monitor()
	return dc, nil
}

// discordConn adapts a discordgo VoiceConnection to the Conn interface.
// discordgo exposes no transition callbacks, so a monitor goroutine folds
// the Ready flag into Ready/Disconnected transitions.
type discordConn struct {
	vc        *discordgo.VoiceConnection
	channelID string

	mu     sync.Mutex
	state  ConnState
	states chan ConnState
	done   chan struct{}
	closed bool
}

func (c *discordConn) monitor() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.vc.RLock()
			ready := c.vc.Ready
			c.vc.RUnlock()

			switch {
			case ready && c.State() != ConnReady:
				c.setState(ConnReady)
			case !ready && c.State() == ConnReady:
				c.setState(ConnDisconnected)
			}
		}
	}
}

func (c *discordConn) setState(s ConnState) {
	c.mu.Lock()
	if c.closed || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.push(s)
}

func (c *discordConn) push(s ConnState) {
	select {
	case c.states <- s:
	default:
		// Watcher is behind; it reads State() when it catches up.
	}
}

func (c *discordConn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *discordConn) StateChanges() <-chan ConnState { return c.states }

func (c *discordConn) OpusSend() chan<- []byte { return c.vc.OpusSend }

func (c *discordConn) Speaking(b bool) error { return c.vc.Speaking(b) }

func (c *discordConn) ChannelID() string { return c.channelID }

func (c *discordConn) Destroy() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = ConnDestroyed
	c.mu.Unlock()

	close(c.done)
	c.vc.Disconnect()
	c.push(ConnDestroyed)
}
