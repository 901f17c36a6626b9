// Package voice coordinates text-to-speech playback on real-time voice
// connections. It owns one session per guild: the session holds the
// transport connection, its player, and a FIFO queue of utterances that
// play strictly one at a time while later utterances synthesize in the
// background. Every wait the package performs is time-bounded.
package voice

import (
	"context"

	"github.com/blurtlabs/blurt/internal/audio"
)

// ConnState is the lifecycle state of a transport connection.
type ConnState int

const (
	// ConnSignalling: the transport is negotiating session details with
	// the remote gateway. Also the state a reconnecting transport
	// re-enters after a drop.
	ConnSignalling ConnState = iota
	// ConnConnecting: session details are agreed and the media link is
	// being established.
	ConnConnecting
	// ConnReady: the connection can carry audio.
	ConnReady
	// ConnDisconnected: the link was lost. The transport may still
	// recover it; watchers decide how long to wait.
	ConnDisconnected
	// ConnDestroyed: the connection was released. Terminal.
	ConnDestroyed
)

func (s ConnState) String() string {
	switch s {
	case ConnSignalling:
		return "signalling"
	case ConnConnecting:
		return "connecting"
	case ConnReady:
		return "ready"
	case ConnDisconnected:
		return "disconnected"
	case ConnDestroyed:
		return "destroyed"
	default:
		return "invalid"
	}
}

// PlayerState is the playback state of a player.
type PlayerState int

const (
	PlayerIdle PlayerState = iota
	PlayerPlaying
)

func (s PlayerState) String() string {
	switch s {
	case PlayerIdle:
		return "idle"
	case PlayerPlaying:
		return "playing"
	default:
		return "invalid"
	}
}

// Conn is a live connection to one voice channel. Implementations
// publish every state transition to channels registered with Watch;
// watch channels must be buffered, a lagging watcher misses transitions
// rather than blocking the publisher.
type Conn interface {
	// ChannelID returns the voice channel the connection was joined to.
	// It never changes for the life of the connection.
	ChannelID() string
	State() ConnState
	Watch(ch chan<- ConnState)
	Unwatch(ch chan<- ConnState)
	// Subscribe attaches a player so its output is rendered on this
	// connection.
	Subscribe(p Player) error
	// Destroy releases the connection and publishes ConnDestroyed.
	// Safe to call more than once.
	Destroy() error
}

// Player renders one clip at a time on the connection it is subscribed
// to. Play returns once playback is underway asynchronously; the
// PlayerPlaying and PlayerIdle transitions report progress.
type Player interface {
	Play(clip *audio.Clip) error
	// Stop halts the current clip. With force set it also interrupts a
	// clip that has not reached the playing state yet.
	Stop(force bool)
	State() PlayerState
	Watch(ch chan<- PlayerState)
	Unwatch(ch chan<- PlayerState)
}

// Transport hands out connections and players for one voice backend.
// Join blocks until the connection is usable or ctx expires.
type Transport interface {
	Join(ctx context.Context, guildID, channelID string) (Conn, error)
	NewPlayer() Player
}
