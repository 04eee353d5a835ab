package turn

import (
	"time"

	"github.com/lanikai/iceagent/internal/stun"
)

// Channel binding lifetime and refresh slack: a binding is
// valid for 600s; we refresh at 600-60=540s so that a refresh always lands
// well before expiry.
const (
	channelLifetime = 600 * time.Second
	channelSlack    = 60 * time.Second
	channelRefresh  = channelLifetime - channelSlack

	permissionLifetime = 300 * time.Second
	permissionSlack    = 60 * time.Second
	permissionRefresh  = permissionLifetime - permissionSlack
)

// channelState is the lifecycle of a single channel binding.
type channelState int

const (
	channelPending channelState = iota
	channelBound
)

// channel is a TURN channel binding.
type channel struct {
	peer      stun.Address
	number    uint16
	state     channelState
	refreshAt time.Time
}

func (c *channel) needsRefresh(now time.Time) bool {
	return c.state == channelBound && !now.Before(c.refreshAt)
}

// permission is a TURN CreatePermission grant for one peer address: its
// lifetime is 5 minutes minus refresh slack.
type permissionState int

const (
	permissionSent permissionState = iota
	permissionInstalled
)

type permission struct {
	peer      stun.Address
	state     permissionState
	refreshAt time.Time
}

func (p *permission) needsRefresh(now time.Time) bool {
	return p.state == permissionInstalled && !now.Before(p.refreshAt)
}

func peerKey(a stun.Address) stun.Address {
	// Permissions and channels are scoped to IP only, not port
	// ([RFC5766 §9]); zero the port to use as a stable map key.
	a.Port = 0
	return a
}
