package app

import (
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

type Policy interface {
	OnBackPressure(room *core.Room, peer domain.PeerID) BackpressureAction
}

// SimplePolicy disconnects any member whose outbound queue overflows:
// a missed negotiation event cannot be recovered by the client.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*core.Room, domain.PeerID) BackpressureAction {
	return KickMember
}
