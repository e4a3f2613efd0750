package core

import (
	"github.com/dkeye/Meet/internal/domain"
)

// Server-originated event names.
const (
	EventRtpCapabilities  = "rtp-capabilities"
	EventNewUserJoined    = "new-user-joined"
	EventPeersInRoom      = "peers-in-room"
	EventTransportOptions = "transport-options"
	EventNewProducer      = "new-producer"
	EventNewConsumer      = "new-consumer"
	EventConsumerClosed   = "consumer-closed"
	EventUserLeave        = "user-leave"
	EventMessage          = "message"
	EventRecordingStarted = "recording-started"
	EventRecordingStopped = "recording-stopped"
	EventReconnect        = "reconnect"
	EventError            = "error"
	EventPong             = "pong"
)

// Client event names an asynchronous error event can refer to.
const (
	EventTransportConnect = "transport-connect"
	EventConsumeProducer  = "consume-producer"
)

type Event struct {
	Name string
	Data any
}

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SentTo  int
	Dropped []domain.PeerID
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID   domain.PeerID `json:"socketId"`
	Name string        `json:"name"`
}

type UserLeave struct {
	SocketID domain.PeerID `json:"socketId"`
	PeerName string        `json:"peerName"`
}

type ProducerOptions struct {
	ProducerID      string          `json:"producerId"`
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
	Paused          bool            `json:"paused"`
}

type NewProducer struct {
	Options  ProducerOptions `json:"options"`
	SocketID domain.PeerID   `json:"socketId"`
	Username string          `json:"username"`
}

type NewConsumer struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
	SocketID      domain.PeerID `json:"socketId"`
	PeerName      string        `json:"peerName"`
}

type ConsumerClosed struct {
	ConsumerID string        `json:"consumerId"`
	ProducerID string        `json:"producerId"`
	SocketID   domain.PeerID `json:"socketId"`
}

type ChatMessage struct {
	SocketID domain.PeerID `json:"socketId"`
	Name     string        `json:"name"`
	Text     string        `json:"text"`
}

type RecordingState struct {
	RoomID domain.RoomID `json:"roomId"`
}

type Reconnect struct {
	RoomID domain.RoomID `json:"roomId"`
	Reason string        `json:"reason"`
}

type ErrorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}
