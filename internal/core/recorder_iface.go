package core

import (
	"context"

	"github.com/dkeye/Meet/internal/domain"
)

//go:generate mockgen -destination=mock_recorder.go -package=core . Recorder

type RecordingRequest struct {
	RoomID  domain.RoomID
	OwnerID domain.PeerID
}

// Recorder talks to the external recording service. Both calls return
// only after the service confirmed the change.
type Recorder interface {
	Start(ctx context.Context, req RecordingRequest) error
	Stop(ctx context.Context, req RecordingRequest) error
}
