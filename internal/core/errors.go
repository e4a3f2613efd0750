package core

import "errors"

var (
	ErrNoWorkers          = errors.New("no live media workers")
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomClosed         = errors.New("room closed")
	ErrPeerNotFound       = errors.New("peer not found")
	ErrPeerExists         = errors.New("peer already in room")
	ErrPeerClosed         = errors.New("peer disconnected")
	ErrNotJoined          = errors.New("not joined to a room")
	ErrAlreadyJoined      = errors.New("already joined to a room")
	ErrInvalidDirection   = errors.New("transport direction must be send or recv")
	ErrInvalidKind        = errors.New("media kind must be audio or video")
	ErrTransportNotFound  = errors.New("transport not created")
	ErrTransportConnected = errors.New("transport already connected")
	ErrTransportFailed    = errors.New("transport failed")
	ErrTransportIdle      = errors.New("transport not connected")
	ErrProducerNotFound   = errors.New("producer not found")
	ErrSelfConsume        = errors.New("cannot consume own producer")
	ErrDuplicateConsumer  = errors.New("consumer already exists for producer")
	ErrConsumerNotFound   = errors.New("consumer not found")
	ErrRecordingBusy      = errors.New("recording change in progress")
	ErrAlreadyRecording   = errors.New("room already recording")
	ErrNotRecording       = errors.New("room not recording")
	ErrRecordingRejected  = errors.New("recorder rejected request")
)
