// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	MaxPeerNameLen = 36
	MaxRoomIDLen   = 64
)

var (
	ErrNameTooLong   = errors.New("name too long")
	ErrNameEmpty     = errors.New("name empty")
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

// PeerID equals the signaling connection id of the peer.
type PeerID string

// NormalizeName trims the display name and checks its length in runes.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxPeerNameLen {
		return "", ErrNameTooLong
	}
	return name, nil
}
