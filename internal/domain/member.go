package domain

// Member is a peer's participation meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	ID   PeerID
	Name string
	// Service accounts (recorders, bots) are hidden from member listings.
	Service bool
}

// NewMember validates the display name and marks service accounts.
func NewMember(id PeerID, name string, serviceNames map[string]struct{}) (*Member, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}
	_, service := serviceNames[name]
	return &Member{ID: id, Name: name, Service: service}, nil
}
