package domain

// Member represents user's participation meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	User *User
	// PeerID is the connection-scoped id other members address this member by.
	PeerID string
}

func NewMember(user *User, peerID string) *Member {
	return &Member{User: user, PeerID: peerID}
}
