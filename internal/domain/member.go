package domain

// Participant is one user's presence in a live session, as recorded with the
// external session directory.
type Participant struct {
	SessionID SessionID `json:"sessionId"`
	PeerID    PeerID    `json:"peerId"`
	UserID    UserID    `json:"userId"`
}

func NewParticipant(sessionID SessionID, peerID PeerID, userID UserID) Participant {
	return Participant{SessionID: sessionID, PeerID: peerID, UserID: userID}
}

// SessionStatus announces that a peer started or stopped publishing a kind.
type SessionStatus struct {
	SessionID SessionID `json:"sessionId"`
	PeerID    PeerID    `json:"peerId"`
	Kind      MediaKind `json:"kind"`
	Live      bool      `json:"live"`
}
