package domain

// Turn is one persisted conversation exchange: the user's original message
// and the full reply produced by whichever backend handled it.
type Turn struct {
	UserID        string
	Timestamp     string
	SessionID     string
	UserMessage   string
	AgentResponse string
}

// Attachment is the single optional file of an inbound turn, already decoded
// from its transport encoding.
type Attachment struct {
	Name     string
	MIMEType string
	Data     []byte
}
