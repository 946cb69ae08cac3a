package types

import "fmt"

// Message is a payload delivered to a subscriber of Group
type Message struct {
	Origin  string `json:"origin"`
	Group   string `json:"group"`
	Payload []byte `json:"payload"`
}

// String returns a string representation of the message
func (m Message) String() string {
	return fmt.Sprintf("Message{Origin: %s, Group: %s, Payload: %d bytes}", m.Origin, m.Group, len(m.Payload))
}
