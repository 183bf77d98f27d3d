package ws

import "time"

// Message is the envelope for all WebSocket messages. Type is the bus topic
// that produced it.
type Message struct {
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// matches reports whether topic starts with any of prefixes. No prefixes
// matches everything.
func matches(prefixes []string, topic string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if len(topic) >= len(p) && topic[:len(p)] == p {
			return true
		}
	}
	return false
}
