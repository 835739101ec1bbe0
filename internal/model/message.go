package model

import "time"

// Message is the metadata of one mailbox message. Bodies are never fetched
// or stored; Snippet is the provider's short preview, used only for matching.
type Message struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Snippet    string    `json:"snippet,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}
