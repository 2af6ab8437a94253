package models

type ChatRole string

const (
	RoleUser  ChatRole = "user"
	RoleModel ChatRole = "model"
)

// WelcomeMessageID marks the client-side greeting, which is never sent upstream.
const WelcomeMessageID = "welcome"

type ChatMessage struct {
	ID       string   `json:"id,omitempty"`
	Role     ChatRole `json:"role"`
	Text     string   `json:"text"`
	IsTyping bool     `json:"isTyping,omitempty"`
}
