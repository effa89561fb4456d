package models

import "time"

// Message is a single chat line in a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConversationSummary is the chat thread bound 1:1 to an accepted match.
type ConversationSummary struct {
	ID           string        `json:"id"`
	MatchID      string        `json:"matchId,omitempty"`
	Participants []UserSummary `json:"participants,omitempty"`
	Messages     []Message     `json:"messages,omitempty"`
}

// Conversation is the full resource returned by the conversations API.
type Conversation = ConversationSummary
