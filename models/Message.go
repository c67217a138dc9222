package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageSeen      = "seen"
)

// Conversation is the thread between a guest and the host of one property.
type Conversation struct {
	gorm.Model
	PropertyID    uint       `json:"propertyID" gorm:"uniqueIndex:idx_conversation_property_guest"`
	GuestID       uint       `json:"guestID" gorm:"uniqueIndex:idx_conversation_property_guest"`
	HostID        uint       `json:"hostID" gorm:"index"`
	LastMessageAt *time.Time `json:"lastMessageAt" gorm:"index"`
	Property      *Property  `json:"property,omitempty" gorm:"foreignKey:PropertyID"`
	Guest         *User      `json:"-" gorm:"foreignKey:GuestID"`
	Host          *User      `json:"-" gorm:"foreignKey:HostID"`
}

// HasParticipant reports whether userID is the guest or the host.
func (c *Conversation) HasParticipant(userID uint) bool {
	return c.GuestID == userID || c.HostID == userID
}

// OtherParticipant returns the id on the other side of the thread from userID.
func (c *Conversation) OtherParticipant(userID uint) uint {
	if c.GuestID == userID {
		return c.HostID
	}
	return c.GuestID
}

type Message struct {
	gorm.Model
	ConversationID uint   `json:"conversationID" gorm:"index"`
	SenderID       uint   `json:"senderID"`
	ReceiverID     uint   `json:"receiverID" gorm:"index"`
	Text           string `json:"text" gorm:"type:text"`
	// Delivery state
	State       string     `json:"state" gorm:"size:16;index"` // sent|delivered|seen
	DeliveredAt *time.Time `json:"deliveredAt"`
	SeenAt      *time.Time `json:"seenAt"`
}
