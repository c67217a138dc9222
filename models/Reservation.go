package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	ReservationPending   = "pending"
	ReservationConfirmed = "confirmed"
	ReservationRejected  = "rejected"
	ReservationCancelled = "cancelled"
	ReservationCompleted = "completed"
	ReservationExpired   = "expired"

	PaymentUnpaid        = "unpaid"
	PaymentPartiallyPaid = "partially_paid"
	PaymentPaid          = "paid"
)

// Reservation is a booking of a Property by a guest for the nights in [CheckIn, CheckOut).
type Reservation struct {
	gorm.Model
	PropertyID    uint      `json:"propertyID" gorm:"index"`
	GuestID       uint      `json:"guestID" gorm:"index"`
	CheckIn       time.Time `json:"checkIn"`
	CheckOut      time.Time `json:"checkOut"`
	NumGuests     int       `json:"numGuests"`
	Nights        int       `json:"nights"`
	TotalPrice    int64     `json:"totalPrice"`
	Currency      string    `json:"currency" gorm:"size:3"`
	Status        string    `json:"status" gorm:"size:16;index"`        // pending, confirmed, rejected, cancelled, completed, expired
	PaymentStatus string    `json:"paymentStatus" gorm:"size:16;index"` // unpaid, partially_paid, paid
	Note          string    `json:"note"`
	ExpiresAt     time.Time `json:"expiresAt"`
	RefundAmount  int64     `json:"refundAmount"`
	CancelReason  string    `json:"cancelReason"`

	// Relationships
	Property    *Property    `json:"property,omitempty" gorm:"foreignKey:PropertyID"`
	Guest       *User        `json:"guest,omitempty" gorm:"foreignKey:GuestID"`
	PaymentPlan *PaymentPlan `json:"paymentPlan,omitempty" gorm:"foreignKey:ReservationID"`
}

// Cancellable reports whether a guest or admin may still cancel.
func (r *Reservation) Cancellable() bool {
	return r.Status == ReservationPending || r.Status == ReservationConfirmed
}
