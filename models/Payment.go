package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	PlanActive    = "active"
	PlanCompleted = "completed"
	PlanCancelled = "cancelled"

	InstallmentPending   = "pending"
	InstallmentPaid      = "paid"
	InstallmentFailed    = "failed"
	InstallmentOverdue   = "overdue"
	InstallmentCancelled = "cancelled"

	PaymentSucceeded = "succeeded"
	PaymentFailed    = "failed"
)

// PaymentPlan splits a reservation's total into scheduled installments.
type PaymentPlan struct {
	gorm.Model
	ReservationID uint          `json:"reservationID" gorm:"index"`
	CreatedByID   uint          `json:"createdByID"` // 0 when created by a guest paying in full
	TotalAmount   int64         `json:"totalAmount"`
	Currency      string        `json:"currency" gorm:"size:3"`
	Status        string        `json:"status" gorm:"size:16;index"` // active, completed, cancelled
	Installments  []Installment `json:"installments" gorm:"foreignKey:PaymentPlanID"`
	Reservation   *Reservation  `json:"reservation,omitempty" gorm:"foreignKey:ReservationID"`
}

// Installment is one scheduled partial payment.
type Installment struct {
	gorm.Model
	PaymentPlanID         uint         `json:"paymentPlanID" gorm:"index"`
	Sequence              int          `json:"sequence"`
	Amount                int64        `json:"amount"`
	DueDate               time.Time    `json:"dueDate" gorm:"index"`
	Status                string       `json:"status" gorm:"size:16;index"` // pending, paid, failed, overdue, cancelled
	StripeSessionID       string       `json:"stripeSessionID" gorm:"size:255;index"`
	StripePaymentIntentID string       `json:"stripePaymentIntentID" gorm:"size:255;index"`
	PaidAt                *time.Time   `json:"paidAt"`
	FailureReason         string       `json:"failureReason"`
	ReminderSentAt        *time.Time   `json:"reminderSentAt"`
	PaymentPlan           *PaymentPlan `json:"paymentPlan,omitempty" gorm:"foreignKey:PaymentPlanID"`
}

// Payable reports whether a checkout may be started for the installment.
func (i *Installment) Payable() bool {
	switch i.Status {
	case InstallmentPending, InstallmentFailed, InstallmentOverdue:
		return true
	}
	return false
}

// Payment records one processor outcome for an installment.
type Payment struct {
	gorm.Model
	InstallmentID         uint   `json:"installmentID" gorm:"index"`
	ReservationID         uint   `json:"reservationID" gorm:"index"`
	UserID                uint   `json:"userID" gorm:"index"`
	Amount                int64  `json:"amount"`
	Currency              string `json:"currency" gorm:"size:3"`
	Status                string `json:"status" gorm:"size:16;uniqueIndex:idx_payment_intent_status"` // succeeded, failed
	StripePaymentIntentID string `json:"stripePaymentIntentID" gorm:"size:255;uniqueIndex:idx_payment_intent_status"`
	StripeSessionID       string `json:"stripeSessionID" gorm:"size:255"`
	FailureReason         string `json:"failureReason"`
}

// WebhookEvent records a processed processor event so replays are ignored.
type WebhookEvent struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	StripeEventID string    `json:"stripeEventID" gorm:"size:255;uniqueIndex"`
	Type          string    `json:"type" gorm:"size:64"`
	ProcessedAt   time.Time `json:"processedAt"`
}
