package services

import (
	"rentals-server/config"
	"rentals-server/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendInstallmentReminders(t *testing.T) {
	db := setupDB(t)
	mail, _ := installFakes(t)
	host := createUser(t, db, "host@example.com", models.RoleHost)
	guest := createUser(t, db, "guest@example.com", models.RoleUser)
	p := createProperty(t, db, host.ID)
	r := createReservation(t, db, p, guest.ID, day("2030-06-10"), 3, models.ReservationConfirmed)

	now := time.Date(2030, 3, 1, 8, 0, 0, 0, time.UTC)
	_, err := CreatePaymentPlan(r.ID, 0, PlanInput{Installments: []InstallmentInput{
		{Amount: 10000, DueDate: day("2030-03-02")},
		{Amount: 10000, DueDate: day("2030-03-04")},
		{Amount: 12000, DueDate: day("2030-03-05")},
	}})
	require.NoError(t, err)
	WaitForDeliveries()
	before := len(mail.Sent())

	n, err := SendInstallmentReminders(now, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = SendInstallmentReminders(now, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "reminders are sent once")

	WaitForDeliveries()
	assert.Len(t, mail.Sent(), before+2)
}

func TestMarkOverdueInstallments(t *testing.T) {
	db := setupDB(t)
	installFakes(t)
	host := createUser(t, db, "host@example.com", models.RoleHost)
	guest := createUser(t, db, "guest@example.com", models.RoleUser)
	p := createProperty(t, db, host.ID)
	r := createReservation(t, db, p, guest.ID, day("2030-06-10"), 3, models.ReservationConfirmed)

	plan, err := CreatePaymentPlan(r.ID, 0, PlanInput{Count: 2, FirstDueDate: day("2030-03-01"), IntervalDays: 30})
	require.NoError(t, err)

	n, err := MarkOverdueInstallments(time.Date(2030, 3, 2, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var first, second models.Installment
	db.First(&first, plan.Installments[0].ID)
	db.First(&second, plan.Installments[1].ID)
	assert.Equal(t, models.InstallmentOverdue, first.Status)
	assert.Equal(t, models.InstallmentPending, second.Status)
	assert.True(t, first.Payable())

	var notes int64
	db.Model(&models.Notification{}).Where("user_id = ? AND type = ?", guest.ID, NoticeInstallmentOverdue).Count(&notes)
	assert.Equal(t, int64(1), notes)
}

func TestNewSchedulerRegistersJobs(t *testing.T) {
	s, err := NewScheduler(&config.Config{ReminderLeadDays: 3})
	require.NoError(t, err)
	assert.Len(t, s.Entries(), 5)
	assert.Equal(t, []string{
		"expire_reservations",
		"complete_reservations",
		"sync_calendars",
		"installment_reminders",
		"overdue_installments",
	}, s.JobNames())
}

func TestSchedulerRunNowWhileRunning(t *testing.T) {
	db := setupDB(t)
	installFakes(t)
	host := createUser(t, db, "host@example.com", models.RoleHost)
	guest := createUser(t, db, "guest@example.com", models.RoleUser)
	property := createProperty(t, db, host.ID)

	past := time.Now().UTC().Add(-time.Hour)
	stale := models.Reservation{
		PropertyID: property.ID,
		GuestID:    guest.ID,
		CheckIn:    NormalizeDate(time.Now().AddDate(0, 0, 10)),
		CheckOut:   NormalizeDate(time.Now().AddDate(0, 0, 12)),
		NumGuests:  1,
		Status:     models.ReservationPending,
		ExpiresAt:  past,
	}
	require.NoError(t, db.Create(&stale).Error)

	s, err := NewScheduler(&config.Config{ReminderLeadDays: 3})
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.Stop)

	s.RunNow()

	var reloaded models.Reservation
	require.NoError(t, db.First(&reloaded, stale.ID).Error)
	assert.Equal(t, models.ReservationExpired, reloaded.Status)
}
