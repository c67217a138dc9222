package services

import (
	"context"
	"rentals-server/config"
	"rentals-server/logging"
	"rentals-server/models"
	"rentals-server/storage"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	SpecExpireReservations = "*/15 * * * *"
	SpecHourly             = "0 * * * *"
	SpecDailyPayments      = "0 8 * * *"
)

// dueInstallments loads installments of active plans matching the extra condition.
func dueInstallments(where string, args ...interface{}) ([]models.Installment, error) {
	var out []models.Installment
	err := storage.DB.
		Joins("JOIN payment_plans ON payment_plans.id = installments.payment_plan_id AND payment_plans.deleted_at IS NULL").
		Where("payment_plans.status = ?", models.PlanActive).
		Where(where, args...).
		Preload("PaymentPlan.Reservation").
		Order("installments.due_date ASC").
		Find(&out).Error
	return out, err
}

// SendInstallmentReminders notifies guests of pending installments due in the
// next leadDays days. Each installment is reminded once.
func SendInstallmentReminders(now time.Time, leadDays int) (int, error) {
	today := NormalizeDate(now)
	horizon := today.AddDate(0, 0, leadDays+1)

	due, err := dueInstallments(
		"installments.status = ? AND installments.reminder_sent_at IS NULL AND installments.due_date >= ? AND installments.due_date < ?",
		models.InstallmentPending, today, horizon)
	if err != nil {
		return 0, err
	}

	ns := NewNotificationService()
	sent := 0
	for i := range due {
		inst := &due[i]
		res := storage.DB.Model(&models.Installment{}).
			Where("id = ? AND reminder_sent_at IS NULL", inst.ID).
			Update("reminder_sent_at", now.UTC())
		if res.Error != nil {
			return sent, res.Error
		}
		if res.RowsAffected == 0 || inst.PaymentPlan == nil || inst.PaymentPlan.Reservation == nil {
			continue
		}
		ns.InstallmentReminder(inst, inst.PaymentPlan.Reservation)
		sent++
	}
	return sent, nil
}

// MarkOverdueInstallments flags pending installments whose due date has passed.
func MarkOverdueInstallments(now time.Time) (int, error) {
	due, err := dueInstallments("installments.status = ? AND installments.due_date < ?",
		models.InstallmentPending, NormalizeDate(now))
	if err != nil {
		return 0, err
	}

	ns := NewNotificationService()
	marked := 0
	for i := range due {
		inst := &due[i]
		res := storage.DB.Model(&models.Installment{}).
			Where("id = ? AND status = ?", inst.ID, models.InstallmentPending).
			Update("status", models.InstallmentOverdue)
		if res.Error != nil {
			return marked, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		inst.Status = models.InstallmentOverdue
		marked++
		if inst.PaymentPlan != nil && inst.PaymentPlan.Reservation != nil {
			ns.InstallmentOverdue(inst, inst.PaymentPlan.Reservation)
		}
	}
	return marked, nil
}

// Scheduler wraps the cron runner with the recurring jobs.
type Scheduler struct {
	cron *cron.Cron
	jobs []scheduledJob
}

type scheduledJob struct {
	name string
	id   cron.EntryID
}

func NewScheduler(cfg *config.Config) (*Scheduler, error) {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.PrintfLogger(logging.Log))),
	)

	jobs := []struct {
		spec string
		name string
		run  func() (int, error)
	}{
		{SpecExpireReservations, "expire_reservations", func() (int, error) {
			return ExpirePendingReservations(time.Now().UTC())
		}},
		{SpecHourly, "complete_reservations", func() (int, error) {
			n, err := CompletePastReservations(time.Now().UTC())
			return int(n), err
		}},
		{SpecHourly, "sync_calendars", func() (int, error) {
			synced, _ := SyncAllCalendars(context.Background())
			return synced, nil
		}},
		{SpecDailyPayments, "installment_reminders", func() (int, error) {
			return SendInstallmentReminders(time.Now().UTC(), cfg.ReminderLeadDays)
		}},
		{SpecDailyPayments, "overdue_installments", func() (int, error) {
			return MarkOverdueInstallments(time.Now().UTC())
		}},
	}

	s := &Scheduler{cron: c}
	for _, job := range jobs {
		job := job
		id, err := c.AddFunc(job.spec, func() { runJob(job.name, job.run) })
		if err != nil {
			return nil, err
		}
		s.jobs = append(s.jobs, scheduledJob{name: job.name, id: id})
	}
	return s, nil
}

func runJob(name string, run func() (int, error)) {
	start := time.Now()
	log := logging.Log.WithField("job", name)
	n, err := run()
	if err != nil {
		log.WithError(err).Error("job failed")
		return
	}
	log.WithFields(logrus.Fields{"affected": n, "took": time.Since(start).String()}).Info("job finished")
}

func (s *Scheduler) Start() {
	s.cron.Start()
	logging.Log.WithField("jobs", len(s.cron.Entries())).Info("scheduler started")
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}

// JobNames lists the jobs in registration order.
func (s *Scheduler) JobNames() []string {
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.name)
	}
	return names
}

// RunNow runs every job once, in registration order. Entries() is sorted by
// next run time once the runner starts, so the ids kept at registration are
// used instead.
func (s *Scheduler) RunNow() {
	for _, j := range s.jobs {
		if e := s.cron.Entry(j.id); e.Valid() {
			e.WrappedJob.Run()
		}
	}
}
