package services

import (
	"context"
	"fmt"
	"rentals-server/config"
	"rentals-server/logging"
	"rentals-server/models"
	"rentals-server/storage"
	"rentals-server/utils"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	NoticeReservationRequest   = "reservation_request"
	NoticeReservationConfirmed = "reservation_confirmed"
	NoticeReservationRejected  = "reservation_rejected"
	NoticeReservationCancelled = "reservation_cancelled"
	NoticeReservationExpired   = "reservation_expired"
	NoticePaymentPlanCreated   = "payment_plan_created"
	NoticeInstallmentPaid      = "installment_paid"
	NoticeInstallmentFailed    = "installment_failed"
	NoticeInstallmentReminder  = "installment_reminder"
	NoticeInstallmentOverdue   = "installment_overdue"
	NoticeMessage              = "message"
	NoticePropertyStatus       = "property_status"

	deliveryTimeout = 30 * time.Second
)

// Notice is one notification to fan out. The in-app record is always written;
// Email and SMS are further gated by the recipient's preferences.
type Notice struct {
	Type    string
	Title   string
	Body    string
	RefType string
	RefID   uint
	Email   bool
	SMS     bool
}

var deliveries sync.WaitGroup

// WaitForDeliveries blocks until queued email and SMS sends have finished.
func WaitForDeliveries() {
	deliveries.Wait()
}

// Notify persists an in-app notification, pushes it to open websockets and
// queues email/SMS delivery. Delivery failures are logged, never returned.
func Notify(userID uint, n Notice) *models.Notification {
	log := logging.Log.WithFields(logrus.Fields{"user": userID, "type": n.Type})

	record := models.Notification{
		UserID:  userID,
		Type:    n.Type,
		Title:   n.Title,
		Message: truncate(n.Body, 500),
		RefType: n.RefType,
		RefID:   n.RefID,
	}
	if err := storage.DB.Create(&record).Error; err != nil {
		log.WithError(err).Error("persist notification failed")
		utils.CountNotification("in_app", err)
	} else {
		utils.CountNotification("in_app", nil)
		Hub.Publish(userID, Event{Type: "notification", Data: record})
	}

	if !n.Email && !n.SMS {
		return &record
	}

	var user models.User
	if err := storage.DB.First(&user, userID).Error; err != nil {
		log.WithError(err).Warn("notification recipient not found")
		return &record
	}

	sendEmail := n.Email && user.EmailEnabled()
	sendSMS := n.SMS && user.SMSEnabled()
	if !sendEmail && !sendSMS {
		return &record
	}

	deliveries.Add(1)
	go func() {
		defer deliveries.Done()
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()

		if sendEmail {
			err := Mail.Send(ctx, MailMessage{To: user.Email, Subject: n.Title, Body: emailBody(&user, n)})
			utils.CountNotification("email", err)
			if err != nil {
				log.WithError(err).Warn("email notification failed")
			}
		}
		if sendSMS {
			err := sendSMSNotice(ctx, &user, n)
			utils.CountNotification("sms", err)
			if err != nil {
				log.WithError(err).Warn("sms notification failed")
			}
		}
	}()

	return &record
}

// NotifyAdmins writes an in-app notification for every admin account.
func NotifyAdmins(n Notice) {
	var ids []uint
	if err := storage.DB.Model(&models.User{}).
		Where("role IN ?", []string{models.RoleAdmin, models.RoleSuperAdmin}).
		Pluck("id", &ids).Error; err != nil {
		logging.Log.WithError(err).Error("load admins failed")
		return
	}
	n.Email, n.SMS = false, false
	for _, id := range ids {
		Notify(id, n)
	}
}

func sendSMSNotice(ctx context.Context, user *models.User, n Notice) error {
	countryCode := "1"
	if config.App != nil {
		countryCode = config.App.PhoneCountryCode
	}
	to, err := utils.NormalizePhoneNumber(user.PhoneNumber, countryCode)
	if err != nil {
		return fmt.Errorf("phone %q: %w", user.PhoneNumber, err)
	}
	return SMS.Send(ctx, to, truncate(n.Title+": "+n.Body, 320))
}

func emailBody(user *models.User, n Notice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n%s\n", user.FirstName, n.Body)
	if link := noticeLink(n); link != "" {
		fmt.Fprintf(&b, "\n%s\n", link)
	}
	b.WriteString("\nThe Rentals team")
	return b.String()
}

func noticeLink(n Notice) string {
	if config.App == nil || n.RefID == 0 {
		return ""
	}
	base := strings.TrimRight(config.App.FrontendURL, "/")
	switch n.RefType {
	case "reservation":
		return fmt.Sprintf("%s/reservations/%d", base, n.RefID)
	case "conversation":
		return fmt.Sprintf("%s/messages/%d", base, n.RefID)
	case "property":
		return fmt.Sprintf("%s/properties/%d", base, n.RefID)
	}
	return ""
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

var zeroDecimal = map[string]bool{"jpy": true, "krw": true, "vnd": true, "clp": true, "xof": true, "xaf": true}

// FormatAmount renders minor units for humans, e.g. 12550 usd -> "125.50 USD".
func FormatAmount(amount int64, currency string) string {
	cur := strings.ToLower(currency)
	if zeroDecimal[cur] {
		return fmt.Sprintf("%d %s", amount, strings.ToUpper(cur))
	}
	sign := ""
	if amount < 0 {
		sign, amount = "-", -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, strings.ToUpper(cur))
}

// NotificationService builds the domain notices sent by reservations and payments.
type NotificationService struct{}

func NewNotificationService() *NotificationService {
	return &NotificationService{}
}

func (ns *NotificationService) ReservationRequested(r *models.Reservation, p *models.Property, guest *models.User) {
	Notify(p.HostID, Notice{
		Type:    NoticeReservationRequest,
		Title:   "New reservation request",
		Body:    fmt.Sprintf("%s requested %s from %s to %s.", guest.FullName(), p.Title, r.CheckIn.Format(DayLayout), r.CheckOut.Format(DayLayout)),
		RefType: "reservation",
		RefID:   r.ID,
		Email:   true,
	})
}

func (ns *NotificationService) ReservationDecided(r *models.Reservation, p *models.Property) {
	n := Notice{RefType: "reservation", RefID: r.ID, Email: true, SMS: true}
	switch r.Status {
	case models.ReservationConfirmed:
		n.Type = NoticeReservationConfirmed
		n.Title = "Reservation confirmed"
		n.Body = fmt.Sprintf("Your stay at %s from %s is confirmed.", p.Title, r.CheckIn.Format(DayLayout))
	case models.ReservationRejected:
		n.Type = NoticeReservationRejected
		n.Title = "Reservation declined"
		n.Body = fmt.Sprintf("The host declined your request for %s.", p.Title)
	case models.ReservationExpired:
		n.Type = NoticeReservationExpired
		n.Title = "Reservation expired"
		n.Body = fmt.Sprintf("Your request for %s expired before the host answered.", p.Title)
		n.SMS = false
	default:
		return
	}
	Notify(r.GuestID, n)
}

func (ns *NotificationService) ReservationCancelled(r *models.Reservation, p *models.Property) {
	body := fmt.Sprintf("The reservation for %s from %s was cancelled.", p.Title, r.CheckIn.Format(DayLayout))
	if r.RefundAmount > 0 {
		body += " Refund: " + FormatAmount(r.RefundAmount, r.Currency) + "."
	}
	n := Notice{
		Type:    NoticeReservationCancelled,
		Title:   "Reservation cancelled",
		Body:    body,
		RefType: "reservation",
		RefID:   r.ID,
		Email:   true,
	}
	Notify(r.GuestID, n)
	Notify(p.HostID, n)
}

func (ns *NotificationService) PlanCreated(plan *models.PaymentPlan, guestID uint) {
	Notify(guestID, Notice{
		Type:    NoticePaymentPlanCreated,
		Title:   "Payment plan ready",
		Body:    fmt.Sprintf("A plan of %d installments totalling %s was set up for your reservation.", len(plan.Installments), FormatAmount(plan.TotalAmount, plan.Currency)),
		RefType: "reservation",
		RefID:   plan.ReservationID,
		Email:   true,
	})
}

// InstallmentPaid sends the guest receipt, tells the host, and informs admins.
func (ns *NotificationService) InstallmentPaid(inst *models.Installment, r *models.Reservation, p *models.Property) {
	amount := FormatAmount(inst.Amount, r.Currency)
	Notify(r.GuestID, Notice{
		Type:    NoticeInstallmentPaid,
		Title:   "Payment received",
		Body:    fmt.Sprintf("We received %s for installment %d of your stay at %s.", amount, inst.Sequence, p.Title),
		RefType: "reservation",
		RefID:   r.ID,
		Email:   true,
		SMS:     true,
	})
	Notify(p.HostID, Notice{
		Type:    NoticeInstallmentPaid,
		Title:   "Guest payment received",
		Body:    fmt.Sprintf("Installment %d (%s) for %s was paid.", inst.Sequence, amount, p.Title),
		RefType: "reservation",
		RefID:   r.ID,
		Email:   true,
	})
	NotifyAdmins(Notice{
		Type:    NoticeInstallmentPaid,
		Title:   "Installment paid",
		Body:    fmt.Sprintf("Reservation #%d installment %d paid (%s).", r.ID, inst.Sequence, amount),
		RefType: "reservation",
		RefID:   r.ID,
	})
}

func (ns *NotificationService) InstallmentFailed(inst *models.Installment, r *models.Reservation) {
	body := fmt.Sprintf("Your payment of %s for installment %d did not go through.", FormatAmount(inst.Amount, r.Currency), inst.Sequence)
	if inst.FailureReason != "" {
		body += " " + inst.FailureReason
	}
	Notify(r.GuestID, Notice{
		Type:    NoticeInstallmentFailed,
		Title:   "Payment failed",
		Body:    body,
		RefType: "reservation",
		RefID:   r.ID,
		Email:   true,
		SMS:     true,
	})
}

func (ns *NotificationService) InstallmentReminder(inst *models.Installment, r *models.Reservation) {
	Notify(r.GuestID, Notice{
		Type:    NoticeInstallmentReminder,
		Title:   "Upcoming payment",
		Body:    fmt.Sprintf("Installment %d of %s is due on %s.", inst.Sequence, FormatAmount(inst.Amount, r.Currency), inst.DueDate.Format(DayLayout)),
		RefType: "reservation",
		RefID:   r.ID,
		Email:   true,
		SMS:     true,
	})
}

func (ns *NotificationService) InstallmentOverdue(inst *models.Installment, r *models.Reservation) {
	Notify(r.GuestID, Notice{
		Type:    NoticeInstallmentOverdue,
		Title:   "Payment overdue",
		Body:    fmt.Sprintf("Installment %d of %s was due on %s and is now overdue.", inst.Sequence, FormatAmount(inst.Amount, r.Currency), inst.DueDate.Format(DayLayout)),
		RefType: "reservation",
		RefID:   r.ID,
		Email:   true,
		SMS:     true,
	})
}

func (ns *NotificationService) MessageReceived(msg *models.Message, sender *models.User) {
	Notify(msg.ReceiverID, Notice{
		Type:    NoticeMessage,
		Title:   "New message from " + sender.FirstName,
		Body:    truncate(msg.Text, 200),
		RefType: "conversation",
		RefID:   msg.ConversationID,
		Email:   true,
	})
}

func (ns *NotificationService) PropertyStatusChanged(p *models.Property) {
	var title, body string
	switch p.Status {
	case models.PropertyStatusApproved:
		title = "Listing approved"
		body = fmt.Sprintf("Your listing '%s' is approved and visible to guests.", p.Title)
	case models.PropertyStatusRejected:
		title = "Listing rejected"
		body = fmt.Sprintf("Your listing '%s' was rejected. %s", p.Title, p.ReviewNotes)
	default:
		title = "Listing under review"
		body = fmt.Sprintf("Your listing '%s' is being reviewed.", p.Title)
	}
	Notify(p.HostID, Notice{
		Type:    NoticePropertyStatus,
		Title:   title,
		Body:    strings.TrimSpace(body),
		RefType: "property",
		RefID:   p.ID,
		Email:   true,
	})
}
