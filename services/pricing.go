package services

import (
	"errors"
	"rentals-server/models"
	"time"
)

const (
	DayLayout     = "2006-01-02"
	MaxStayNights = 365
)

var (
	ErrInvalidStay   = errors.New("checkOut must be after checkIn")
	ErrMinNights     = errors.New("stay is shorter than the minimum nights")
	ErrTooManyGuests = errors.New("guest count exceeds capacity")
	ErrStayTooLong   = errors.New("stay exceeds 365 nights")
)

// NightPrice is one night of a quote.
type NightPrice struct {
	Date    string `json:"date"`
	Price   int64  `json:"price"`
	Weekend bool   `json:"weekend"`
}

type Quote struct {
	PropertyID  uint         `json:"propertyID"`
	CheckIn     time.Time    `json:"checkIn"`
	CheckOut    time.Time    `json:"checkOut"`
	Nights      int          `json:"nights"`
	Guests      int          `json:"guests"`
	Breakdown   []NightPrice `json:"breakdown"`
	Subtotal    int64        `json:"subtotal"`
	CleaningFee int64        `json:"cleaningFee"`
	ServiceFee  int64        `json:"serviceFee"`
	Total       int64        `json:"total"`
	Currency    string       `json:"currency"`
}

// NormalizeDate truncates t to midnight UTC of its calendar day.
func NormalizeDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDay accepts YYYY-MM-DD or an RFC 3339 timestamp.
func ParseDay(s string) (time.Time, error) {
	if t, err := time.Parse(DayLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return NormalizeDate(t), nil
}

// NightsBetween counts the nights in [checkIn, checkOut).
func NightsBetween(checkIn, checkOut time.Time) int {
	n := 0
	for d := NormalizeDate(checkIn); d.Before(NormalizeDate(checkOut)); d = d.AddDate(0, 0, 1) {
		n++
	}
	return n
}

func isWeekendNight(d time.Time) bool {
	return d.Weekday() == time.Friday || d.Weekday() == time.Saturday
}

// QuoteStay prices every night of the stay. Friday and Saturday nights use the
// weekend rate when one is set.
func QuoteStay(property *models.Property, checkIn, checkOut time.Time, guests int) (*Quote, error) {
	in, out := NormalizeDate(checkIn), NormalizeDate(checkOut)
	if !out.After(in) {
		return nil, ErrInvalidStay
	}
	if guests < 1 {
		guests = 1
	}
	if property.Capacity > 0 && guests > property.Capacity {
		return nil, ErrTooManyGuests
	}

	q := &Quote{
		PropertyID:  property.ID,
		CheckIn:     in,
		CheckOut:    out,
		Guests:      guests,
		CleaningFee: property.CleaningFee,
		ServiceFee:  property.ServiceFee,
		Currency:    property.Currency,
		Breakdown:   []NightPrice{},
	}

	for d := in; d.Before(out); d = d.AddDate(0, 0, 1) {
		q.Nights++
		if q.Nights > MaxStayNights {
			return nil, ErrStayTooLong
		}

		price := property.NightlyPrice
		weekend := isWeekendNight(d)
		if weekend && property.WeekendPrice > 0 {
			price = property.WeekendPrice
		}
		q.Breakdown = append(q.Breakdown, NightPrice{Date: d.Format(DayLayout), Price: price, Weekend: weekend})
		q.Subtotal += price
	}

	if q.Nights < property.MinNights {
		return nil, ErrMinNights
	}

	q.Total = q.Subtotal + q.CleaningFee + q.ServiceFee
	return q, nil
}
