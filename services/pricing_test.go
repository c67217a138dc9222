package services

import (
	"rentals-server/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestQuoteStayWeekendNights(t *testing.T) {
	p := &models.Property{NightlyPrice: 10000, WeekendPrice: 15000, CleaningFee: 2500, ServiceFee: 1000, Capacity: 4, Currency: "usd"}

	// 2024-03-07 is a Thursday: Thu, Fri, Sat nights.
	q, err := QuoteStay(p, day("2024-03-07"), day("2024-03-10"), 2)
	require.NoError(t, err)

	assert.Equal(t, 3, q.Nights)
	assert.Equal(t, int64(10000+15000+15000), q.Subtotal)
	assert.Equal(t, q.Subtotal+3500, q.Total)
	require.Len(t, q.Breakdown, 3)
	assert.False(t, q.Breakdown[0].Weekend)
	assert.True(t, q.Breakdown[1].Weekend)
	assert.Equal(t, "2024-03-09", q.Breakdown[2].Date)
}

func TestQuoteStayNoWeekendRate(t *testing.T) {
	p := &models.Property{NightlyPrice: 8000, Capacity: 2}
	q, err := QuoteStay(p, day("2024-03-08"), day("2024-03-10"), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(16000), q.Total)
}

func TestQuoteStayUsesCalendarDays(t *testing.T) {
	p := &models.Property{NightlyPrice: 100, Capacity: 2}
	loc := time.FixedZone("UTC-5", -5*3600)

	in := time.Date(2024, 3, 9, 15, 0, 0, 0, loc)
	out := time.Date(2024, 3, 11, 11, 0, 0, 0, loc)
	q, err := QuoteStay(p, in, out, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, q.Nights)
}

func TestQuoteStayErrors(t *testing.T) {
	p := &models.Property{NightlyPrice: 100, Capacity: 2, MinNights: 2}

	_, err := QuoteStay(p, day("2024-03-10"), day("2024-03-10"), 1)
	assert.ErrorIs(t, err, ErrInvalidStay)

	_, err = QuoteStay(p, day("2024-03-10"), day("2024-03-11"), 1)
	assert.ErrorIs(t, err, ErrMinNights)

	_, err = QuoteStay(p, day("2024-03-10"), day("2024-03-13"), 3)
	assert.ErrorIs(t, err, ErrTooManyGuests)

	_, err = QuoteStay(p, day("2024-01-01"), day("2025-01-03"), 1)
	assert.ErrorIs(t, err, ErrStayTooLong)
}

func TestParseDay(t *testing.T) {
	d, err := ParseDay("2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, d.Location())

	d, err = ParseDay("2024-05-01T23:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, day("2024-05-01"), d)

	_, err = ParseDay("May 1")
	assert.Error(t, err)
}
