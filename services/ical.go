package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"rentals-server/logging"
	"rentals-server/models"
	"rentals-server/storage"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	calendarFetchTimeout = 15 * time.Second
	maxCalendarBytes     = 2 << 20
	icalLineLimit        = 75
)

var ErrNoCalendarURL = errors.New("property has no calendar url")

// CalendarEvent is one VEVENT reduced to the fields the booking calendar uses.
// End is exclusive.
type CalendarEvent struct {
	UID     string
	Summary string
	Start   time.Time
	End     time.Time
}

// unfold joins continuation lines (a line break followed by a space or tab).
func unfold(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var lines []string
	for _, raw := range strings.Split(text, "\n") {
		if (strings.HasPrefix(raw, " ") || strings.HasPrefix(raw, "\t")) && len(lines) > 0 {
			lines[len(lines)-1] += raw[1:]
			continue
		}
		lines = append(lines, raw)
	}
	return lines
}

// splitProperty separates "NAME;PARAM=X:value" into name, params and value.
func splitProperty(line string) (string, string, string, bool) {
	colon := strings.Index(line, ":")
	if colon < 0 {
		return "", "", "", false
	}
	head, value := line[:colon], line[colon+1:]
	name, params := head, ""
	if semi := strings.Index(head, ";"); semi >= 0 {
		name, params = head[:semi], head[semi+1:]
	}
	return strings.ToUpper(strings.TrimSpace(name)), strings.ToUpper(params), strings.TrimSpace(value), true
}

// parseICalTime accepts DATE, UTC DATE-TIME and floating DATE-TIME values.
// Times are reduced to their UTC calendar day.
func parseICalTime(value, params string) (time.Time, error) {
	if strings.Contains(params, "VALUE=DATE") && !strings.Contains(params, "VALUE=DATE-TIME") {
		return time.Parse("20060102", value)
	}
	for _, layout := range []string{"20060102T150405Z", "20060102T150405", "20060102"} {
		if t, err := time.Parse(layout, value); err == nil {
			return NormalizeDate(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", value)
}

func unescapeText(s string) string {
	r := strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)
	return r.Replace(s)
}

// ParseICal extracts VEVENTs. A missing DTEND means a one-day event; events
// with an unparsable start or with DTEND <= DTSTART are skipped.
func ParseICal(text string) []CalendarEvent {
	var events []CalendarEvent
	var cur *CalendarEvent
	var hasEnd, valid bool

	for _, line := range unfold(text) {
		name, params, value, ok := splitProperty(line)
		if !ok {
			continue
		}

		switch {
		case name == "BEGIN" && strings.EqualFold(value, "VEVENT"):
			cur, hasEnd, valid = &CalendarEvent{}, false, true
		case name == "END" && strings.EqualFold(value, "VEVENT"):
			if cur != nil && valid && !cur.Start.IsZero() {
				if !hasEnd {
					cur.End = cur.Start.AddDate(0, 0, 1)
				}
				if cur.End.After(cur.Start) {
					events = append(events, *cur)
				}
			}
			cur = nil
		case cur == nil:
		case name == "UID":
			cur.UID = value
		case name == "SUMMARY":
			cur.Summary = unescapeText(value)
		case name == "DTSTART":
			t, err := parseICalTime(value, params)
			if err != nil {
				valid = false
				continue
			}
			cur.Start = t
		case name == "DTEND":
			t, err := parseICalTime(value, params)
			if err != nil {
				valid = false
				continue
			}
			cur.End, hasEnd = t, true
		}
	}
	return events
}

// foldLine splits content lines longer than 75 octets as RFC 5545 requires.
func foldLine(line string) string {
	if len(line) <= icalLineLimit {
		return line
	}
	var b strings.Builder
	limit := icalLineLimit
	for len(line) > limit {
		cut := limit
		// Do not split a multi-byte rune.
		for cut > 0 && line[cut]&0xC0 == 0x80 {
			cut--
		}
		b.WriteString(line[:cut])
		b.WriteString("\r\n ")
		line = line[cut:]
		limit = icalLineLimit - 1
	}
	b.WriteString(line)
	return b.String()
}

func escapeText(s string) string {
	r := strings.NewReplacer(`\`, `\\`, ";", `\;`, ",", `\,`, "\n", `\n`)
	return r.Replace(s)
}

// WriteICal renders events as a VCALENDAR with CRLF line endings and all-day dates.
func WriteICal(w io.Writer, name string, events []CalendarEvent, now time.Time) error {
	bw := bufio.NewWriter(w)
	write := func(line string) {
		bw.WriteString(foldLine(line))
		bw.WriteString("\r\n")
	}

	stamp := now.UTC().Format("20060102T150405Z")
	write("BEGIN:VCALENDAR")
	write("VERSION:2.0")
	write("PRODID:-//Rentals//Availability//EN")
	write("CALSCALE:GREGORIAN")
	write("METHOD:PUBLISH")
	write("X-WR-CALNAME:" + escapeText(name))
	for _, ev := range events {
		write("BEGIN:VEVENT")
		write("UID:" + ev.UID)
		write("DTSTAMP:" + stamp)
		write("DTSTART;VALUE=DATE:" + ev.Start.Format("20060102"))
		write("DTEND;VALUE=DATE:" + ev.End.Format("20060102"))
		write("SUMMARY:" + escapeText(ev.Summary))
		write("END:VEVENT")
	}
	write("END:VCALENDAR")
	return bw.Flush()
}

// ExportEvents lists confirmed reservations and manual blocks of a property.
func ExportEvents(db *gorm.DB, property *models.Property) ([]CalendarEvent, error) {
	var reservations []models.Reservation
	if err := db.Where("property_id = ? AND status = ?", property.ID, models.ReservationConfirmed).
		Order("check_in ASC").Find(&reservations).Error; err != nil {
		return nil, err
	}
	var blocks []models.PropertyBlock
	if err := db.Where("property_id = ? AND source = ?", property.ID, models.BlockSourceManual).
		Order("start_date ASC").Find(&blocks).Error; err != nil {
		return nil, err
	}

	events := make([]CalendarEvent, 0, len(reservations)+len(blocks))
	for _, r := range reservations {
		events = append(events, CalendarEvent{
			UID:     fmt.Sprintf("reservation-%d@rentals", r.ID),
			Summary: "Reserved",
			Start:   NormalizeDate(r.CheckIn),
			End:     NormalizeDate(r.CheckOut),
		})
	}
	for _, b := range blocks {
		summary := "Not available"
		if b.Reason != "" {
			summary = b.Reason
		}
		events = append(events, CalendarEvent{
			UID:     fmt.Sprintf("block-%d@rentals", b.ID),
			Summary: summary,
			Start:   NormalizeDate(b.StartDate),
			End:     NormalizeDate(b.EndDate),
		})
	}
	return events, nil
}

var calendarClient = &http.Client{Timeout: calendarFetchTimeout}

func fetchCalendar(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/calendar")

	resp, err := calendarClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch calendar: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch calendar: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCalendarBytes))
	if err != nil {
		return "", fmt.Errorf("read calendar: %w", err)
	}
	return string(body), nil
}

// SyncPropertyCalendar replaces the property's imported blocks with the
// events of its iCal feed that end after today. It returns the block count.
func SyncPropertyCalendar(ctx context.Context, property *models.Property) (int, error) {
	if property.ICalURL == "" {
		return 0, ErrNoCalendarURL
	}
	ctx, cancel := context.WithTimeout(ctx, calendarFetchTimeout)
	defer cancel()

	body, err := fetchCalendar(ctx, property.ICalURL)
	if err != nil {
		return 0, err
	}

	today := NormalizeDate(time.Now().UTC())
	var blocks []models.PropertyBlock
	for _, ev := range ParseICal(body) {
		if !ev.End.After(today) {
			continue
		}
		reason := ev.Summary
		if reason == "" {
			reason = "Imported"
		}
		blocks = append(blocks, models.PropertyBlock{
			PropertyID:  property.ID,
			StartDate:   ev.Start,
			EndDate:     ev.End,
			Reason:      truncate(reason, 255),
			Source:      models.BlockSourceICal,
			ExternalUID: ev.UID,
		})
	}

	err = storage.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("property_id = ? AND source = ?", property.ID, models.BlockSourceICal).
			Delete(&models.PropertyBlock{}).Error; err != nil {
			return err
		}
		if len(blocks) == 0 {
			return nil
		}
		return tx.CreateInBatches(&blocks, 100).Error
	})
	if err != nil {
		return 0, err
	}

	logging.Log.WithFields(logrus.Fields{"property": property.ID, "blocks": len(blocks)}).Info("calendar synced")
	return len(blocks), nil
}

// SyncAllCalendars imports every property feed, logging failures per property.
func SyncAllCalendars(ctx context.Context) (synced int, failed int) {
	var properties []models.Property
	if err := storage.DB.Where("ical_url <> ''").Find(&properties).Error; err != nil {
		logging.Log.WithError(err).Error("load calendar feeds failed")
		return 0, 0
	}
	for i := range properties {
		if _, err := SyncPropertyCalendar(ctx, &properties[i]); err != nil {
			failed++
			logging.Log.WithField("property", properties[i].ID).WithError(err).Warn("calendar sync failed")
			continue
		}
		synced++
	}
	return synced, failed
}
