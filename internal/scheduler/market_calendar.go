package scheduler

import "time"

var easternTime = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// fixedHolidays are US exchange holidays that fall on the same calendar date
// every year. Floating holidays (Thanksgiving, MLK, Presidents, Memorial,
// Labor Day) are computed in isHoliday.
var fixedHolidays = map[string]bool{
	"01-01": true, // New Year's Day
	"06-19": true, // Juneteenth
	"07-04": true, // Independence Day
	"12-25": true, // Christmas
}

// IsMarketOpen reports whether US equity/options markets are open at now,
// honoring weekends and holidays. It does not account for mid-day halts.
func IsMarketOpen(now time.Time) bool {
	et := now.In(easternTime)
	if et.Weekday() == time.Saturday || et.Weekday() == time.Sunday {
		return false
	}
	if isHoliday(et) {
		return false
	}
	openMinutes := et.Hour()*60 + et.Minute()
	return openMinutes >= 9*60+30 && openMinutes < 16*60
}

func isHoliday(et time.Time) bool {
	if fixedHolidays[et.Format("01-02")] {
		return true
	}
	switch {
	case et.Month() == time.January && isNthWeekday(et, time.Monday, 3):
		return true // MLK Day
	case et.Month() == time.February && isNthWeekday(et, time.Monday, 3):
		return true // Presidents' Day
	case et.Month() == time.May && isLastWeekday(et, time.Monday):
		return true // Memorial Day
	case et.Month() == time.September && isNthWeekday(et, time.Monday, 1):
		return true // Labor Day
	case et.Month() == time.November && isNthWeekday(et, time.Thursday, 4):
		return true // Thanksgiving
	}
	return false
}

func isNthWeekday(t time.Time, weekday time.Weekday, n int) bool {
	if t.Weekday() != weekday {
		return false
	}
	return (t.Day()-1)/7+1 == n
}

func isLastWeekday(t time.Time, weekday time.Weekday) bool {
	if t.Weekday() != weekday {
		return false
	}
	return t.Day()+7 > daysInMonth(t)
}

func daysInMonth(t time.Time) int {
	firstOfNext := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
	return firstOfNext.Add(-24 * time.Hour).Day()
}

// EarlyCloseReason describes an early-close trading day.
type EarlyCloseReason struct {
	IsEarlyClose bool
	Reason       string
}

// IsEarlyCloseDay reports the well-known 13:00 ET early-close sessions: the
// day after Thanksgiving and Christmas Eve (when it falls on a weekday).
func IsEarlyCloseDay(now time.Time) EarlyCloseReason {
	et := now.In(easternTime)
	switch {
	case et.Month() == time.November && isNthWeekday(et.AddDate(0, 0, -1), time.Thursday, 4):
		return EarlyCloseReason{true, "day after Thanksgiving"}
	case et.Month() == time.December && et.Day() == 24 && et.Weekday() != time.Saturday && et.Weekday() != time.Sunday:
		return EarlyCloseReason{true, "Christmas Eve"}
	}
	return EarlyCloseReason{}
}

// GetExitDeadline returns the 0DTE exit deadline in ET "HH:MM", 15:55 on
// normal days and 12:55 on early-close days.
func GetExitDeadline(now time.Time) string {
	if IsEarlyCloseDay(now).IsEarlyClose {
		return "12:55"
	}
	return "15:55"
}

// GetETDateString returns the ET calendar day as YYYY-MM-DD.
func GetETDateString(now time.Time) string {
	return now.In(easternTime).Format("2006-01-02")
}

// GetETTimeString returns the ET wall-clock time as HH:MM.
func GetETTimeString(now time.Time) string {
	return now.In(easternTime).Format("15:04")
}

// MinutesSinceMidnightET returns the ET minute-of-day for an "HH:MM" string.
func MinutesSinceMidnightET(hhmm string) int {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return -1
	}
	return t.Hour()*60 + t.Minute()
}
