// Package schedule derives the daily trigger slots from a reads-per-day
// setting and matches wall-clock time against them.
//
// Slots use the base-100 minute encoding: a slot at 13:05 has the value
// 13.05, and a fractional hour t is encoded as ⌊t⌋ + round(frac(t)*60/100, 2)
// with the rounding applied to the binary value of the fraction.
// The wall clock is encoded the same way, so both sides of a match always
// agree.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxReadsPerDay is the hardware limit on samples per day.
	MaxReadsPerDay = 96

	hoursPerDay = 24
)

// Slot is a trigger time of day.
type Slot struct {
	Hour   int
	Minute int
}

// At encodes a wall-clock time as a Slot.
func At(t time.Time) Slot {
	return Slot{Hour: t.Hour(), Minute: t.Minute()}
}

// Value returns the base-100 encoding of the slot, e.g. 13.05 for 13:05.
func (s Slot) Value() float64 {
	return float64(s.Hour) + float64(s.Minute)/100
}

// IsMidnight reports whether the slot is 00:00.
func (s Slot) IsMidnight() bool {
	return s.Hour == 0 && s.Minute == 0
}

func (s Slot) String() string {
	return fmt.Sprintf("%d.%02d", s.Hour, s.Minute)
}

// Clamp bounds a configured reads-per-day value to MaxReadsPerDay.
func Clamp(readsPerDay int) int {
	return min(readsPerDay, MaxReadsPerDay)
}

// DeriveSlots divides the day into readsPerDay equal intervals starting at
// hour 0 and returns every interval boundary strictly before hour 24.
// Values above MaxReadsPerDay are clamped; values below 1 yield no slots.
func DeriveSlots(readsPerDay int) []Slot {
	n := Clamp(readsPerDay)
	if n < 1 {
		return nil
	}

	slots := make([]Slot, 0, n-1)
	for k := 1; ; k++ {
		// k*24/n keeps the k == n boundary exactly at 24.0.
		t := float64(k*hoursPerDay) / float64(n)
		if t >= hoursPerDay {
			break
		}
		slots = append(slots, fromHours(t))
	}

	return slots
}

func fromHours(t float64) Slot {
	hour := int(t)
	j := (t - float64(hour)) * 60 / 100

	// Two-place rounding of the exact binary value of j: 0.075 is stored
	// just below 0.075 and becomes 0.07.
	digits := strconv.FormatFloat(j, 'f', 2, 64)
	_, frac, _ := strings.Cut(digits, ".")
	minute, _ := strconv.Atoi(frac)

	return Slot{Hour: hour, Minute: minute}
}

// Matches reports whether hour:minute is a trigger time. Midnight always
// matches so there is at least one anchor per day.
func Matches(hour, minute int, slots []Slot) bool {
	probe := Slot{Hour: hour, Minute: minute}
	if probe.IsMidnight() {
		return true
	}
	for _, s := range slots {
		if s == probe {
			return true
		}
	}

	return false
}

// Next returns the first trigger at or after now, midnight included.
func Next(now time.Time, slots []Slot) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	current := now.Truncate(time.Minute)
	if current.Equal(day) {
		return day
	}
	for _, s := range slots {
		at := day.Add(time.Duration(s.Hour)*time.Hour + time.Duration(s.Minute)*time.Minute)
		if !at.Before(current) {
			return at
		}
	}

	return day.AddDate(0, 0, 1)
}
