package model

import (
	"errors"
	"time"
)

// ReminderCadence частота напоминаний продавцу о непроверенных чеках.
type ReminderCadence string

const (
	ReminderOff       ReminderCadence = "off"
	Reminder30Seconds ReminderCadence = "30s"
	Reminder30Minutes ReminderCadence = "30m"
	ReminderHourly    ReminderCadence = "1h"
)

var ErrUnknownCadence = errors.New("unknown reminder cadence")

func ParseReminderCadence(s string) (ReminderCadence, error) {
	switch c := ReminderCadence(s); c {
	case ReminderOff, Reminder30Seconds, Reminder30Minutes, ReminderHourly:
		return c, nil
	case "":
		return ReminderOff, nil
	}
	return "", ErrUnknownCadence
}

// Interval возвращает false для выключенных напоминаний.
func (c ReminderCadence) Interval() (time.Duration, bool) {
	switch c {
	case Reminder30Seconds:
		return 30 * time.Second, true
	case Reminder30Minutes:
		return 30 * time.Minute, true
	case ReminderHourly:
		return time.Hour, true
	}
	return 0, false
}
