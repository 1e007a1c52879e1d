package model

import "time"

// DefaultExpiryWindow is how far a message date may drift from the local
// clock, in either direction, before the message is dropped.
const DefaultExpiryWindow = 48 * time.Hour

type ExpiryPolicy struct {
	Window time.Duration
	Now    func() time.Time
}

func NewExpiryPolicy(window time.Duration) ExpiryPolicy {
	if window <= 0 {
		window = DefaultExpiryWindow
	}
	return ExpiryPolicy{Window: window, Now: time.Now}
}

// Expired reports whether date lies more than Window away from now. Dates
// that do not parse are expired.
func (p ExpiryPolicy) Expired(date string) bool {
	t, err := ParseDate(date)
	if err != nil {
		return true
	}

	d := p.now().Sub(t)
	if d < 0 {
		d = -d
	}
	return d > p.window()
}

func (p ExpiryPolicy) MessageExpired(m *Message) bool {
	return p.Expired(m.Date)
}

// Clock is the policy's current time.
func (p ExpiryPolicy) Clock() time.Time {
	return p.now()
}

func (p ExpiryPolicy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p ExpiryPolicy) window() time.Duration {
	if p.Window <= 0 {
		return DefaultExpiryWindow
	}
	return p.Window
}
