package config

import "time"

// DateLayout is the day format used for filtered schedule fetches
const DateLayout = "2006-01-02"

// IsDate reports whether s is a valid YYYY-MM-DD day
func IsDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}
