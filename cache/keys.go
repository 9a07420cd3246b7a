package cache

import "fmt"

// RecordsKey is the key for a user's record list fetched with limit.
func RecordsKey(uid string, limit int) string {
	return fmt.Sprintf(`records_%s_{"limit":%d}`, uid, limit)
}

func ProfileKey(uid string) string {
	return "profile_" + uid
}

// InsightsKey is the key for a user's insights over a named window.
func InsightsKey(uid, window string) string {
	return fmt.Sprintf("insights_%s_%s", uid, window)
}

const TimezonesKey = "static_timezones"
