package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Preferences holds one user's notification settings.
type Preferences struct {
	UserID                       string     `json:"user_id"`
	EmailEnabled                 bool       `json:"email_enabled"`
	PushEnabled                  bool       `json:"push_enabled"`
	QuietHoursEnabled            bool       `json:"quiet_hours_enabled"`
	QuietHoursStart              string     `json:"quiet_hours_start"`
	QuietHoursEnd                string     `json:"quiet_hours_end"`
	Timezone                     string     `json:"timezone"`
	DailyDigestEnabled           bool       `json:"daily_digest_enabled"`
	WeeklyDigestEnabled          bool       `json:"weekly_digest_enabled"`
	DigestTime                   string     `json:"digest_time"`
	BrowserPermissionGranted     bool       `json:"browser_permission_granted"`
	BrowserPermissionRequestedAt *time.Time `json:"browser_permission_requested_at,omitempty"`
	CreatedAt                    *time.Time `json:"created_at,omitempty"`
	UpdatedAt                    *time.Time `json:"updated_at,omitempty"`
}

// DefaultPreferences is the record used when a user has none stored or the
// backend cannot be reached.
func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:              userID,
		EmailEnabled:        true,
		PushEnabled:         true,
		QuietHoursEnabled:   false,
		QuietHoursStart:     "22:00",
		QuietHoursEnd:       "08:00",
		Timezone:            "UTC",
		DailyDigestEnabled:  false,
		WeeklyDigestEnabled: false,
		DigestTime:          "09:00",
	}
}

// PreferencesPatch carries only the fields a caller wants to change.
type PreferencesPatch struct {
	EmailEnabled                 *bool
	PushEnabled                  *bool
	QuietHoursEnabled            *bool
	QuietHoursStart              *string
	QuietHoursEnd                *string
	Timezone                     *string
	DailyDigestEnabled           *bool
	WeeklyDigestEnabled          *bool
	DigestTime                   *string
	BrowserPermissionGranted     *bool
	BrowserPermissionRequestedAt *time.Time
}

// IsEmpty reports whether the patch changes nothing.
func (p PreferencesPatch) IsEmpty() bool {
	return len(p.Changes()) == 0
}

// Changes returns the supplied fields keyed by their wire names.
func (p PreferencesPatch) Changes() map[string]any {
	out := make(map[string]any)
	setBool := func(key string, v *bool) {
		if v != nil {
			out[key] = *v
		}
	}
	setString := func(key string, v *string) {
		if v != nil {
			out[key] = *v
		}
	}
	setBool("email_enabled", p.EmailEnabled)
	setBool("push_enabled", p.PushEnabled)
	setBool("quiet_hours_enabled", p.QuietHoursEnabled)
	setString("quiet_hours_start", p.QuietHoursStart)
	setString("quiet_hours_end", p.QuietHoursEnd)
	setString("timezone", p.Timezone)
	setBool("daily_digest_enabled", p.DailyDigestEnabled)
	setBool("weekly_digest_enabled", p.WeeklyDigestEnabled)
	setString("digest_time", p.DigestTime)
	setBool("browser_permission_granted", p.BrowserPermissionGranted)
	if p.BrowserPermissionRequestedAt != nil {
		out["browser_permission_requested_at"] = FormatTime(*p.BrowserPermissionRequestedAt)
	}
	return out
}

// Apply merges the patch onto prefs, leaving unsupplied fields untouched.
func (p PreferencesPatch) Apply(prefs Preferences) Preferences {
	if p.EmailEnabled != nil {
		prefs.EmailEnabled = *p.EmailEnabled
	}
	if p.PushEnabled != nil {
		prefs.PushEnabled = *p.PushEnabled
	}
	if p.QuietHoursEnabled != nil {
		prefs.QuietHoursEnabled = *p.QuietHoursEnabled
	}
	if p.QuietHoursStart != nil {
		prefs.QuietHoursStart = *p.QuietHoursStart
	}
	if p.QuietHoursEnd != nil {
		prefs.QuietHoursEnd = *p.QuietHoursEnd
	}
	if p.Timezone != nil {
		prefs.Timezone = *p.Timezone
	}
	if p.DailyDigestEnabled != nil {
		prefs.DailyDigestEnabled = *p.DailyDigestEnabled
	}
	if p.WeeklyDigestEnabled != nil {
		prefs.WeeklyDigestEnabled = *p.WeeklyDigestEnabled
	}
	if p.DigestTime != nil {
		prefs.DigestTime = *p.DigestTime
	}
	if p.BrowserPermissionGranted != nil {
		prefs.BrowserPermissionGranted = *p.BrowserPermissionGranted
	}
	if p.BrowserPermissionRequestedAt != nil {
		t := *p.BrowserPermissionRequestedAt
		prefs.BrowserPermissionRequestedAt = &t
	}
	return prefs
}

// ParseTimeOfDay converts "HH:MM" (or "HH:MM:SS") to minutes after midnight.
func ParseTimeOfDay(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	if len(parts) == 3 {
		if sec, err := strconv.Atoi(parts[2]); err != nil || sec < 0 || sec > 59 {
			return 0, fmt.Errorf("invalid second in %q", s)
		}
	}
	return h*60 + m, nil
}
