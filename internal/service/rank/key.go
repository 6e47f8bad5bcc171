package rank

import (
	"strconv"
	"strings"
	"time"
)

// Time windows
const (
	WindowActivity = "ACTIVITY"
	WindowDay      = "DAY"

	unknownWindowKey = "UNKNOWN"
	dayLayout        = "20060102"
)

// NormalizeWindow uppercases the window, ACTIVITY when blank
func NormalizeWindow(timeWindow string) string {
	tw := strings.TrimSpace(timeWindow)
	if tw == "" {
		return WindowActivity
	}
	return strings.ToUpper(tw)
}

// BoardKey sales leaderboard key rank:act:{activityId}:{timeWindow}:{windowKey}:sale.
// A blank windowKey falls back to the activity id for ACTIVITY and UNKNOWN otherwise.
func BoardKey(activityID int64, timeWindow, windowKey string) string {
	tw := NormalizeWindow(timeWindow)
	wk := strings.TrimSpace(windowKey)
	if wk == "" {
		if tw == WindowActivity {
			wk = strconv.FormatInt(activityID, 10)
		} else {
			wk = unknownWindowKey
		}
	}
	return strings.Join([]string{"rank", "act", strconv.FormatInt(activityID, 10), tw, wk, "sale"}, ":")
}

// MetaKey last update time key of a board
func MetaKey(boardKey string) string {
	return boardKey + ":meta:updateTime"
}

// DedupKey idempotency marker of one event
func DedupKey(eventID string) string {
	return "dedup:rank:" + eventID
}

// ScopeOf degrade scope rank:act:{activityId} of a board key
func ScopeOf(boardKey string) string {
	parts := strings.SplitN(boardKey, ":", 4)
	if len(parts) < 3 {
		return boardKey
	}
	return strings.Join(parts[:3], ":")
}

// ActivityScope degrade scope of an activity's boards
func ActivityScope(activityID int64) string {
	return "rank:act:" + strconv.FormatInt(activityID, 10)
}

// windowKeyAt window key of an event occurring at t
func windowKeyAt(timeWindow string, activityID int64, t time.Time) string {
	switch NormalizeWindow(timeWindow) {
	case WindowDay:
		return t.Format(dayLayout)
	case WindowActivity:
		return strconv.FormatInt(activityID, 10)
	default:
		return unknownWindowKey
	}
}
