package session

import (
	"math"
	"time"

	"github.com/dustin/go-humanize"
)

var activityMagnitudes = []humanize.RelTimeMagnitude{
	{D: time.Minute, Format: "Just now"},
	{D: 2 * time.Minute, Format: "1 minute %s"},
	{D: time.Hour, Format: "%d minutes %s", DivBy: time.Minute},
	{D: 2 * time.Hour, Format: "1 hour %s"},
	{D: 24 * time.Hour, Format: "%d hours %s", DivBy: time.Hour},
	{D: 48 * time.Hour, Format: "1 day %s"},
	{D: math.MaxInt64, Format: "%d days %s", DivBy: 24 * time.Hour},
}

// SinceActivity renders the time between last and now the way the session
// list displays it. A last activity ahead of now reads as "Just now".
func SinceActivity(last, now time.Time) string {
	if last.After(now) {
		last = now
	}
	return humanize.CustomRelTime(last, now, "ago", "from now", activityMagnitudes)
}
