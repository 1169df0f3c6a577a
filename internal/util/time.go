package util

import (
	"fmt"
	"math"
	"regexp"
	"time"
)

// RecordingNamePattern matches the YYYY-MM-DD_HH-MM-SS stamp the capture
// service puts in recording filenames.
var RecordingNamePattern = regexp.MustCompile(`(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})`)

// recordingStampLayout is the time layout of RecordingNamePattern.
const recordingStampLayout = "2006-01-02_15-04-05"

// ExtractTimeFromFilename extracts the local start time encoded in a recording filename.
func ExtractTimeFromFilename(filename string) (time.Time, bool) {
	matches := RecordingNamePattern.FindStringSubmatch(filename)
	if len(matches) < 2 {
		return time.Time{}, false
	}

	t, err := time.ParseInLocation(recordingStampLayout, matches[1], time.Local)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

// humanTimeFormat is the layout for human-readable timestamps with timezone.
const humanTimeFormat = "2 Jan 2006 15:04 MST"

// FormatHumanTime converts an RFC3339 timestamp to human-readable local time format.
func FormatHumanTime(rfc3339 string) string {
	if rfc3339 == "" || rfc3339 == "unknown" {
		return "unknown"
	}
	t, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return rfc3339
	}
	return t.Local().Format(humanTimeFormat)
}

// FormatClock formats seconds as m:ss, the way the player shows elapsed and total time.
// Negative, NaN and infinite values render as 0:00.
func FormatClock(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		seconds = 0
	}
	total := int64(seconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
