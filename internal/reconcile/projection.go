package reconcile

import (
	"time"

	"github.com/dmaraujo/parley/internal/store"
)

// DayGroup is a calendar-day slice of a chat's sequence, for rendering.
type DayGroup struct {
	Date     string // 2006-01-02, local time
	Messages []store.Message
}

// GroupByDay buckets messages by calendar day. It is a pure read-side
// projection: the input order is preserved inside and across groups and the
// stored sequence is never touched.
func GroupByDay(msgs []store.Message) []DayGroup {
	var groups []DayGroup
	for _, m := range msgs {
		day := time.UnixMilli(m.Timestamp).Local().Format("2006-01-02")
		if len(groups) == 0 || groups[len(groups)-1].Date != day {
			groups = append(groups, DayGroup{Date: day})
		}
		last := len(groups) - 1
		groups[last].Messages = append(groups[last].Messages, m)
	}
	return groups
}
