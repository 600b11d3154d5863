package service

import (
	"sort"
	"time"
)

// Mark is a labelled point on the hour slider.
type Mark struct {
	Hour  int    `json:"hour"`
	Label string `json:"label"`
	Now   bool   `json:"now,omitempty"`
}

// Timeline is the selectable hour range: midnight up to the current hour in
// the region's timezone.
type Timeline struct {
	Min     int    `json:"min"`
	Max     int    `json:"max"`
	Current int    `json:"current"`
	Date    string `json:"date"`
	Clock   string `json:"clock"`
	Marks   []Mark `json:"marks"`
}

// Timeline returns the slider range and marks for the current time.
func (s *RegionService) Timeline() Timeline {
	now := s.now()
	hour := now.Hour()
	return Timeline{
		Min:     0,
		Max:     hour,
		Current: hour,
		Date:    now.Format("Mon, Jan 2"),
		Clock:   now.Format("03:04 PM"),
		Marks:   timelineMarks(hour),
	}
}

// timelineMarks labels midnight, the quarter-day hours that are at least two
// hours in the past, and the current hour.
func timelineMarks(current int) []Mark {
	marks := map[int]Mark{0: {Hour: 0, Label: "12 AM"}}
	if current >= 8 {
		marks[6] = Mark{Hour: 6, Label: "6 AM"}
	}
	if current >= 14 {
		marks[12] = Mark{Hour: 12, Label: "12 PM"}
	}
	if current >= 20 {
		marks[18] = Mark{Hour: 18, Label: "6 PM"}
	}
	marks[current] = Mark{Hour: current, Label: "Now", Now: true}

	out := make([]Mark, 0, len(marks))
	for _, m := range marks {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour < out[j].Hour })
	return out
}

func (s *RegionService) now() time.Time {
	return s.clock.Now().In(s.region.Location)
}
