package log

import "time"

// Summary aggregates a stream of capture events.
type Summary struct {
	Total       int
	Sessions    map[string]int
	ByDirection map[Direction]int
	ByLayer     map[Layer]int
	ByCategory  map[Category]int
	ByKind      map[string]int
	ByDevice    map[string]int
	Probes      int
	ProbeFails  int
	Errors      int
	First       time.Time
	Last        time.Time
}

// Duration returns the time span between the first and last event.
func (s *Summary) Duration() time.Duration {
	if s.First.IsZero() || s.Last.IsZero() {
		return 0
	}
	return s.Last.Sub(s.First)
}

// Add folds one event into the summary.
func (s *Summary) Add(e Event) {
	if s.Sessions == nil {
		s.Sessions = make(map[string]int)
		s.ByDirection = make(map[Direction]int)
		s.ByLayer = make(map[Layer]int)
		s.ByCategory = make(map[Category]int)
		s.ByKind = make(map[string]int)
		s.ByDevice = make(map[string]int)
	}

	s.Total++
	s.Sessions[e.ConnectionID]++
	s.ByDirection[e.Direction]++
	s.ByLayer[e.Layer]++
	s.ByCategory[e.Category]++

	if e.DeviceID != "" {
		s.ByDevice[e.DeviceID]++
	}
	if e.Device != nil {
		s.ByKind[e.Device.Kind]++
	}
	if e.Probe != nil {
		s.Probes++
		if !e.Probe.Success {
			s.ProbeFails++
		}
	}
	if e.Error != nil {
		s.Errors++
	}

	if s.First.IsZero() || e.Timestamp.Before(s.First) {
		s.First = e.Timestamp
	}
	if e.Timestamp.After(s.Last) {
		s.Last = e.Timestamp
	}
}

// Summarize drains r into a Summary. On error the events read so far are
// still summarized.
func Summarize(r *Reader) (*Summary, error) {
	s := &Summary{}
	for e, err := range r.All() {
		if err != nil {
			return s, err
		}
		s.Add(e)
	}
	return s, nil
}
