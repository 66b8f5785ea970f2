package upstream

import "admissionctl/internal/domain"

// teeSink fans one Event out to several sinks, so a Group can be wired
// to both metrics and an audit log without either caring about the other.
type teeSink struct {
	sinks []EventSink
}

// TeeSink combines sinks into one EventSink. A nil sink in the list is
// skipped, so callers can pass an optional audit sink without a branch.
func TeeSink(sinks ...EventSink) EventSink {
	t := &teeSink{}
	for _, s := range sinks {
		if s != nil {
			t.sinks = append(t.sinks, s)
		}
	}
	return t
}

func (t *teeSink) Record(e domain.Event) {
	for _, s := range t.sinks {
		s.Record(e)
	}
}
