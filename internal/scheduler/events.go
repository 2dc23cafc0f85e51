package scheduler

// EventKind names a scheduler event.
type EventKind string

const (
	EventSubmitted   EventKind = "submitted"
	EventAdmitted    EventKind = "admitted"
	EventSlice       EventKind = "slice"
	EventYield       EventKind = "yield"
	EventWait        EventKind = "wait"
	EventCompleted   EventKind = "completed"
	EventFailed      EventKind = "failed"
	EventCancelled   EventKind = "cancelled"
	EventLongRunning EventKind = "long-running"
)

// Event records one scheduling decision. Seq is a logical timestamp:
// events of one item are strictly ordered by it.
type Event struct {
	Seq     int64
	Request string
	Unit    string
	Kind    EventKind
	Slice   int    // slices started so far
	Detail  string // what a waiting item waits on
	Err     error
}

func (s *Scheduler) newEvent(it *workItem, kind EventKind) Event {
	it.mu.Lock()
	slice := it.slices
	it.mu.Unlock()
	return Event{
		Seq:     s.clock.Next(),
		Request: it.id,
		Unit:    it.req.Unit,
		Kind:    kind,
		Slice:   slice,
	}
}

func (s *Scheduler) emit(it *workItem, kind EventKind, err error) {
	if s.trace == nil {
		return
	}
	e := s.newEvent(it, kind)
	e.Err = err
	s.trace(e)
}

// emitLocked is emit for callers holding s.mu.
func (s *Scheduler) emitLocked(it *workItem, kind EventKind, err error) {
	s.emit(it, kind, err)
}

func (s *Scheduler) emitDetail(it *workItem, kind EventKind, detail string) {
	if s.trace == nil {
		return
	}
	e := s.newEvent(it, kind)
	e.Detail = detail
	s.trace(e)
}
