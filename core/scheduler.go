package core

// Timer represents a scheduled event
type Timer struct {
	WakeTime uint32
	Handler  func(*Timer) uint8
	Next     *Timer
}

const (
	SF_DONE       = 0
	SF_RESCHEDULE = 1
)

// Scheduler keeps timers sorted by WakeTime. It stands in for the
// periodic tick of the host firmware's task scheduler.
type Scheduler struct {
	timerList *Timer
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Add schedules t.
func (s *Scheduler) Add(t *Timer) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	s.insertTimer(t)
}

// insertTimer inserts a timer in sorted order by WakeTime
func (s *Scheduler) insertTimer(t *Timer) {
	if s.timerList == nil || t.WakeTime < s.timerList.WakeTime {
		t.Next = s.timerList
		s.timerList = t
		return
	}

	current := s.timerList
	for current.Next != nil && current.Next.WakeTime <= t.WakeTime {
		current = current.Next
	}

	t.Next = current.Next
	current.Next = t
}

// Remove unschedules t if it is pending.
func (s *Scheduler) Remove(t *Timer) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	for p := &s.timerList; *p != nil; p = &(*p).Next {
		if *p == t {
			*p = t.Next
			t.Next = nil
			return
		}
	}
}

// Dispatch runs every timer due at now. Handlers run outside the critical
// section since they usually start SPI transactions.
func (s *Scheduler) Dispatch(now uint32) int {
	ran := 0
	for {
		state := disableInterrupts()
		timer := s.timerList
		if timer == nil || int32(timer.WakeTime-now) > 0 {
			restoreInterrupts(state)
			return ran
		}
		s.timerList = timer.Next
		timer.Next = nil // Clear Next pointer to avoid circular references
		restoreInterrupts(state)

		ran++
		if timer.Handler(timer) == SF_RESCHEDULE {
			s.Add(timer)
		}
	}
}

// Process dispatches timers due at Millis().
func (s *Scheduler) Process() int {
	return s.Dispatch(Millis())
}
