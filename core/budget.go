package core

import "time"

// DefaultSpins is the poll budget used when none is configured.
const DefaultSpins = 50000

// PollBudget bounds how long the engine waits for the bus. Spins counts
// IsBusy polls. Deadline, when set, also bounds wall-clock time; whichever
// runs out first ends the wait.
type PollBudget struct {
	Spins    int
	Deadline time.Duration
}

// DefaultBudget returns the budget used by devices that do not set one.
func DefaultBudget() PollBudget {
	return PollBudget{Spins: DefaultSpins}
}

// BudgetFor returns a spin-only budget.
func BudgetFor(spins int) PollBudget {
	return PollBudget{Spins: spins}
}

func (b PollBudget) normalize() PollBudget {
	if b.Spins <= 0 && b.Deadline <= 0 {
		b.Spins = DefaultSpins
	}
	return b
}

// scheduled drops the spin count and bounds the wait by wall-clock time,
// at least floor.
func (b PollBudget) scheduled(floor time.Duration) PollBudget {
	b.Spins = 0
	if b.Deadline < floor {
		b.Deadline = floor
	}
	return b
}

// meter tracks consumption of one budget.
type meter struct {
	budget PollBudget
	spins  int
	start  time.Time
}

func newMeter(b PollBudget) meter {
	m := meter{budget: b.normalize()}
	if m.budget.Deadline > 0 {
		m.start = time.Now()
	}
	return m
}

// step consumes one poll and reports whether budget remains.
func (m *meter) step() bool {
	m.spins++
	if m.budget.Spins > 0 && m.spins > m.budget.Spins {
		return false
	}
	if m.budget.Deadline > 0 && time.Since(m.start) > m.budget.Deadline {
		return false
	}
	return true
}
