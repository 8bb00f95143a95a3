package core

// Critical runs fn with interrupts masked. fn must not block and must not
// enter another critical section.
func Critical(fn func()) {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	fn()
}
