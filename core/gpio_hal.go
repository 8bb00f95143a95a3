package core

// GPIOPin identifies a hardware GPIO pin number
type GPIOPin uint32

// NoPin marks an optional board line that is not wired.
const NoPin GPIOPin = 0xFFFFFFFF

// GPIODriver is the abstract GPIO interface the façades use for reset,
// standby, LDO, thermal and LED lines.
// Platform-specific implementations handle actual hardware control.
type GPIODriver interface {
	// ConfigureOutput configures a pin as a digital output
	ConfigureOutput(pin GPIOPin) error

	// ConfigureInputPullUp configures a pin as a digital input with pull-up resistor
	ConfigureInputPullUp(pin GPIOPin) error

	// SetPin sets the pin to high (true) or low (false)
	SetPin(pin GPIOPin, value bool) error

	// GetPin reads the current pin state
	GetPin(pin GPIOPin) (bool, error)
}

// Line is one board signal with its active level.
type Line struct {
	Pin       GPIOPin
	ActiveLow bool
}

// Wired reports whether the line is connected on this board.
func (l Line) Wired() bool {
	return l.Pin != NoPin
}

// Set drives the line to its active (true) or inactive level.
func (l Line) Set(d GPIODriver, active bool) error {
	if !l.Wired() {
		return ErrNotSupported
	}
	return d.SetPin(l.Pin, active != l.ActiveLow)
}

// Active reads the line and reports whether it is at its active level.
func (l Line) Active(d GPIODriver) (bool, error) {
	if !l.Wired() {
		return false, ErrNotSupported
	}
	v, err := d.GetPin(l.Pin)
	if err != nil {
		return false, err
	}
	return v != l.ActiveLow, nil
}

// ConfigureOutputs configures every wired line as an output, driven to its
// inactive level.
func ConfigureOutputs(d GPIODriver, lines ...Line) error {
	for _, l := range lines {
		if !l.Wired() {
			continue
		}
		if err := d.ConfigureOutput(l.Pin); err != nil {
			return err
		}
		if err := l.Set(d, false); err != nil {
			return err
		}
	}
	return nil
}
