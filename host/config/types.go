package config

// Config describes one host session: how to reach the modems and what
// sits on each channel.
type Config struct {
	Transport TransportConfig          `json:"transport"`
	Channels  map[string]ChannelConfig `json:"channels"`
	Verbosity int                      `json:"verbosity"`
}

// Transport kinds.
const (
	KindBridge = "bridge" // USB bridge firmware over serial
	KindSpidev = "spidev" // Linux spidev and GPIO on the host itself
	KindSim    = "sim"    // in-process bridge with simulated modems
)

type TransportConfig struct {
	Kind          string `json:"kind"`
	Device        string `json:"device"`
	Baud          int    `json:"baud"`
	ReadTimeoutMs int    `json:"read_timeout_ms"`
}

// Chip families.
const (
	ChipPPLC  = "pplc"
	ChipPL360 = "pl360"
	ChipRF215 = "rf215"
)

// ChannelConfig is one modem. Clock is the SCK rate, or for rf215 the
// peripheral clock the SCK divider is derived from.
type ChannelConfig struct {
	Index      uint8  `json:"index"`
	Chip       string `json:"chip"`
	ClockHz    uint32 `json:"clock_hz"`
	Mode       uint8  `json:"mode"`
	MaxPayload int    `json:"max_payload"`
	BudgetSpin int    `json:"budget_spins"`
	BudgetMs   int    `json:"budget_ms"`

	// spidev only
	Port string `json:"port"`
	IRQ  string `json:"irq"`

	Lines map[string]LineConfig `json:"lines"`
}

// LineConfig is a board GPIO. Name is the periph pin name for spidev
// sessions; bridge sessions use Pin.
type LineConfig struct {
	Pin       uint32 `json:"pin"`
	Name      string `json:"name"`
	ActiveLow bool   `json:"active_low"`
}
