package bridge

import (
	"errors"
	"sync"

	"modemlink/core"
	"modemlink/protocol"
)

// Handler decodes its arguments from data and runs the command.
type Handler func(data *[]byte) error

// Command is one entry of the dictionary. Responses have no handler.
type Command struct {
	ID      uint16
	Name    string
	Format  string // e.g. "oid=%c offset=%u data=%*s"
	Handler Handler
}

// Signature is the dictionary key: name followed by the format.
func (c *Command) Signature() string {
	if c.Format == "" {
		return c.Name
	}
	return c.Name + " " + c.Format
}

var (
	errDuplicate = errors.New("command id already registered")
	errUnknown   = errors.New("unknown command")
)

// Registry maps fixed ids to commands and responses.
type Registry struct {
	mu    sync.RWMutex
	byID  map[uint16]*Command
	names map[string]uint16
	maxID uint16
}

func NewRegistry() *Registry {
	return &Registry{
		byID:  make(map[uint16]*Command),
		names: make(map[string]uint16),
	}
}

// Register adds a command under id.
func (r *Registry) Register(id uint16, name, format string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; ok {
		return errDuplicate
	}
	if _, ok := r.names[name]; ok {
		return errDuplicate
	}
	r.byID[id] = &Command{ID: id, Name: name, Format: format, Handler: h}
	r.names[name] = id
	if id > r.maxID {
		r.maxID = id
	}
	return nil
}

// Response registers a firmware-to-host message.
func (r *Registry) Response(id uint16, name, format string) error {
	return r.Register(id, name, format, nil)
}

func (r *Registry) Lookup(id uint16) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// ID returns the id registered for name.
func (r *Registry) ID(name string) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.names[name]
	return id, ok
}

// Dispatch runs the handler for id. It matches protocol.CommandHandler.
func (r *Registry) Dispatch(id uint16, data *[]byte) error {
	c, ok := r.Lookup(id)
	if !ok || c.Handler == nil {
		return errUnknownID(id)
	}
	return c.Handler(data)
}

func errUnknownID(id uint16) error {
	return &idError{id: id}
}

type idError struct{ id uint16 }

func (e *idError) Error() string { return errUnknown.Error() + " " + core.Itoa(int(e.id)) }
func (e *idError) Unwrap() error { return errUnknown }

// Commands returns every entry in id order.
func (r *Registry) Commands() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.byID))
	for id := 0; id <= int(r.maxID); id++ {
		if c, ok := r.byID[uint16(id)]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Dictionary renders the registry as JSON for identify. It is built by
// hand so that the firmware does not need encoding/json.
func (r *Registry) Dictionary(config map[string]string, configOrder []string) []byte {
	out := make([]byte, 0, 1024)
	out = append(out, `{"version":"`...)
	out = append(out, protocol.Version...)
	out = append(out, `","config":{`...)
	for i, k := range configOrder {
		if i > 0 {
			out = append(out, ',')
		}
		out = appendQuoted(out, k)
		out = append(out, ':')
		out = appendQuoted(out, config[k])
	}
	out = append(out, `},"commands":{`...)
	out = r.appendSection(out, true)
	out = append(out, `},"responses":{`...)
	out = r.appendSection(out, false)
	out = append(out, "}}"...)
	return out
}

func (r *Registry) appendSection(out []byte, commands bool) []byte {
	first := true
	for _, c := range r.Commands() {
		if (c.Handler != nil) != commands {
			continue
		}
		if !first {
			out = append(out, ',')
		}
		first = false
		out = appendQuoted(out, c.Signature())
		out = append(out, ':')
		out = append(out, core.Itoa(int(c.ID))...)
	}
	return out
}

func appendQuoted(out []byte, s string) []byte {
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return append(out, '"')
}
