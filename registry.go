package busio

import (
	"errors"
	"fmt"
	"sync"
)

// A Factory opens a channel for client on the named bus at the given
// address. The meaning of param is defined by the factory. A factory that
// does not serve bus must report ErrNoBus.
type Factory func(client Client, bus string, addr int, param string, opts *Options) (*Channel, error)

var registry struct {
	sync.Mutex
	kinds []string
	facts map[string]Factory
}

// Register adds a factory for the given kind of bus interface. It is
// intended to be called from an init function, and panics if kind is empty
// or is already registered.
func Register(kind string, f Factory) {
	registry.Lock()
	defer registry.Unlock()
	if kind == "" || f == nil {
		panic("busio: invalid registration")
	} else if _, ok := registry.facts[kind]; ok {
		panic(fmt.Sprintf("busio: duplicate registration for %q", kind))
	}
	if registry.facts == nil {
		registry.facts = make(map[string]Factory)
	}
	registry.kinds = append(registry.kinds, kind)
	registry.facts[kind] = f
}

// Kinds reports the registered bus interface kinds in registration order.
func Kinds() []string {
	registry.Lock()
	defer registry.Unlock()
	return append([]string(nil), registry.kinds...)
}

// Open opens a channel using the factory registered for kind.
func Open(kind string, client Client, bus string, addr int, param string, opts *Options) (*Channel, error) {
	registry.Lock()
	f, ok := registry.facts[kind]
	registry.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown bus interface %q", kind)
	}
	return f(client, bus, addr, param, opts)
}

// Find opens a channel using the first registered factory that serves bus.
// It reports ErrNoBus if no factory does.
func Find(client Client, bus string, addr int, param string, opts *Options) (*Channel, error) {
	for _, kind := range Kinds() {
		ch, err := Open(kind, client, bus, addr, param, opts)
		if errors.Is(err, ErrNoBus) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		return ch, nil
	}
	return nil, fmt.Errorf("bus %q address %d: %w", bus, addr, ErrNoBus)
}

// ChannelName returns the conventional channel name for a bus and address.
func ChannelName(bus string, addr int) string { return fmt.Sprintf("%s:%d", bus, addr) }
