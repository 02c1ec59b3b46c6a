package device

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/vrui-vr/vrdeviced/internal/config"
	"github.com/vrui-vr/vrdeviced/internal/dispatch"
)

// Driver is one configured device driver. Drivers claim slots in the
// composite state during construction and mutate them through the manager
// while running. Everything except the raw I/O of a driver must happen on
// the dispatcher goroutine.
type Driver interface {
	Name() string
	Start() error
	Stop()
}

// DriverFactory constructs a driver from its configuration section. The
// factory must claim all tracker/button/valuator slots the driver will use
// via the manager's Allocate methods before returning.
type DriverFactory func(m *Manager, sec *config.Section) (Driver, error)

var driverFactories = map[string]DriverFactory{}

// RegisterDriverType registers a driver factory under a type name used in
// the deviceDrivers configuration list.
func RegisterDriverType(typ string, f DriverFactory) {
	if _, dup := driverFactories[typ]; dup {
		panic("device: duplicate driver type " + typ)
	}
	driverFactories[typ] = f
}

// Manager aggregates all configured drivers into one composite device
// state. It owns the State and the HMD configurations; the server reads
// them, drivers write them, and both only ever do so from the dispatcher
// goroutine.
type Manager struct {
	disp    *dispatch.Dispatcher
	state   *State
	hmds    []*HMDConfiguration
	drivers []Driver

	numTrackers  int
	numButtons   int
	numValuators int

	onUpdate func()
	running  bool
}

// NewManager constructs all drivers named in the configuration and
// allocates the composite state layout they claimed. Construction failure
// of any driver fails the whole manager; the daemon treats that as fatal.
func NewManager(disp *dispatch.Dispatcher, sections []config.Section) (*Manager, error) {
	m := &Manager{disp: disp, state: &State{}}
	for i := range sections {
		sec := &sections[i]
		factory, ok := driverFactories[sec.Type]
		if !ok {
			return nil, fmt.Errorf("unknown device driver type %q", sec.Type)
		}
		drv, err := factory(m, sec)
		if err != nil {
			return nil, fmt.Errorf("construct driver %q: %w", sec.Name, err)
		}
		m.drivers = append(m.drivers, drv)
	}
	m.state.SetLayout(m.numTrackers, m.numButtons, m.numValuators)
	return m, nil
}

// AllocateTrackers claims n tracker slots and returns their base index.
// Only valid during driver construction.
func (m *Manager) AllocateTrackers(n int) int {
	base := m.numTrackers
	m.numTrackers += n
	return base
}

// AllocateButtons claims n button slots and returns their base index.
func (m *Manager) AllocateButtons(n int) int {
	base := m.numButtons
	m.numButtons += n
	return base
}

// AllocateValuators claims n valuator slots and returns their base index.
func (m *Manager) AllocateValuators(n int) int {
	base := m.numValuators
	m.numValuators += n
	return base
}

// AddHMD registers an HMD configuration discovered by a driver and returns
// its index.
func (m *Manager) AddHMD(c *HMDConfiguration) int {
	m.hmds = append(m.hmds, c)
	return len(m.hmds) - 1
}

// Dispatcher returns the dispatcher drivers schedule their work on.
func (m *Manager) Dispatcher() *dispatch.Dispatcher { return m.disp }

// State returns the composite device state. Dispatcher goroutine only.
func (m *Manager) State() *State { return m.state }

// HMDs returns the registered HMD configurations.
func (m *Manager) HMDs() []*HMDConfiguration { return m.hmds }

// OnUpdate sets the state-changed notification hook. The device server
// installs its push entry point here.
func (m *Manager) OnUpdate(fn func()) { m.onUpdate = fn }

// Updated raises the state-changed notification. Drivers call it once per
// completed sample batch, from the dispatcher goroutine.
func (m *Manager) Updated() {
	if m.onUpdate != nil {
		m.onUpdate()
	}
}

// Start starts all drivers. On the first error, drivers already started are
// stopped again.
func (m *Manager) Start() error {
	for i, drv := range m.drivers {
		if err := drv.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				m.drivers[j].Stop()
			}
			return fmt.Errorf("start driver %q: %w", drv.Name(), err)
		}
		log.Info().Str("driver", drv.Name()).Msg("device driver started")
	}
	m.running = true
	return nil
}

// Stop stops all drivers in reverse start order.
func (m *Manager) Stop() {
	if !m.running {
		return
	}
	for i := len(m.drivers) - 1; i >= 0; i-- {
		m.drivers[i].Stop()
	}
	m.running = false
}
