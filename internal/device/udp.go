package device

import (
	"bytes"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/vrui-vr/vrdeviced/internal/config"
	"github.com/vrui-vr/vrdeviced/pkg/vrwire"
)

func init() {
	RegisterDriverType("udpreceiver", newUDPReceiver)
}

// udpReceiver accepts device samples from an external bridge process over
// UDP. Each datagram is a batch of sparse updates:
//
//	uint16 n, n x { uint16 index, TrackerState, int32 timeStamp }
//	uint16 n, n x { uint16 index, uint8 state }
//	uint16 n, n x { uint16 index, float32 value }
//
// Indices are local to this driver's slot range. Malformed datagrams are
// dropped; UDP loses packets anyway, so the next batch repairs the state.
type udpReceiver struct {
	m    *Manager
	name string
	addr string

	trackerBase  int
	buttonBase   int
	valuatorBase int
	numTrackers  int
	numButtons   int
	numValuators int

	conn net.PacketConn
}

func newUDPReceiver(m *Manager, sec *config.Section) (Driver, error) {
	d := &udpReceiver{
		m:            m,
		name:         sec.Name,
		addr:         sec.String("listen", ":8556"),
		numTrackers:  sec.Int("trackers", 1),
		numButtons:   sec.Int("buttons", 0),
		numValuators: sec.Int("valuators", 0),
	}
	d.trackerBase = m.AllocateTrackers(d.numTrackers)
	d.buttonBase = m.AllocateButtons(d.numButtons)
	d.valuatorBase = m.AllocateValuators(d.numValuators)
	return d, nil
}

func (d *udpReceiver) Name() string { return d.name }

func (d *udpReceiver) Start() error {
	conn, err := net.ListenPacket("udp", d.addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", d.addr, err)
	}
	d.conn = conn
	log.Info().Str("driver", d.name).Str("addr", conn.LocalAddr().String()).Msg("udp receiver listening")
	go d.readLoop()
	return nil
}

func (d *udpReceiver) Stop() {
	if d.conn != nil {
		d.conn.Close()
	}
}

// readLoop parses datagrams off the dispatcher goroutine and posts the
// resulting batch application into the loop.
func (d *udpReceiver) readLoop() {
	buf := make([]byte, 65507)
	for {
		n, _, err := d.conn.ReadFrom(buf)
		if err != nil {
			// Closed during Stop, or a transient network error. Either way
			// the driver just stops producing.
			return
		}
		batch, err := d.parse(buf[:n])
		if err != nil {
			log.Warn().Err(err).Str("driver", d.name).Msg("dropping malformed datagram")
			continue
		}
		d.m.Dispatcher().Post(func() { d.apply(batch) })
	}
}

type udpTrackerUpdate struct {
	index int
	state TrackerState
	time  TimeStamp
}

type udpButtonUpdate struct {
	index   int
	pressed bool
}

type udpValuatorUpdate struct {
	index int
	value float32
}

type udpBatch struct {
	trackers  []udpTrackerUpdate
	buttons   []udpButtonUpdate
	valuators []udpValuatorUpdate
}

func (d *udpReceiver) parse(data []byte) (*udpBatch, error) {
	src := vrwire.NewSource(bytes.NewReader(data))
	batch := &udpBatch{}

	n := int(src.GetUint16())
	for i := 0; i < n; i++ {
		var u udpTrackerUpdate
		u.index = int(src.GetUint16())
		src.GetFloat32s(u.state.Position[:])
		src.GetFloat32s(u.state.Orientation[:])
		src.GetFloat32s(u.state.LinearVelocity[:])
		src.GetFloat32s(u.state.AngularVelocity[:])
		u.time = TimeStamp(src.GetInt32())
		if u.index >= d.numTrackers {
			return nil, fmt.Errorf("tracker index %d out of range", u.index)
		}
		batch.trackers = append(batch.trackers, u)
	}
	n = int(src.GetUint16())
	for i := 0; i < n; i++ {
		u := udpButtonUpdate{index: int(src.GetUint16()), pressed: src.GetBool()}
		if u.index >= d.numButtons {
			return nil, fmt.Errorf("button index %d out of range", u.index)
		}
		batch.buttons = append(batch.buttons, u)
	}
	n = int(src.GetUint16())
	for i := 0; i < n; i++ {
		u := udpValuatorUpdate{index: int(src.GetUint16()), value: src.GetFloat32()}
		if u.index >= d.numValuators {
			return nil, fmt.Errorf("valuator index %d out of range", u.index)
		}
		batch.valuators = append(batch.valuators, u)
	}
	if err := src.Err(); err != nil {
		return nil, fmt.Errorf("parse datagram: %w", err)
	}
	return batch, nil
}

// apply runs on the dispatcher goroutine.
func (d *udpReceiver) apply(b *udpBatch) {
	state := d.m.State()
	for _, u := range b.trackers {
		state.SetTracker(d.trackerBase+u.index, u.state, u.time)
	}
	for _, u := range b.buttons {
		state.SetButton(d.buttonBase+u.index, u.pressed)
	}
	for _, u := range b.valuators {
		state.SetValuator(d.valuatorBase+u.index, u.value)
	}
	d.m.Updated()
}
