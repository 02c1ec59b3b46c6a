package device

import (
	"math"
	"time"

	"github.com/vrui-vr/vrdeviced/internal/config"
	"github.com/vrui-vr/vrdeviced/internal/dispatch"
)

func init() {
	RegisterDriverType("virtual", newVirtualDriver)
}

// virtualDriver synthesizes device samples on a dispatcher timer: trackers
// move on a circle, valuators follow a sine, buttons toggle periodically.
// With hmd enabled it also registers an HMD on its first tracker and pushes
// eye rotation updates every tick, exercising the rotation fast path. It
// exists for development and for driving the daemon in tests without
// hardware.
type virtualDriver struct {
	m    *Manager
	name string

	trackerBase  int
	buttonBase   int
	valuatorBase int
	numTrackers  int
	numButtons   int
	numValuators int

	radius   float64
	period   float64 // seconds per revolution
	interval time.Duration
	hmd      *HMDConfiguration

	timer *dispatch.Timer
	phase float64
	ticks int
}

func newVirtualDriver(m *Manager, sec *config.Section) (Driver, error) {
	d := &virtualDriver{
		m:            m,
		name:         sec.Name,
		numTrackers:  sec.Int("trackers", 1),
		numButtons:   sec.Int("buttons", 0),
		numValuators: sec.Int("valuators", 0),
		radius:       sec.Float("radius", 1.0),
		period:       sec.Float("period", 10.0),
	}
	rate := sec.Int("updateRate", 60)
	if rate < 1 {
		rate = 1
	}
	d.interval = time.Second / time.Duration(rate)

	d.trackerBase = m.AllocateTrackers(d.numTrackers)
	d.buttonBase = m.AllocateButtons(d.numButtons)
	d.valuatorBase = m.AllocateValuators(d.numValuators)

	if sec.Bool("hmd", false) {
		c := NewHMDConfiguration(uint16(d.trackerBase))
		ipd := float32(sec.Float("ipd", 0.064))
		c.SetEyePosition(0, [3]float32{-ipd / 2, 0, 0})
		c.SetEyePosition(1, [3]float32{ipd / 2, 0, 0})
		for eye := 0; eye < 2; eye++ {
			c.SetEyeFov(eye, [4]float32{-1.1, 1.1, -1.1, 1.1})
		}
		w := uint32(sec.Int("renderTargetWidth", 1024))
		h := uint32(sec.Int("renderTargetHeight", 1024))
		c.SetRenderTargetSize(w, h)
		c.SetViewport(0, [4]uint32{0, 0, w, h})
		c.SetViewport(1, [4]uint32{w, 0, w, h})
		meshDim := uint32(sec.Int("distortionMeshSize", 0))
		if meshDim > 0 {
			c.SetDistortionMeshSize(meshDim, meshDim)
		}
		m.AddHMD(c)
		d.hmd = c
	}
	return d, nil
}

func (d *virtualDriver) Name() string { return d.name }

func (d *virtualDriver) Start() error {
	d.timer = d.m.Dispatcher().AddTimer(d.interval, d.tick)
	return nil
}

func (d *virtualDriver) Stop() {
	if d.timer != nil {
		d.timer.Stop()
	}
}

// tick runs on the dispatcher goroutine.
func (d *virtualDriver) tick() {
	d.phase += d.interval.Seconds() / d.period * 2 * math.Pi
	now := TimeStamp(time.Now().UnixMicro())
	state := d.m.State()

	for i := 0; i < d.numTrackers; i++ {
		a := d.phase + 2*math.Pi*float64(i)/float64(d.numTrackers)
		// Orientation spins about the vertical axis in lockstep with the
		// circular motion.
		half := a / 2
		ts := TrackerState{
			Position:    [3]float32{float32(d.radius * math.Cos(a)), float32(d.radius * math.Sin(a)), 0},
			Orientation: [4]float32{0, float32(math.Sin(half)), 0, float32(math.Cos(half))},
			LinearVelocity: [3]float32{
				float32(-d.radius * math.Sin(a) * 2 * math.Pi / d.period),
				float32(d.radius * math.Cos(a) * 2 * math.Pi / d.period),
				0,
			},
			AngularVelocity: [3]float32{0, float32(2 * math.Pi / d.period), 0},
		}
		state.SetTracker(d.trackerBase+i, ts, now)
	}
	for i := 0; i < d.numButtons; i++ {
		// Each button toggles at its own rate.
		state.SetButton(d.buttonBase+i, (d.ticks>>(4+i))&1 == 1)
	}
	for i := 0; i < d.numValuators; i++ {
		state.SetValuator(d.valuatorBase+i, float32(math.Sin(d.phase+float64(i))))
	}
	if d.hmd != nil {
		half := math.Sin(d.phase) * 0.01
		rot := [4]float32{0, float32(math.Sin(half)), 0, float32(math.Cos(half))}
		d.hmd.SetEyeRotation(0, rot)
		d.hmd.SetEyeRotation(1, rot)
	}
	d.ticks++
	d.m.Updated()
}
