package ups

import "sync"

// Change describes what a transition does to one flag.
type Change uint8

const (
	Keep Change = iota
	Raise
	Drop
)

func changeFor(on bool) Change {
	if on {
		return Raise
	}
	return Drop
}

// Transition is a register mutation selected by a schedule.
type Transition struct {
	Label       string
	Online      Change
	BatteryGood Change
}

// Apply mutates r and reports whether any flag actually changed.
func (t Transition) Apply(r *StatusRegister) bool {
	before := r.flags
	switch t.Online {
	case Raise:
		r.SetOnline(true)
	case Drop:
		r.SetOnline(false)
	}
	switch t.BatteryGood {
	case Raise:
		r.SetBatteryGood(true)
	case Drop:
		r.SetBatteryGood(false)
	}
	return r.flags != before
}

// Schedule maps the number of completed transactions to a register
// mutation. At is called with the count before it is incremented.
type Schedule interface {
	At(count uint64) (Transition, bool)
}

// TableSchedule is a fixed set of checkpoints; every other count is a no-op.
type TableSchedule map[uint64]Transition

func (s TableSchedule) At(count uint64) (Transition, bool) {
	t, ok := s[count]
	return t, ok
}

// DemoSchedule cycles the line and battery flags for a host watching the
// device: on-line at first contact, a short outage at 30, back at 40, off
// again at 50 and a low battery at 60.
var DemoSchedule = TableSchedule{
	0:  {Label: "online, battery good", Online: Raise, BatteryGood: Raise},
	30: {Label: "on battery", Online: Drop},
	40: {Label: "online", Online: Raise},
	50: {Label: "on battery", Online: Drop},
	60: {Label: "battery low", BatteryGood: Drop},
}

// TelemetrySchedule copies the most recent externally supplied line state
// into the register on every transaction.
type TelemetrySchedule struct {
	mu   sync.Mutex
	line LineState
}

// NewTelemetrySchedule starts from an on-line state with a good battery.
func NewTelemetrySchedule() *TelemetrySchedule {
	return &TelemetrySchedule{line: LineState{Online: true, BatteryGood: true}}
}

func (s *TelemetrySchedule) Set(ls LineState) {
	s.mu.Lock()
	s.line = ls
	s.mu.Unlock()
}

func (s *TelemetrySchedule) Line() LineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.line
}

func (s *TelemetrySchedule) At(uint64) (Transition, bool) {
	ls := s.Line()
	return Transition{
		Label:       ls.String(),
		Online:      changeFor(ls.Online),
		BatteryGood: changeFor(ls.BatteryGood),
	}, true
}
