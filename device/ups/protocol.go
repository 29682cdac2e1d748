package ups

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/upsip/upsip/usb"
)

var (
	// ErrPayloadLength is returned when a data stage is not exactly PayloadLength bytes.
	ErrPayloadLength = errors.New("ups: unexpected payload length")
	// ErrUnexpectedData is returned for a data stage with no claimed SETUP pending.
	ErrUnexpectedData = errors.New("ups: data stage without pending request")
)

// PipeDir is the direction of a pipe as seen from the host.
type PipeDir uint8

const (
	PipeOut PipeDir = iota
	PipeIn
)

// Pipe is a non-control endpoint initialized through the stack.
type Pipe struct {
	Endpoint  uint8
	Dir       PipeDir
	MaxPacket uint16
}

// ControlHandler receives class requests once attached to a stack.
type ControlHandler interface {
	OnControlRequest(setup usb.SetupPacket) bool
	OnControlDataReceived(data []byte) error
}

// Stack is the USB device stack the protocol runs on. None of its methods
// may block or call back into the protocol.
type Stack interface {
	// AttachFunction routes class control requests to h.
	AttachFunction(h ControlHandler)
	InitPipe(endpoint uint8, dir PipeDir, maxPacket uint16) *Pipe
	// ReceiveControl arms an n-byte buffer for the data stage of the current request.
	ReceiveControl(n int)
	// AckControl completes the status stage of the current request.
	AckControl()
	// Transmit queues frame on p. It must copy frame.
	Transmit(p *Pipe, frame []byte)
}

// State of the control transaction in progress.
type State uint8

const (
	StateAwaitingSetup State = iota
	StateDataPending
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateAwaitingSetup:
		return "awaiting-setup"
	case StateDataPending:
		return "data-pending"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Event drives Protocol.Advance.
type Event interface{ event() }

// ConfigEvent is raised when the host selects a configuration.
type ConfigEvent struct{ Config uint8 }

// SetupEvent carries the SETUP stage of a control request.
type SetupEvent struct{ Setup usb.SetupPacket }

// DataEvent carries the OUT data stage of a claimed request.
type DataEvent struct{ Data []byte }

func (ConfigEvent) event() {}
func (SetupEvent) event()  {}
func (DataEvent) event()   {}

// Protocol answers the Richcomm status query. Each completed query advances
// the transaction counter, applies the schedule and pushes the serialized
// register to the interrupt IN pipe.
type Protocol struct {
	stack    Stack
	schedule Schedule
	logger   *slog.Logger

	mu         sync.Mutex
	reg        StatusRegister
	state      State
	count      uint64
	pipe       *Pipe
	configured bool
	indicator  bool
}

// NewProtocol binds a protocol to a stack. A nil schedule means DemoSchedule.
func NewProtocol(stack Stack, schedule Schedule, logger *slog.Logger) *Protocol {
	if schedule == nil {
		schedule = DemoSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{stack: stack, schedule: schedule, logger: logger}
}

// Matches reports whether setup is exactly the status query.
func Matches(setup usb.SetupPacket) bool {
	return setup.RequestType == RequestType &&
		setup.Request == RequestQuery &&
		setup.Value == RequestValue &&
		setup.Index == RequestIndex &&
		setup.Length == PayloadLength
}

// Advance feeds one event into the state machine. claimed is meaningful for
// SetupEvent only.
func (p *Protocol) Advance(ev Event) (claimed bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e := ev.(type) {
	case ConfigEvent:
		p.configure(e.Config)
		return true, nil
	case SetupEvent:
		return p.setup(e.Setup), nil
	case DataEvent:
		return true, p.data(e.Data)
	default:
		return false, fmt.Errorf("ups: unknown event %T", ev)
	}
}

func (p *Protocol) configure(config uint8) {
	if p.configured {
		return
	}
	p.stack.AttachFunction(p)
	p.pipe = p.stack.InitPipe(ReplyEndpoint, PipeIn, ReplyMaxPacket)
	p.configured = true
	p.logger.Debug("configuration selected", "config", config)
}

func (p *Protocol) setup(s usb.SetupPacket) bool {
	if p.state == StateDataPending {
		p.logger.Debug("setup aborts pending transaction")
		p.state = StateAwaitingSetup
	}
	if !Matches(s) {
		return false
	}
	p.stack.ReceiveControl(PayloadLength)
	p.state = StateDataPending
	return true
}

func (p *Protocol) data(b []byte) error {
	if p.state != StateDataPending {
		return ErrUnexpectedData
	}
	if len(b) != PayloadLength {
		p.state = StateAwaitingSetup
		return fmt.Errorf("%w: got %d, want %d", ErrPayloadLength, len(b), PayloadLength)
	}

	// The payload carries nothing the emulator needs.
	if t, ok := p.schedule.At(p.count); ok && t.Apply(&p.reg) {
		p.logger.Info("ups status changed", "transaction", p.count, "status", t.Label)
	}
	p.count++
	p.indicator = !p.indicator

	p.stack.AckControl()
	if p.pipe == nil {
		panic("ups: reply pipe not initialized")
	}
	p.stack.Transmit(p.pipe, p.reg.Serialize())
	p.state = StateComplete
	p.logger.Debug("status query answered", "transaction", p.count, "online", p.reg.Online(), "batteryGood", p.reg.BatteryGood())
	return nil
}

// OnConfigurationSelected initializes the function on first call; later calls are no-ops.
func (p *Protocol) OnConfigurationSelected(config uint8) {
	_, _ = p.Advance(ConfigEvent{Config: config})
}

// OnControlRequest claims the status query and declines everything else.
func (p *Protocol) OnControlRequest(setup usb.SetupPacket) bool {
	claimed, _ := p.Advance(SetupEvent{Setup: setup})
	return claimed
}

// OnControlDataReceived completes a claimed request.
func (p *Protocol) OnControlDataReceived(data []byte) error {
	_, err := p.Advance(DataEvent{Data: data})
	return err
}

func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Transactions returns the number of completed queries.
func (p *Protocol) Transactions() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Register returns a copy of the status register.
func (p *Protocol) Register() StatusRegister {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reg
}

// Indicator mirrors the activity LED, toggled once per completed query.
func (p *Protocol) Indicator() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.indicator
}

func (p *Protocol) Configured() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configured
}
