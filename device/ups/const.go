package ups

// USB identity of a Richcomm UPS-to-USB interface.
const (
	RichcommVID = 0x0925
	RichcommPID = 0x1234

	DefaultManufacturer = "kolontsov.com"
	DefaultProduct      = "Richcomm UPS emulator"
	DefaultSerial       = "0001"
)

// String descriptor indices.
const (
	StrManufacturer = 1
	StrProduct      = 2
	StrSerial       = 3
)

// The single class request the host driver issues, addressed to interface 0.
const (
	RequestType  = 0x21 // host-to-device | class | interface
	RequestQuery = 0x09
	RequestValue = 0x0200
	RequestIndex = 0x0000

	// PayloadLength is the size of the data stage of a query.
	PayloadLength = 4
)

// Interrupt IN endpoint carrying status replies.
const (
	ReplyEndpoint  = 1
	ReplyMaxPacket = 32
	ReplyInterval  = 0xFF
)

// Status reply layout.
const (
	ReplyLength = 6
	FlagsOffset = 3

	FlagBatteryGood uint8 = 0x02
	FlagOnline      uint8 = 0x04
)

// Stream frame sizes (API client <-> device).
const (
	LineStateSize  = 1
	ReplyFrameSize = ReplyLength
)

// Line state bits in a client -> device stream frame.
const (
	LineOnline      uint8 = 0x01
	LineBatteryGood uint8 = 0x02
)

// Modes accepted in device.CreateOptions.Mode.
const (
	ModeDemo      = "demo"
	ModeTelemetry = "telemetry"
)

// maxQueuedReplies bounds the EP1 IN backlog when the host stops polling.
const maxQueuedReplies = 8
