package ups

import (
	"fmt"
	"io"
)

// LineState is the client -> device stream frame used in telemetry mode.
// Wire format (1 byte): bit 0 = on-line, bit 1 = battery good.
type LineState struct {
	Online      bool
	BatteryGood bool
}

func (ls LineState) MarshalBinary() ([]byte, error) {
	var b uint8
	if ls.Online {
		b |= LineOnline
	}
	if ls.BatteryGood {
		b |= LineBatteryGood
	}
	return []byte{b}, nil
}

func (ls *LineState) UnmarshalBinary(data []byte) error {
	if len(data) < LineStateSize {
		return io.ErrUnexpectedEOF
	}
	if data[0]&^(LineOnline|LineBatteryGood) != 0 {
		return fmt.Errorf("reserved line state bits set: %#02x", data[0])
	}
	ls.Online = data[0]&LineOnline != 0
	ls.BatteryGood = data[0]&LineBatteryGood != 0
	return nil
}

func (ls LineState) String() string {
	line := "on battery"
	if ls.Online {
		line = "online"
	}
	if ls.BatteryGood {
		return line + ", battery good"
	}
	return line + ", battery low"
}
