package ups

// StatusRegister holds the line and battery flags reported to the host.
// The zero value reports off-line with a low battery.
type StatusRegister struct {
	flags uint8
}

// SetOnline sets or clears the on-line bit.
func (r *StatusRegister) SetOnline(online bool) {
	r.set(FlagOnline, online)
}

// SetBatteryGood sets or clears the battery-good bit.
func (r *StatusRegister) SetBatteryGood(good bool) {
	r.set(FlagBatteryGood, good)
}

func (r *StatusRegister) set(mask uint8, on bool) {
	if on {
		r.flags |= mask
	} else {
		r.flags &^= mask
	}
}

func (r *StatusRegister) Online() bool      { return r.flags&FlagOnline != 0 }
func (r *StatusRegister) BatteryGood() bool { return r.flags&FlagBatteryGood != 0 }

// Serialize returns the 6-byte reply frame. Only byte 3 carries data.
func (r *StatusRegister) Serialize() []byte {
	b := make([]byte, ReplyLength)
	b[FlagsOffset] = r.flags
	return b
}

// BuildReport implements device.ReportBuilder.
func (r *StatusRegister) BuildReport() []byte { return r.Serialize() }

// ParseReply decodes a reply frame as seen on the wire.
func ParseReply(b []byte) (online, batteryGood bool, ok bool) {
	if len(b) != ReplyLength {
		return false, false, false
	}
	return b[FlagsOffset]&FlagOnline != 0, b[FlagsOffset]&FlagBatteryGood != 0, true
}
