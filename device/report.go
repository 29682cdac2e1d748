package device

// ReportBuilder is implemented by device state that serializes into the
// payload of an interrupt IN transfer.
type ReportBuilder interface {
	// BuildReport encodes the current state into a fresh byte slice.
	BuildReport() []byte
}

