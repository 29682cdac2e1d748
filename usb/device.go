package usb

// Device is the minimal interface an emulated device must implement.
// EP0 standard requests are answered by the USB/IP server from the descriptor;
// everything else reaches the device through the methods below.
type Device interface {
	// HandleTransfer processes a non-EP0 transfer (interrupt/bulk).
	// ep is the endpoint number (without direction). dir is usbip.DirIn or usbip.DirOut.
	// For IN transfers, return the payload to send; for OUT, consume 'out' and return nil.
	HandleTransfer(ep uint32, dir uint32, out []byte) []byte
	GetDescriptor() *Descriptor
}

// ControlDevice is implemented by devices that service class or vendor
// requests on EP0. The server calls HandleControl for every non-standard
// SETUP; data holds the OUT data stage (nil for IN requests).
//
// handled=false means the device declined the request and the server
// applies its own policy (a protocol STALL).
type ControlDevice interface {
	HandleControl(bmRequestType, bRequest uint8, wValue, wIndex, wLength uint16, data []byte) (resp []byte, handled bool)
}

// ConfigurableDevice is notified when the host selects a configuration
// with SET_CONFIGURATION. config is the bConfigurationValue; 0 means the
// device was returned to the addressed state.
type ConfigurableDevice interface {
	SetConfiguration(config uint8)
}
