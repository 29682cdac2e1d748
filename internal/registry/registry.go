// Package registry links every device type into the management API.
package registry

import (
	_ "github.com/upsip/upsip/device/ups" // Register the Richcomm UPS device handler
)
