// Package transport adapts the transport registry to the broker runtime.
// Transport implementations live in github.com/drblury/streamflow/transport/*.
package transport

import (
	newtransport "github.com/drblury/streamflow/transport"
)

// Capabilities is an alias for the modular transport Capabilities.
type Capabilities = newtransport.Capabilities

// Transport is an alias for the modular transport pair.
type Transport = newtransport.Transport

// Provisioner is an alias for the modular transport Provisioner.
type Provisioner = newtransport.Provisioner

// GetCapabilities returns the capabilities for a transport by name.
func GetCapabilities(transportName string) Capabilities {
	return newtransport.GetCapabilities(transportName)
}
