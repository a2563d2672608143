package model

import (
	"fmt"
	"net"
)

const (
	identityPrefix    = "ESP-"
	serviceNamePrefix = "PROV_"
)

// DeviceIdentity identifies the node on the broker and on the pairing transport.
// It is derived once at boot and never changes afterwards.
type DeviceIdentity string

// NewDeviceIdentity builds the identity from the last three bytes of the station MAC.
func NewDeviceIdentity(mac net.HardwareAddr) (DeviceIdentity, error) {
	if len(mac) < 3 {
		return "", fmt.Errorf("hardware address too short: %d bytes", len(mac))
	}
	n := len(mac)
	return DeviceIdentity(fmt.Sprintf("%s%02X%02X%02X", identityPrefix, mac[n-3], mac[n-2], mac[n-1])), nil
}

// Suffix returns the hex part shared by the identity and the pairing service name.
func (d DeviceIdentity) Suffix() string {
	if len(d) <= len(identityPrefix) {
		return ""
	}
	return string(d[len(identityPrefix):])
}

// ServiceName is the name advertised while provisioning, e.g. PROV_A1B2C3.
func (d DeviceIdentity) ServiceName() string {
	return serviceNamePrefix + d.Suffix()
}

func (d DeviceIdentity) String() string { return string(d) }
