package models

import "time"

// DeviceKind is the local inventory type an agent can be linked to.
type DeviceKind string

const (
	DeviceKindComputer         DeviceKind = "computer"
	DeviceKindNetworkEquipment DeviceKind = "network_equipment"
)

// DeviceKinds lists every kind the synchronizer walks, in walk order.
var DeviceKinds = []DeviceKind{DeviceKindComputer, DeviceKindNetworkEquipment}

// Valid reports whether k is a known device kind.
func (k DeviceKind) Valid() bool {
	return k == DeviceKindComputer || k == DeviceKindNetworkEquipment
}

// Device is a local inventory item. Agents are linked to devices by exact
// name match.
type Device struct {
	ID        int64      `json:"id"`
	Type      DeviceKind `json:"kind"`
	Name      string     `json:"name"`
	Serial    string     `json:"serial,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ExternalID is the identity the remote side knows the device by (its
// host name, matched against agent.name).
func (d Device) ExternalID() string { return d.Name }

// Kind returns the device's inventory type.
func (d Device) Kind() DeviceKind { return d.Type }

// LocalID returns the local primary key.
func (d Device) LocalID() int64 { return d.ID }
