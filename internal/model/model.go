package model

import (
	"time"
)

type Permission string

const (
	PermissionRead      Permission = "r"
	PermissionWrite     Permission = "w"
	PermissionReadWrite Permission = "rw"
	PermissionWriteRead Permission = "wr"
	PermissionNone      Permission = "none"
)

type Status string

const (
	StatusOK      Status = "ok"
	StatusUpdate  Status = "update"
	StatusPending Status = "pending"
)

type StateType string

const (
	StateReport  StateType = "Report"
	StateControl StateType = "Control"
)

type NumberSpec struct {
	Min  float64
	Max  float64
	Step float64
	Unit string
}

type StringSpec struct {
	Max      int
	Encoding string
}

type BlobSpec struct {
	Max      int
	Encoding string
}

type XMLSpec struct {
	Xsd       string
	Namespace string
}

// State is a single Report or Control instance owned by a Value.
type State struct {
	ID        string
	Type      StateType
	Data      string
	Timestamp time.Time
}

// Value carries exactly one of the four type descriptors. A Value owns at
// most one Report state and at most one Control state.
type Value struct {
	ID         string
	Name       string
	Kind       string
	Permission Permission
	Status     Status
	Period     time.Duration
	Delta      float64

	Number *NumberSpec
	String *StringSpec
	Blob   *BlobSpec
	XML    *XMLSpec

	Report  *State
	Control *State

	handler ValueHandler
	device  *Device
}

type Device struct {
	ID            string
	Name          string
	Manufacturer  string
	Product       string
	Version       string
	SerialNumber  string
	Description   string
	Protocol      string
	Communication string
	Values        []*Value

	network *Network
}

type Network struct {
	ID      string
	Name    string
	Version string
	Devices []*Device

	handler NetworkHandler
}

func (v *Value) Device() *Device {
	return v.device
}

func (v *Value) DataType() string {
	switch {
	case v.Number != nil:
		return "number"
	case v.String != nil:
		return "string"
	case v.Blob != nil:
		return "blob"
	case v.XML != nil:
		return "xml"
	}
	return ""
}

func (v *Value) SetHandler(h ValueHandler) {
	if h == nil {
		h = NopValueHandler{}
	}
	v.handler = h
}

func (d *Device) Network() *Network {
	return d.network
}

func (d *Device) Value(name string) *Value {
	for _, v := range d.Values {
		if v.Name == name {
			return v
		}
	}
	return nil
}

func (n *Network) Device(name string) *Device {
	for _, d := range n.Devices {
		if d.Name == name {
			return d
		}
	}
	return nil
}

func (n *Network) SetHandler(h NetworkHandler) {
	if h == nil {
		h = NopNetworkHandler{}
	}
	n.handler = h
}

// ValueHandler receives server-driven value events. OnSet is invoked with the
// decoded control payload, OnRefresh when the server (or an elapsed period)
// asks for fresh report data.
type ValueHandler interface {
	OnSet(v *Value, data string)
	OnRefresh(v *Value)
}

// NetworkHandler receives network lifecycle events. OnDelete is terminal: if
// no handler is registered the session stops itself.
type NetworkHandler interface {
	OnDelete(n *Network)
}

type NopValueHandler struct{}

func (NopValueHandler) OnSet(*Value, string) {}
func (NopValueHandler) OnRefresh(*Value)     {}

type NopNetworkHandler struct{}

func (NopNetworkHandler) OnDelete(*Network) {}

// ValueHandlerFuncs adapts plain functions to a ValueHandler. Nil fields are
// no-ops.
type ValueHandlerFuncs struct {
	Set     func(v *Value, data string)
	Refresh func(v *Value)
}

func (h ValueHandlerFuncs) OnSet(v *Value, data string) {
	if h.Set != nil {
		h.Set(v, data)
	}
}

func (h ValueHandlerFuncs) OnRefresh(v *Value) {
	if h.Refresh != nil {
		h.Refresh(v)
	}
}

type NetworkHandlerFunc func(n *Network)

func (h NetworkHandlerFunc) OnDelete(n *Network) {
	h(n)
}

// Ref addresses an entity by its id path on the wire.
type Ref struct {
	NetworkID string
	DeviceID  string
	ValueID   string
	StateID   string
}

// StateUpdate is an accepted local write on its way to the server.
type StateUpdate struct {
	Ref
	Type      StateType
	Data      string
	Timestamp time.Time
}

func (v *Value) ref() Ref {
	r := Ref{ValueID: v.ID}
	if v.device != nil {
		r.DeviceID = v.device.ID
		if v.device.network != nil {
			r.NetworkID = v.device.network.ID
		}
	}
	return r
}
