package model

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher receives accepted state updates and delete requests bound for
// the server. The session actor implements it; the tree never talks to the
// transport directly.
type Publisher interface {
	PublishState(u StateUpdate)
	PublishDelete(ref Ref)
}

// Tree is the in-memory model shared between the application, the inbound
// dispatcher and the persistence store. A single lock serializes writers so
// per-value timestamp ordering stays monotonic; user handlers are always
// invoked outside the lock.
type Tree struct {
	mu        sync.Mutex
	network   *Network
	index     map[string]any
	owners    map[string]*Value
	filter    deltaPeriodFilter
	publisher Publisher
	now       func() time.Time
	log       *zap.Logger
}

// NewTree builds the tree from a configuration document, preferring
// snapshot-held ids, state data and timestamps when both describe the same
// entity. Entities without a server-assigned id get a locally minted one and
// start out pending.
func NewTree(doc *Document, snapshot *Document, logger *zap.Logger) (*Tree, error) {
	if doc == nil {
		doc = snapshot
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	t := &Tree{
		index:  make(map[string]any),
		owners: make(map[string]*Value),
		filter: newDeltaPeriodFilter(),
		now:    time.Now,
		log:    logger.Named("model"),
	}
	t.network = t.buildNetwork(doc, snapshot)
	return t, nil
}

func (t *Tree) SetPublisher(p Publisher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publisher = p
}

// SetClock replaces the time source, for tests.
func (t *Tree) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	t.filter.now = now
}

func (t *Tree) Network() *Network {
	return t.network
}

func (t *Tree) Device(name string) (*Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d := t.network.Device(name); d != nil {
		return d, nil
	}
	return nil, ErrNotFound
}

func (t *Tree) Value(deviceName, valueName string) (*Value, error) {
	d, err := t.Device(deviceName)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if v := d.Value(valueName); v != nil {
		return v, nil
	}
	return nil, ErrNotFound
}

// ByID resolves any entity (network, device, value or state) by its id.
func (t *Tree) ByID(id string) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.index[id]; ok {
		return e, nil
	}
	return nil, ErrNotFound
}

// WriteState validates and records a Report write, then hands it to the
// delta/period filter. Rejected writes leave the prior state unchanged and
// never reach the network.
func (t *Tree) WriteState(valueID, data string) error {
	return t.WriteStateAt(valueID, data, time.Time{})
}

func (t *Tree) WriteStateAt(valueID, data string, ts time.Time) error {
	t.mu.Lock()
	v, ok := t.index[valueID].(*Value)
	if !ok {
		t.mu.Unlock()
		return ErrNotFound
	}
	if v.Report == nil {
		t.mu.Unlock()
		return validationErrorf(MissingID, "value %s has no report state", v.Name)
	}
	if err := v.ValidateData(data); err != nil {
		t.mu.Unlock()
		return err
	}
	if ts.IsZero() {
		ts = t.now()
	}
	v.Report.Data = data
	v.Report.Timestamp = ts
	v.Status = StatusUpdate

	transmit := t.filter.shouldTransmit(v, data)
	var update StateUpdate
	pub := t.publisher
	if transmit {
		t.filter.markTransmitted(v, data)
		v.Status = StatusPending
		update = StateUpdate{
			Ref:       v.ref().withState(v.Report.ID),
			Type:      StateReport,
			Data:      data,
			Timestamp: ts,
		}
	}
	t.mu.Unlock()

	if transmit && pub != nil {
		pub.PublishState(update)
	} else if transmit {
		t.log.Debug("report accepted before session start", zap.String("value", valueID))
	} else {
		t.log.Debug("report suppressed by delta", zap.String("value", valueID), zap.String("data", data))
	}
	return nil
}

// ApplyControl stores a server-commanded control write and invokes the
// value's handler with the decoded payload. The Report state is untouched.
// id may address either the Control state or the Value itself. Values whose
// permission excludes writing reject the command.
func (t *Tree) ApplyControl(id, data string) error {
	t.mu.Lock()
	v := t.valueFor(id, StateControl)
	if v == nil || v.Control == nil {
		t.mu.Unlock()
		return ErrNotFound
	}
	if v.Permission == PermissionRead || v.Permission == PermissionNone {
		t.mu.Unlock()
		return ErrReadOnly
	}
	v.Control.Data = data
	v.Control.Timestamp = t.now()
	handler := v.handler
	t.mu.Unlock()

	if handler != nil {
		handler.OnSet(v, data)
	} else {
		t.log.Debug("control with no registered handler", zap.String("value", v.ID))
	}
	return nil
}

// Refresh invokes the value's handler with a refresh event. The application
// is expected to answer with a fresh WriteState.
func (t *Tree) Refresh(id string) error {
	t.mu.Lock()
	v := t.valueFor(id, StateReport)
	if v == nil {
		t.mu.Unlock()
		return ErrNotFound
	}
	handler := v.handler
	t.mu.Unlock()

	if handler != nil {
		handler.OnRefresh(v)
	} else {
		t.log.Debug("refresh with no registered handler", zap.String("value", v.ID))
	}
	return nil
}

// HandleDelete processes a server-issued delete for the given id. A network
// delete with no registered handler asks the session to stop.
func (t *Tree) HandleDelete(id string) (stop bool, err error) {
	t.mu.Lock()
	entity, ok := t.index[id]
	if !ok {
		t.mu.Unlock()
		return false, ErrNotFound
	}
	switch e := entity.(type) {
	case *Network:
		handler := e.handler
		t.mu.Unlock()
		if handler == nil {
			t.log.Warn("network deleted by server, no handler registered: stopping")
			return true, nil
		}
		handler.OnDelete(e)
		return false, nil
	case *Device:
		t.removeDeviceLocked(e)
	case *Value:
		t.removeValueLocked(e)
	case *State:
		if v := t.owners[e.ID]; v != nil {
			if v.Report == e {
				v.Report = nil
			}
			if v.Control == e {
				v.Control = nil
			}
		}
		delete(t.index, e.ID)
		delete(t.owners, e.ID)
	}
	t.mu.Unlock()
	return false, nil
}

// Status returns the delivery status of a value.
func (t *Tree) Status(valueID string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.index[valueID].(*Value); ok {
		return v.Status
	}
	return ""
}

// AckState clears the pending flag once the server confirmed the write.
func (t *Tree) AckState(stateID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v := t.owners[stateID]; v != nil {
		v.Status = StatusOK
	}
}

// TriggerPeriod fires when a value's period elapsed without a transmission:
// the handler gets a refresh first, and if it did not write fresh data the
// held report value is force-retransmitted.
func (t *Tree) TriggerPeriod(valueID string) {
	t.mu.Lock()
	v, ok := t.index[valueID].(*Value)
	if !ok || v.Report == nil {
		t.mu.Unlock()
		return
	}
	handler := v.handler
	t.mu.Unlock()

	if handler != nil {
		handler.OnRefresh(v)
	}

	t.mu.Lock()
	if !t.filter.periodElapsed(v) {
		// the refresh handler already produced a transmission
		t.mu.Unlock()
		return
	}
	update := StateUpdate{
		Ref:       v.ref().withState(v.Report.ID),
		Type:      StateReport,
		Data:      v.Report.Data,
		Timestamp: t.now(),
	}
	t.filter.markTransmitted(v, v.Report.Data)
	v.Status = StatusPending
	pub := t.publisher
	t.mu.Unlock()

	if pub != nil {
		pub.PublishState(update)
	}
}

// PeriodValue pairs a value id with its configured reporting period.
type PeriodValue struct {
	ID     string
	Period time.Duration
}

func (t *Tree) PeriodValues() []PeriodValue {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []PeriodValue
	for _, d := range t.network.Devices {
		for _, v := range d.Values {
			if v.Period > 0 && v.Report != nil {
				out = append(out, PeriodValue{ID: v.ID, Period: v.Period})
			}
		}
	}
	return out
}

// Delete issues an outbound delete request for a value and removes it
// locally.
func (t *Tree) Delete(valueID string) error {
	t.mu.Lock()
	v, ok := t.index[valueID].(*Value)
	if !ok {
		t.mu.Unlock()
		return ErrNotFound
	}
	ref := v.ref()
	t.removeValueLocked(v)
	pub := t.publisher
	t.mu.Unlock()

	if pub != nil {
		pub.PublishDelete(ref)
	}
	return nil
}

// SetValueHandler registers the handler on every value in the tree.
func (t *Tree) SetValueHandler(h ValueHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.network.Devices {
		for _, v := range d.Values {
			v.handler = h
		}
	}
}

func (t *Tree) SetNetworkHandler(h NetworkHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.network.handler = h
}

func (t *Tree) valueFor(id string, st StateType) *Value {
	if v, ok := t.index[id].(*Value); ok {
		return v
	}
	if s, ok := t.index[id].(*State); ok && s.Type == st {
		return t.owners[s.ID]
	}
	return nil
}

func (t *Tree) removeValueLocked(v *Value) {
	for _, s := range []*State{v.Report, v.Control} {
		if s != nil {
			delete(t.index, s.ID)
			delete(t.owners, s.ID)
		}
	}
	delete(t.index, v.ID)
	if d := v.device; d != nil {
		for i, other := range d.Values {
			if other == v {
				d.Values = append(d.Values[:i], d.Values[i+1:]...)
				break
			}
		}
	}
}

func (t *Tree) removeDeviceLocked(d *Device) {
	for _, v := range append([]*Value(nil), d.Values...) {
		t.removeValueLocked(v)
	}
	delete(t.index, d.ID)
	for i, other := range t.network.Devices {
		if other == d {
			t.network.Devices = append(t.network.Devices[:i], t.network.Devices[i+1:]...)
			break
		}
	}
}

func (r Ref) withState(stateID string) Ref {
	r.StateID = stateID
	return r
}

func mintID(id string) (string, bool) {
	if id != "" {
		return id, false
	}
	return uuid.NewString(), true
}
