package model

import (
	"time"

	"go.uber.org/zap"
)

// buildNetwork decodes the configuration document into entities, merging in
// snapshot-held ids and state data where the snapshot describes the same
// entity by name path.
func (t *Tree) buildNetwork(doc, snapshot *Document) *Network {
	if snapshot == doc {
		snapshot = nil
	}
	n := &Network{
		Name:    doc.Name,
		Version: doc.Meta.Version,
	}
	n.ID, _ = mintID(doc.Meta.ID)
	if snapshot != nil && snapshot.Meta.ID != "" {
		n.ID = snapshot.Meta.ID
	}
	t.index[n.ID] = n

	for _, dd := range doc.Device {
		var sd *DeviceDoc
		if snapshot != nil {
			sd = findDeviceDoc(snapshot, dd.Name)
		}
		d := t.buildDevice(dd, sd)
		d.network = n
		n.Devices = append(n.Devices, d)
	}
	return n
}

func (t *Tree) buildDevice(dd DeviceDoc, sd *DeviceDoc) *Device {
	d := &Device{
		Name:          dd.Name,
		Manufacturer:  dd.Manufacturer,
		Product:       dd.Product,
		Version:       dd.Version,
		SerialNumber:  dd.Serial,
		Description:   dd.Description,
		Protocol:      dd.Protocol,
		Communication: dd.Communication,
	}
	d.ID, _ = mintID(dd.Meta.ID)
	if sd != nil && sd.Meta.ID != "" {
		d.ID = sd.Meta.ID
	}
	t.index[d.ID] = d

	for _, vd := range dd.Value {
		var sv *ValueDoc
		if sd != nil {
			sv = findValueDoc(sd, vd.Name)
		}
		v := t.buildValue(vd, sv)
		v.device = d
		d.Values = append(d.Values, v)
	}
	return d
}

func (t *Tree) buildValue(vd ValueDoc, sv *ValueDoc) *Value {
	v := &Value{
		Name:       vd.Name,
		Kind:       vd.Type,
		Permission: Permission(vd.Permission),
		Status:     Status(vd.Status),
		Period:     vd.period(),
		Delta:      vd.delta(),
	}
	if vd.Number != nil {
		v.Number = &NumberSpec{Min: vd.Number.Min, Max: vd.Number.Max, Step: vd.Number.Step, Unit: vd.Number.Unit}
	}
	if vd.String != nil {
		v.String = &StringSpec{Max: vd.String.Max, Encoding: vd.String.Encoding}
	}
	if vd.Blob != nil {
		v.Blob = &BlobSpec{Max: vd.Blob.Max, Encoding: vd.Blob.Encoding}
	}
	if vd.XML != nil {
		v.XML = &XMLSpec{Xsd: vd.XML.Xsd, Namespace: vd.XML.Namespace}
	}
	var minted bool
	v.ID, minted = mintID(vd.Meta.ID)
	if sv != nil && sv.Meta.ID != "" {
		v.ID = sv.Meta.ID
		minted = false
	}
	if v.Status == "" {
		v.Status = StatusOK
	}
	if minted {
		v.Status = StatusPending
	}
	t.index[v.ID] = v

	for _, stDoc := range vd.State {
		var snapState *StateDoc
		if sv != nil {
			snapState = findStateDoc(sv, stDoc.Type)
		}
		s := t.buildState(stDoc, snapState)
		switch s.Type {
		case StateReport:
			v.Report = s
		case StateControl:
			v.Control = s
		default:
			t.log.Warn("unknown state type in document",
				zap.String("value", v.Name), zap.String("type", string(s.Type)))
			continue
		}
		t.index[s.ID] = s
		t.owners[s.ID] = v
	}
	if v.Delta > 0 && v.Report != nil && v.Report.Data != "" {
		t.filter.seed(v, v.Report.Data)
	}
	return v
}

func (t *Tree) buildState(stDoc StateDoc, snap *StateDoc) *State {
	s := &State{
		Type: StateType(stDoc.Type),
		Data: stDoc.Data,
	}
	s.ID, _ = mintID(stDoc.Meta.ID)
	ts := stDoc.Timestamp
	if snap != nil {
		if snap.Meta.ID != "" {
			s.ID = snap.Meta.ID
		}
		if snap.Data != "" {
			s.Data = snap.Data
		}
		if snap.Timestamp != "" {
			ts = snap.Timestamp
		}
	}
	if ts != "" {
		if parsed, err := ParseTimestamp(ts); err == nil {
			s.Timestamp = parsed
		}
	}
	return s
}

// Document encodes the current tree in the configuration file shape. Used
// for the full-model handshake and by the persistence store.
func (t *Tree) Document() *Document {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.documentLocked()
}

func (t *Tree) documentLocked() *Document {
	n := t.network
	doc := &Document{
		Meta: Meta{ID: n.ID, Type: "network", Version: metaVersion},
		Name: n.Name,
	}
	for _, d := range n.Devices {
		dd := DeviceDoc{
			Meta:          Meta{ID: d.ID, Type: "device", Version: metaVersion},
			Name:          d.Name,
			Manufacturer:  d.Manufacturer,
			Product:       d.Product,
			Version:       d.Version,
			Serial:        d.SerialNumber,
			Description:   d.Description,
			Protocol:      d.Protocol,
			Communication: d.Communication,
		}
		for _, v := range d.Values {
			dd.Value = append(dd.Value, encodeValue(v))
		}
		doc.Device = append(doc.Device, dd)
	}
	return doc
}

const metaVersion = "2.0"

func encodeValue(v *Value) ValueDoc {
	vd := ValueDoc{
		Meta:       Meta{ID: v.ID, Type: "value", Version: metaVersion},
		Name:       v.Name,
		Type:       v.Kind,
		Permission: string(v.Permission),
		Status:     string(v.Status),
	}
	if v.Period > 0 {
		vd.Period = formatInt(int(v.Period / time.Second))
	}
	if v.Delta > 0 {
		vd.Delta = formatFloat(v.Delta)
	}
	if v.Number != nil {
		vd.Number = &NumberDoc{Min: v.Number.Min, Max: v.Number.Max, Step: v.Number.Step, Unit: v.Number.Unit}
	}
	if v.String != nil {
		vd.String = &StringDoc{Max: v.String.Max, Encoding: v.String.Encoding}
	}
	if v.Blob != nil {
		vd.Blob = &BlobDoc{Max: v.Blob.Max, Encoding: v.Blob.Encoding}
	}
	if v.XML != nil {
		vd.XML = &XMLDoc{Xsd: v.XML.Xsd, Namespace: v.XML.Namespace}
	}
	for _, s := range []*State{v.Report, v.Control} {
		if s == nil {
			continue
		}
		sd := StateDoc{
			Meta: Meta{ID: s.ID, Type: "state", Version: metaVersion},
			Type: string(s.Type),
			Data: s.Data,
		}
		if !s.Timestamp.IsZero() {
			sd.Timestamp = FormatTimestamp(s.Timestamp)
		}
		vd.State = append(vd.State, sd)
	}
	return vd
}

func findDeviceDoc(doc *Document, name string) *DeviceDoc {
	for i := range doc.Device {
		if doc.Device[i].Name == name {
			return &doc.Device[i]
		}
	}
	return nil
}

func findValueDoc(dd *DeviceDoc, name string) *ValueDoc {
	for i := range dd.Value {
		if dd.Value[i].Name == name {
			return &dd.Value[i]
		}
	}
	return nil
}

func findStateDoc(vd *ValueDoc, stateType string) *StateDoc {
	for i := range vd.State {
		if vd.State[i].Type == stateType {
			return &vd.State[i]
		}
	}
	return nil
}
