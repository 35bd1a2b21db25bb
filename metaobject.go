// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"fmt"
	"sort"
)

// reservedActions is the action id range reserved for built-ins on every
// object. User-defined members start at this uid.
const reservedActions uint32 = 100

// MetaMethod describes one callable method of an object.
type MetaMethod struct {
	UID                 uint32
	Name                string
	ReturnSignature     string
	ParametersSignature string
	Description         string
}

// MetaSignal describes one signal. Its uid space is separate from methods.
type MetaSignal struct {
	UID       uint32
	Name      string
	Signature string
}

// MetaProperty describes one property. Property change events fire on the
// signal of the same name, which has its own uid in the signal space.
type MetaProperty struct {
	UID       uint32
	Name      string
	Signature string
}

// MetaObject is the reflective description of an object: three dense
// uid-keyed descriptor maps plus lookup indexes by name-with-signature and
// by bare name. Shared-immutable once published.
type MetaObject struct {
	Methods     map[uint32]MetaMethod
	Signals     map[uint32]MetaSignal
	Properties  map[uint32]MetaProperty
	Description string

	methodByFull map[string]uint32 // "name::(params)"
	methodByName map[string]uint32
	signalByName map[string]uint32
	propByName   map[string]uint32
}

// methodKey is the name-with-signature index key.
func methodKey(name, paramsSig string) string {
	return name + "::" + paramsSig
}

func (m *MetaObject) buildIndexes() {
	m.methodByFull = make(map[string]uint32, len(m.Methods))
	m.methodByName = make(map[string]uint32, len(m.Methods))
	for uid, mm := range m.Methods {
		m.methodByFull[methodKey(mm.Name, mm.ParametersSignature)] = uid
		m.methodByName[mm.Name] = uid
	}
	m.signalByName = make(map[string]uint32, len(m.Signals))
	for uid, ms := range m.Signals {
		m.signalByName[ms.Name] = uid
	}
	m.propByName = make(map[string]uint32, len(m.Properties))
	for uid, mp := range m.Properties {
		m.propByName[mp.Name] = uid
	}
}

// Method resolves a method by uid.
func (m *MetaObject) Method(uid uint32) (MetaMethod, bool) {
	mm, ok := m.Methods[uid]
	return mm, ok
}

// MethodID resolves a method by name-with-signature ("name::(sig)")
// preferred, then by bare name.
func (m *MetaObject) MethodID(name string) (uint32, bool) {
	if uid, ok := m.methodByFull[name]; ok {
		return uid, true
	}
	uid, ok := m.methodByName[name]
	return uid, ok
}

// SignalID resolves a signal by bare name.
func (m *MetaObject) SignalID(name string) (uint32, bool) {
	uid, ok := m.signalByName[name]
	return uid, ok
}

// PropertyID resolves a property by bare name.
func (m *MetaObject) PropertyID(name string) (uint32, bool) {
	uid, ok := m.propByName[name]
	return uid, ok
}

// MethodNames lists the advertised methods in uid order, for diagnostics.
func (m *MetaObject) MethodNames() []string {
	uids := make([]int, 0, len(m.Methods))
	for uid := range m.Methods {
		uids = append(uids, int(uid))
	}
	sort.Ints(uids)
	names := make([]string, 0, len(uids))
	for _, uid := range uids {
		names = append(names, m.Methods[uint32(uid)].Name)
	}
	return names
}

// writeMetaObject serializes meta: three count-prefixed descriptor tables
// followed by the description string.
func writeMetaObject(e *Encoder, meta *MetaObject) {
	methodUIDs := make([]uint32, 0, len(meta.Methods))
	for uid := range meta.Methods {
		methodUIDs = append(methodUIDs, uid)
	}
	sortUIDs(methodUIDs)
	e.WriteUint32(uint32(len(methodUIDs)))
	for _, uid := range methodUIDs {
		mm := meta.Methods[uid]
		e.WriteUint32(mm.UID)
		e.WriteString(mm.Name)
		e.WriteString(mm.ReturnSignature)
		e.WriteString(mm.ParametersSignature)
		e.WriteString(mm.Description)
	}

	signalUIDs := make([]uint32, 0, len(meta.Signals))
	for uid := range meta.Signals {
		signalUIDs = append(signalUIDs, uid)
	}
	sortUIDs(signalUIDs)
	e.WriteUint32(uint32(len(signalUIDs)))
	for _, uid := range signalUIDs {
		ms := meta.Signals[uid]
		e.WriteUint32(ms.UID)
		e.WriteString(ms.Name)
		e.WriteString(ms.Signature)
	}

	propUIDs := make([]uint32, 0, len(meta.Properties))
	for uid := range meta.Properties {
		propUIDs = append(propUIDs, uid)
	}
	sortUIDs(propUIDs)
	e.WriteUint32(uint32(len(propUIDs)))
	for _, uid := range propUIDs {
		mp := meta.Properties[uid]
		e.WriteUint32(mp.UID)
		e.WriteString(mp.Name)
		e.WriteString(mp.Signature)
	}
	e.WriteString(meta.Description)
}

func sortUIDs(uids []uint32) {
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
}

// readMetaObject deserializes a metaobject and rebuilds its indexes.
func readMetaObject(d *Decoder) (*MetaObject, error) {
	meta := &MetaObject{
		Methods:    make(map[uint32]MetaMethod),
		Signals:    make(map[uint32]MetaSignal),
		Properties: make(map[uint32]MetaProperty),
	}
	n, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		var mm MetaMethod
		if mm.UID, err = d.ReadUint32(); err != nil {
			return nil, err
		}
		if mm.Name, err = d.ReadString(); err != nil {
			return nil, err
		}
		if mm.ReturnSignature, err = d.ReadString(); err != nil {
			return nil, err
		}
		if mm.ParametersSignature, err = d.ReadString(); err != nil {
			return nil, err
		}
		if mm.Description, err = d.ReadString(); err != nil {
			return nil, err
		}
		meta.Methods[mm.UID] = mm
	}
	if n, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		var ms MetaSignal
		if ms.UID, err = d.ReadUint32(); err != nil {
			return nil, err
		}
		if ms.Name, err = d.ReadString(); err != nil {
			return nil, err
		}
		if ms.Signature, err = d.ReadString(); err != nil {
			return nil, err
		}
		meta.Signals[ms.UID] = ms
	}
	if n, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		var mp MetaProperty
		if mp.UID, err = d.ReadUint32(); err != nil {
			return nil, err
		}
		if mp.Name, err = d.ReadString(); err != nil {
			return nil, err
		}
		if mp.Signature, err = d.ReadString(); err != nil {
			return nil, err
		}
		meta.Properties[mp.UID] = mp
	}
	if meta.Description, err = d.ReadString(); err != nil {
		return nil, err
	}
	meta.buildIndexes()
	return meta, nil
}

// serviceInfoSignature is the wire tuple of a directory entry:
// (serviceId, name, endpoints, machineId, processId, sessionId).
const serviceInfoSignature = "(Is[s]sIs)"

// directoryMetaObject is the static metaobject of the service directory,
// shared by the directory server and every session's client stub.
func directoryMetaObject() *MetaObject {
	meta := &MetaObject{
		Methods: map[uint32]MetaMethod{
			DirActionService: {
				UID: DirActionService, Name: "service",
				ParametersSignature: "(s)", ReturnSignature: serviceInfoSignature,
				Description: "Resolve a service by name.",
			},
			DirActionServices: {
				UID: DirActionServices, Name: "services",
				ParametersSignature: "()", ReturnSignature: "[" + serviceInfoSignature + "]",
				Description: "List all visible services.",
			},
			DirActionRegisterService: {
				UID: DirActionRegisterService, Name: "registerService",
				ParametersSignature: "(" + serviceInfoSignature + ")", ReturnSignature: "I",
				Description: "Register a service; returns its id.",
			},
			DirActionUnregisterService: {
				UID: DirActionUnregisterService, Name: "unregisterService",
				ParametersSignature: "(I)", ReturnSignature: "v",
			},
			DirActionServiceReady: {
				UID: DirActionServiceReady, Name: "serviceReady",
				ParametersSignature: "(I)", ReturnSignature: "v",
			},
			DirActionUpdateServiceInfo: {
				UID: DirActionUpdateServiceInfo, Name: "updateServiceInfo",
				ParametersSignature: "(" + serviceInfoSignature + ")", ReturnSignature: "v",
			},
		},
		Signals: map[uint32]MetaSignal{
			DirSignalServiceAdded:   {UID: DirSignalServiceAdded, Name: "serviceAdded", Signature: "(Is)"},
			DirSignalServiceRemoved: {UID: DirSignalServiceRemoved, Name: "serviceRemoved", Signature: "(Is)"},
		},
		Properties:  map[uint32]MetaProperty{},
		Description: "The service directory.",
	}
	meta.buildIndexes()
	return meta
}

// ServiceInfo describes one directory entry.
type ServiceInfo struct {
	ServiceID uint32
	Name      string
	Endpoints []string
	MachineID string
	ProcessID uint32
	SessionID string
}

func (si ServiceInfo) String() string {
	return fmt.Sprintf("%s(%d)@%v", si.Name, si.ServiceID, si.Endpoints)
}

// tuple converts si to its wire tuple form.
func (si ServiceInfo) tuple() []any {
	eps := make([]any, len(si.Endpoints))
	for i, e := range si.Endpoints {
		eps[i] = e
	}
	return []any{si.ServiceID, si.Name, eps, si.MachineID, si.ProcessID, si.SessionID}
}

// serviceInfoFromTuple converts a decoded wire tuple back to a ServiceInfo.
func serviceInfoFromTuple(v any) (ServiceInfo, error) {
	t, ok := v.([]any)
	if !ok || len(t) != 6 {
		return ServiceInfo{}, fmt.Errorf("%w: malformed service info", ErrDecode)
	}
	si := ServiceInfo{}
	if si.ServiceID, ok = t[0].(uint32); !ok {
		return ServiceInfo{}, fmt.Errorf("%w: malformed service id", ErrDecode)
	}
	if si.Name, ok = t[1].(string); !ok {
		return ServiceInfo{}, fmt.Errorf("%w: malformed service name", ErrDecode)
	}
	eps, ok := t[2].([]any)
	if !ok {
		return ServiceInfo{}, fmt.Errorf("%w: malformed endpoints", ErrDecode)
	}
	for _, e := range eps {
		s, ok := e.(string)
		if !ok {
			return ServiceInfo{}, fmt.Errorf("%w: malformed endpoint", ErrDecode)
		}
		si.Endpoints = append(si.Endpoints, s)
	}
	si.MachineID, _ = t[3].(string)
	si.ProcessID, _ = t[4].(uint32)
	si.SessionID, _ = t[5].(string)
	return si, nil
}
