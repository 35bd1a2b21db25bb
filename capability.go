// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

// Capability names advertised during the authenticate exchange.
const (
	CapMetaObjectCache      = "MetaObjectCache"
	CapMessageFlags         = "MessageFlags"
	CapRemoteCancelableCall = "RemoteCancelableCalls"
)

// CapabilityMap is the key/value map exchanged as the first message on
// every new socket (Call, action 8). The peer replies with the
// intersection.
type CapabilityMap map[string]bool

func defaultCapabilities() CapabilityMap {
	return CapabilityMap{
		CapMetaObjectCache:      true,
		CapMessageFlags:         true,
		CapRemoteCancelableCall: true,
	}
}

// intersect keeps the capabilities both sides advertise as true.
func (m CapabilityMap) intersect(other CapabilityMap) CapabilityMap {
	out := make(CapabilityMap)
	for name, ok := range m {
		if ok && other[name] {
			out[name] = true
		}
	}
	return out
}

// encodeCapabilities serializes the map as {sm}.
func encodeCapabilities(m CapabilityMap) []byte {
	wire := make(map[any]any, len(m))
	for name, ok := range m {
		wire[name] = Dynamic{Signature: "b", Value: ok}
	}
	payload, _ := encodeValue("{sm}", wire, nil, 0)
	return payload
}

// decodeCapabilities parses a {sm} capability payload.
func decodeCapabilities(payload []byte) (CapabilityMap, error) {
	t, _ := ParseSignature("{sm}")
	v, err := NewDecoder(payload).ReadValue(t)
	if err != nil {
		return nil, err
	}
	wire := v.(map[any]any)
	out := make(CapabilityMap, len(wire))
	for k, val := range wire {
		name, ok := k.(string)
		if !ok {
			continue
		}
		if dyn, ok := val.(Dynamic); ok {
			if b, ok := dyn.Value.(bool); ok {
				out[name] = b
			}
		}
	}
	return out, nil
}
