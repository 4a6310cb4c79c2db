package rpc

import "encoding/json"

// Frame is the single wire shape for both directions. A frame with an ID
// and a Method is a request; an ID with a Result or Error is a response; a
// Cap with a Method and no ID is a one-way capability invocation.
type Frame struct {
	ID     string            `json:"id,omitempty"`
	Method string            `json:"method,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *Error            `json:"error,omitempty"`
	Cap    string            `json:"cap,omitempty"`
}

// IsRequest reports whether the frame is a correlated call.
func (f *Frame) IsRequest() bool {
	return f.ID != "" && f.Method != ""
}

// IsResponse reports whether the frame answers a correlated call.
func (f *Frame) IsResponse() bool {
	return f.ID != "" && f.Method == ""
}

// IsCapInvocation reports whether the frame is a fire-and-forget callback.
func (f *Frame) IsCapInvocation() bool {
	return f.ID == "" && f.Cap != "" && f.Method != ""
}

// capRef is the wire representation of a capability handle.
type capRef struct {
	Cap string `json:"$cap"`
}

// EncodeCapRef renders a capability id as its opaque wire handle.
func EncodeCapRef(id string) json.RawMessage {
	data, _ := json.Marshal(capRef{Cap: id})
	return data
}

// DecodeCapRef extracts a capability id from an argument, reporting whether
// the argument is a handle at all.
func DecodeCapRef(arg json.RawMessage) (string, bool) {
	var ref capRef
	if err := json.Unmarshal(arg, &ref); err != nil {
		return "", false
	}
	if ref.Cap == "" {
		return "", false
	}
	// A handle is exactly {"$cap": …}; objects that merely contain the key
	// are data.
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(arg, &generic); err != nil {
		return "", false
	}
	if len(generic) != 1 {
		return "", false
	}
	return ref.Cap, true
}

// MarshalArgs encodes call arguments to wire form.
func MarshalArgs(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		if raw, ok := arg.(json.RawMessage); ok {
			out = append(out, raw)
			continue
		}
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}
