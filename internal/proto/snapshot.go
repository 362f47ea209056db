package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Snapshot is the set of named variables one program reports at one barrier.
// Names are unique; insertion order is irrelevant to comparison but preserved
// for reporting, so the snapshot keeps its own name list alongside the map.
//
// A Snapshot is submitted atomically and treated as immutable once decoded.
type Snapshot struct {
	names  []string
	values map[string]Value
}

// NewSnapshot creates an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{values: make(map[string]Value)}
}

// Set records a variable. Setting an existing name replaces its value and
// keeps its original position.
func (s *Snapshot) Set(name string, v Value) {
	if s.values == nil {
		s.values = make(map[string]Value)
	}
	if _, ok := s.values[name]; !ok {
		s.names = append(s.names, name)
	}
	s.values[name] = v
}

// Get returns the value for a name and whether it is present.
func (s *Snapshot) Get(name string) (Value, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Len returns the number of variables.
func (s *Snapshot) Len() int {
	return len(s.names)
}

// Names returns the variable names in insertion order.
// The returned slice is a copy.
func (s *Snapshot) Names() []string {
	names := make([]string, len(s.names))
	copy(names, s.names)
	return names
}

// SortedNames returns the variable names sorted lexicographically.
// Used wherever deterministic iteration matters more than insertion order.
func (s *Snapshot) SortedNames() []string {
	names := s.Names()
	sort.Strings(names)
	return names
}

// MarshalJSON encodes the snapshot as a JSON object in insertion order.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range s.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(name)
		if err != nil {
			return nil, fmt.Errorf("marshal name %q: %w", name, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalValue(s.values[name])
		if err != nil {
			return nil, fmt.Errorf("marshal variable %q: %w", name, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object into a snapshot, keeping the order in
// which names appear on the wire. Decoding walks tokens rather than a plain
// map so that order survives; each value goes through UnmarshalValue for the
// type discrimination rules.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("variables must be a JSON object")
	}

	s.names = nil
	s.values = make(map[string]Value)

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("variable name must be a string")
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("variable %q: %w", name, err)
		}
		v, err := UnmarshalValue(raw)
		if err != nil {
			return fmt.Errorf("variable %q: %w", name, err)
		}

		if _, dup := s.values[name]; dup {
			return fmt.Errorf("duplicate variable name %q", name)
		}
		s.names = append(s.names, name)
		s.values[name] = v
	}

	// Consume the closing brace
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
