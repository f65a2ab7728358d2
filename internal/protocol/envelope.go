// Package protocol implements the upstream wire format: JSON envelopes
// framed by a 4-byte little-endian length prefix.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Message type tags.
const (
	TagStartAll     = "start_all"
	TagNodeInfo     = "node_info"
	TagAnsNodeInfo  = "ans_node_info"
	TagClusterInfo  = "cluster_info"
	TagTasksInfo    = "tasks_info"
	TagSubTasksInfo = "subtasks_info"
	TagReassignInfo = "reassign_info"
	TagCreateTasks  = "create_tasks"
	TagShutdown     = "shutdown"
	TagTaskInfo     = "task_info"
)

// Envelope is one complete message on the wire. Content is kept raw until a
// handler asks for it in the shape it expects.
type Envelope struct {
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content,omitempty"`
	NextNode string          `json:"next_node,omitempty"`
}

// NewCommand builds an outbound envelope whose content is a single value.
func NewCommand(tag string, value any) (Envelope, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s content: %w", tag, err)
	}
	return Envelope{Type: tag, Content: raw}, nil
}

// NewReport builds an envelope carrying a field-to-values table.
func NewReport(tag string, fields Fields) (Envelope, error) {
	return NewCommand(tag, fields)
}

// Fields is the column-oriented content of a report message: each field
// name maps to one value per reported item.
type Fields map[string][]any

// Fields decodes the envelope content as a field table.
func (e Envelope) Fields() (Fields, error) {
	if len(e.Content) == 0 {
		return Fields{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(e.Content))
	dec.UseNumber()
	var f Fields
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode %s fields: %w", e.Type, err)
	}
	return f, nil
}

// Decode unmarshals the envelope content into v.
func (e Envelope) Decode(v any) error {
	if len(e.Content) == 0 {
		return fmt.Errorf("%s: empty content", e.Type)
	}
	if err := json.Unmarshal(e.Content, v); err != nil {
		return fmt.Errorf("decode %s content: %w", e.Type, err)
	}
	return nil
}

// Text decodes the envelope content as a single scalar and returns it in
// string form. A JSON number is returned in its literal form.
func (e Envelope) Text() (string, error) {
	if len(e.Content) == 0 {
		return "", nil
	}
	dec := json.NewDecoder(bytes.NewReader(e.Content))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("decode %s content: %w", e.Type, err)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case nil:
		return "", nil
	}
	return "", fmt.Errorf("%s content is %T, want a scalar", e.Type, v)
}

// Len returns the length of the longest field.
func (f Fields) Len() int {
	n := 0
	for _, vals := range f {
		if len(vals) > n {
			n = len(vals)
		}
	}
	return n
}

// Strings returns the values of key as strings. Missing entries are "".
func (f Fields) Strings(key string) []string {
	vals := f[key]
	out := make([]string, len(vals))
	for i, v := range vals {
		switch x := v.(type) {
		case string:
			out[i] = x
		case json.Number:
			out[i] = x.String()
		case bool:
			out[i] = strconv.FormatBool(x)
		}
	}
	return out
}

// Floats returns the values of key as float64. Unparseable entries are 0.
func (f Fields) Floats(key string) []float64 {
	vals := f[key]
	out := make([]float64, len(vals))
	for i, v := range vals {
		switch x := v.(type) {
		case json.Number:
			out[i], _ = x.Float64()
		case string:
			out[i], _ = strconv.ParseFloat(x, 64)
		case float64:
			out[i] = x
		case int:
			out[i] = float64(x)
		}
	}
	return out
}

// Ints returns the values of key as int. Fractional numbers are truncated.
func (f Fields) Ints(key string) []int {
	floats := f.Floats(key)
	out := make([]int, len(floats))
	for i, v := range floats {
		out[i] = int(v)
	}
	return out
}

// At returns vals[i] or the zero value when the column is short.
func At[T any](vals []T, i int) T {
	var zero T
	if i < 0 || i >= len(vals) {
		return zero
	}
	return vals[i]
}
