package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// CallID identifies a call within a request. It is either a string or a
// number, echoed back verbatim on every frame of that call.
type CallID struct {
	value any
}

// NewCallID creates a CallID from a string or integer.
func NewCallID(value any) *CallID {
	switch v := value.(type) {
	case string, int64, float64:
		return &CallID{value: v}
	case int:
		return &CallID{value: int64(v)}
	default:
		return &CallID{value: nil}
	}
}

// String returns the string representation of the ID.
func (id *CallID) String() string {
	if id == nil || id.value == nil {
		return ""
	}
	switch v := id.value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		panic("unreachable: CallID contains unsupported type")
	}
}

// IsNil returns true if the ID is nil/empty.
func (id *CallID) IsNil() bool {
	return id == nil || id.value == nil
}

// MarshalJSON implements json.Marshaler.
func (id *CallID) MarshalJSON() ([]byte, error) {
	if id == nil || id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *CallID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.value = nil
		return nil
	}

	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}

	return fmt.Errorf("call id must be a string or number, got: %s", string(data))
}
