package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnsuccessful is returned when the backend answers {"success": false}
	ErrUnsuccessful = errors.New("query service reported failure")
	// ErrUnexpectedShape is returned when a payload is neither an envelope nor the bare value
	ErrUnexpectedShape = errors.New("unexpected response shape")
)

type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// UnwrapList accepts {"success": bool, "data": [...]} or a bare array and
// returns the list entries undecoded. A successful envelope without data is
// an empty list.
func UnwrapList(payload []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrUnexpectedShape)
	}

	switch trimmed[0] {
	case '[':
		return decodeList(trimmed)
	case '{':
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedShape, err)
		}
		if env.Success != nil && !*env.Success {
			return nil, unsuccessful(env.Message)
		}
		data := bytes.TrimSpace(env.Data)
		if len(data) == 0 || bytes.Equal(data, []byte("null")) {
			return nil, nil
		}
		if data[0] != '[' {
			return nil, fmt.Errorf("%w: data is not a list", ErrUnexpectedShape)
		}
		return decodeList(data)
	default:
		return nil, fmt.Errorf("%w: expected array or object", ErrUnexpectedShape)
	}
}

// UnwrapOne accepts a bare object or an envelope around one and returns
// the object undecoded.
func UnwrapOne(payload []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected object", ErrUnexpectedShape)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedShape, err)
	}
	_, hasSuccess := fields["success"]
	data, hasData := fields["data"]
	if !hasSuccess || !hasData {
		if hasSuccess {
			var env envelope
			if err := json.Unmarshal(trimmed, &env); err == nil && env.Success != nil && !*env.Success {
				return nil, unsuccessful(env.Message)
			}
		}
		return json.RawMessage(trimmed), nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedShape, err)
	}
	if env.Success != nil && !*env.Success {
		return nil, unsuccessful(env.Message)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("%w: data is not an object", ErrUnexpectedShape)
	}
	return data, nil
}

func decodeList(data []byte) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedShape, err)
	}
	return items, nil
}

func unsuccessful(message string) error {
	if message == "" {
		return ErrUnsuccessful
	}
	return fmt.Errorf("%w: %s", ErrUnsuccessful, message)
}
