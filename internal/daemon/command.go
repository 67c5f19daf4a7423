package daemon

import (
	"bytes"
	"encoding/json"
	"fmt"

	"bookaware/internal/schedule"
)

// CommandDecodeError is returned for input lines that are not refresh commands, they are
// reported and dropped.
type CommandDecodeError struct {
	Line   string
	Reason string
	Err    error
}

func (e *CommandDecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode command %q: %s: %s", e.Line, e.Reason, e.Err.Error())
	}
	return fmt.Sprintf("decode command %q: %s", e.Line, e.Reason)
}

func (e *CommandDecodeError) Unwrap() error {
	return e.Err
}

type commandMessage struct {
	Refresh any `json:"refresh"`
}

// DecodeCommand decodes a single line of the form {"refresh": "force"} (a forced refresh) or
// {"refresh": <any other truthy value>} (a soft refresh).
func DecodeCommand(line []byte) (schedule.RefreshKind, error) {
	line = bytes.TrimSpace(line)

	var msg commandMessage
	err := json.Unmarshal(line, &msg)
	if err != nil {
		return 0, &CommandDecodeError{Line: string(line), Reason: "invalid json", Err: err}
	}

	if msg.Refresh == "force" {
		return schedule.Force, nil
	}
	if truthy(msg.Refresh) {
		return schedule.SoftRefresh, nil
	}
	return 0, &CommandDecodeError{Line: string(line), Reason: "refresh is missing or falsy"}
}

// truthy follows the usual dynamic-language rules: null, false, 0, "" and empty
// arrays/objects are false, everything else is true.
func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}
