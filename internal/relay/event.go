package relay

import (
	"encoding/json"

	"github.com/buger/jsonparser"
)

// Kind tags an Event.
type Kind int

// Event kinds. Every opened stream ends with exactly one Done or Error,
// unless its context is cancelled first.
const (
	KindData Kind = iota + 1
	KindDone
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Client-facing error messages. Upstream details are logged, never sent.
const (
	MsgOpenFailed  = "Failed to generate streaming chat completion"
	MsgStreamError = "Stream error occurred"
)

// Event is one item of a relay stream.
type Event struct {
	Kind Kind
	// Data is the upstream object, verbatim. Set for KindData.
	Data json.RawMessage
	// Message is a generic description. Set for KindError.
	Message string
}

// IsTerminal reports whether no further events follow e.
func (e Event) IsTerminal() bool {
	return e.Kind == KindDone || e.Kind == KindError
}

// completionMarked reports whether obj carries a truthy "done" field, using
// JavaScript truthiness: false, 0, "", null and a missing field are falsy.
func completionMarked(obj []byte) bool {
	val, typ, _, err := jsonparser.Get(obj, "done")
	if err != nil {
		return false
	}
	switch typ {
	case jsonparser.Boolean:
		b, err := jsonparser.ParseBoolean(val)
		return err == nil && b
	case jsonparser.Number:
		f, err := jsonparser.ParseFloat(val)
		return err == nil && f != 0
	case jsonparser.String:
		return len(val) > 0
	case jsonparser.Object, jsonparser.Array:
		return true
	default:
		return false
	}
}
