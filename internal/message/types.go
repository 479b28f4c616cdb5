package message

import (
	"fmt"
	"strings"
)

// Type is the wire format tag of a message.
type Type int

const (
	TypePlain Type = iota
	TypeJSON
	TypeJSONList
	TypeTTL
)

func (t Type) String() string {
	switch t {
	case TypePlain:
		return "plain"
	case TypeJSON:
		return "json"
	case TypeJSONList:
		return "jsonlist"
	case TypeTTL:
		return "ttl"
	default:
		return "unknown"
	}
}

// ParseType maps a configuration tag to a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain", "string", "text":
		return TypePlain, nil
	case "json":
		return TypeJSON, nil
	case "jsonlist", "json-list", "ndjson":
		return TypeJSONList, nil
	case "ttl":
		return TypeTTL, nil
	default:
		return 0, fmt.Errorf("unknown message type %q", s)
	}
}

// ListMode selects how a jsonlist message is laid out on the wire.
type ListMode int

const (
	// ListArray is one JSON array per message.
	ListArray ListMode = iota
	// ListNDJSON is newline-delimited JSON values forming a virtual array.
	ListNDJSON
)

func (m ListMode) String() string {
	if m == ListNDJSON {
		return "ndjson"
	}
	return "array"
}

// ParseListMode maps a configuration tag to a ListMode.
func ParseListMode(s string) (ListMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "array":
		return ListArray, nil
	case "ndjson", "lines":
		return ListNDJSON, nil
	default:
		return 0, fmt.Errorf("unknown jsonlist mode %q", s)
	}
}
