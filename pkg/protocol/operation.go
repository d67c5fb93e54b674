package protocol

import "strings"

// PathElement is one (key, value) segment of a management address
type PathElement struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Address is a hierarchical management address
type Address []PathElement

func (a Address) String() string {
	if len(a) == 0 {
		return "[]"
	}

	parts := make([]string, 0, len(a))
	for _, el := range a {
		parts = append(parts, "("+el.Key+" => "+el.Value+")")
	}

	return "[" + strings.Join(parts, ",") + "]"
}

// Operation is an addressable management command. The engine forwards it
// to participants without looking at its parameters.
type Operation struct {
	Address Address        `json:"address"`
	Name    string         `json:"operation"`
	Params  map[string]any `json:"params,omitempty"`
}
