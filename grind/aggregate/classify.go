// Package aggregate classifies functions and selects the ones that dominate
// a trace's cost.
package aggregate

import (
	"fmt"
	"strings"

	"github.com/Emyrk/grindview/grind/callgrind"
	"github.com/Emyrk/grindview/grind/config"
)

type Kind int

const (
	Internal Kind = iota
	Include
	Class
	Procedural
)

var Kinds = []Kind{Internal, Include, Class, Procedural}

func (k Kind) String() string {
	switch k {
	case Internal:
		return "internal"
	case Include:
		return "include"
	case Class:
		return "class"
	case Procedural:
		return "procedural"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	for _, kind := range Kinds {
		if kind.String() == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown kind %q", text)
}

// Classifier decides the Kind of a function name from a pattern table.
// First match wins: internal, include, class, procedural.
type Classifier struct {
	patterns config.KindPatterns
}

func NewClassifier(patterns config.KindPatterns) *Classifier {
	return &Classifier{patterns: patterns}
}

func (c *Classifier) Classify(name string) Kind {
	switch {
	case containsAny(name, c.patterns.Internal):
		return Internal
	case containsAny(name, c.patterns.Include):
		return Include
	case containsAny(name, c.patterns.Class):
		return Class
	}
	return Procedural
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Record is a function with its classification.
type Record struct {
	callgrind.Function
	Kind Kind `json:"humanKind"`
}

func (c *Classifier) Records(fns []callgrind.Function) []Record {
	records := make([]Record, 0, len(fns))
	for _, fn := range fns {
		records = append(records, Record{Function: fn, Kind: c.Classify(fn.Name)})
	}
	return records
}
