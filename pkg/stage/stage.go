// Package stage holds the fixed contract table for the three pipeline
// stages. Adapters are pure mappings between stage inputs and the payloads
// the remote services speak; they never perform I/O.
package stage

import (
	"encoding/json"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/vyvo/hairstyle-transfer/pkg/failure"
)

// Kind identifies one stage of a run.
type Kind string

const (
	Segmentation    Kind = "segmentation"
	Fusion          Kind = "fusion"
	StyleConversion Kind = "style_conversion"
)

// Order is the only order in which stages execute.
var Order = []Kind{Segmentation, Fusion, StyleConversion}

func (k Kind) String() string { return string(k) }

// Inputs are everything a stage may draw on when building its request.
type Inputs struct {
	ClientURL    string // uploaded client photo
	ReferenceURL string // uploaded reference hairstyle photo
	PriorURL     string // result URL of the preceding stage
	Style        Style
	Seed         *int
}

// Request is a fully built remote call. Async marks endpoints that answer
// with a task id to be polled rather than with the result.
type Request struct {
	Endpoint string
	Payload  any
	Async    bool
}

// Adapter maps stage inputs onto one remote service contract.
type Adapter interface {
	Kind() Kind
	BuildRequest(in Inputs) (Request, error)
	// ParseResult returns the first candidate result URL in payload.
	ParseResult(payload json.RawMessage) (string, error)
	// ParseError classifies a remote failure code into moderation, invalid
	// parameter or internal service error.
	ParseError(code, message string) error
}

// Table is the stage contract table consulted by the orchestrator.
type Table map[Kind]Adapter

// Validate reports a configuration error when a stage has no adapter.
func (t Table) Validate() error {
	for _, k := range Order {
		a, ok := t[k]
		if !ok || a == nil {
			return failure.Configuration("no adapter bound to stage %s", k)
		}
		if a.Kind() != k {
			return failure.Configuration("adapter for %s reports kind %s", k, a.Kind())
		}
	}
	return nil
}

const seedSpace = 10000

// SeedFor derives a stable seed from content so identical inputs reproduce
// identical outputs.
func SeedFor(content []byte) int {
	return int(xxhash.Sum64(content) % seedSpace)
}

var moderationCodes = map[string]struct{}{
	"DataInspectionFailed":       {},
	"IPInfringementSuspect":      {},
	"DataInspection.Failed":      {},
	"Image.InappropriateContent": {},
}

// ClassifyError is the classification shared by every remote adapter. The
// remote code and message are carried verbatim.
func ClassifyError(code, message string) error {
	if _, ok := moderationCodes[code]; ok {
		return failure.Moderation(code, message)
	}
	lower := strings.ToLower(code)
	switch {
	case strings.Contains(lower, "inappropriate"), strings.Contains(lower, "inspection"):
		return failure.Moderation(code, message)
	case strings.HasPrefix(code, "InvalidParameter"),
		strings.HasPrefix(code, "InvalidImage"),
		strings.HasPrefix(code, "InvalidFile"),
		strings.HasPrefix(code, "InvalidURL"):
		return failure.InvalidParameter(code, message)
	default:
		return failure.Service(code, nil, "%s", message)
	}
}
