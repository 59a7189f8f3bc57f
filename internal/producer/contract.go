package producer

import (
	"encoding/json"
	"fmt"

	"github.com/dyluth/warren/pkg/trading"
)

// contractText is restated to external producers on every call and emphasised on
// the strict retry.
const contractText = `Write exactly ONE JSON object to stdout and exit 0.
Regime producers: {"regime": {"label": <one of regime_labels>, "confidence": <0..1>, "rationale": "..."}}.
Trading producers: {"proposals": [{"symbol": <universe or held symbol>, "direction": "buy"|"sell"|"hold", "conviction": <0..1>, "rationale": "...", "entry"?: <price>, "stop"?: <price>, "target"?: <price>}]}.
Numbers may be JSON numbers or decimal strings. Any other output is rejected.`

// strictPreamble prefixes the contract on the schema retry.
const strictPreamble = "Your previous output was rejected as invalid. Follow the contract exactly. "

// ToolInput is the JSON document written to an external producer's stdin.
//
// Example JSON:
//
//	{
//	  "cycle_id": "6f1c...",
//	  "producer_id": "momentum",
//	  "kind": "trading",
//	  "attempt": 1,
//	  "strict": false,
//	  "instructions": "Write exactly ONE JSON object ...",
//	  "regime": {"label": "risk_on", "confidence": "0.8", "rationale": "..."},
//	  "portfolio": {...},
//	  "quotes": {"AAPL": {...}},
//	  "universe": ["AAPL", "MSFT"],
//	  "regime_labels": ["risk_on", "risk_off"],
//	  "board": {"market_analysis": {...}}
//	}
type ToolInput struct {
	CycleID      string                     `json:"cycle_id"`
	ProducerID   string                     `json:"producer_id"`
	Kind         Kind                       `json:"kind"`
	Attempt      int                        `json:"attempt"`
	Strict       bool                       `json:"strict"`
	Instructions string                     `json:"instructions"`
	Regime       *trading.Regime            `json:"regime,omitempty"`
	Portfolio    trading.PortfolioSnapshot  `json:"portfolio"`
	Quotes       map[string]trading.Quote   `json:"quotes"`
	Universe     []string                   `json:"universe"`
	RegimeLabels []string                   `json:"regime_labels"`
	Board        map[string]json.RawMessage `json:"board,omitempty"`
}

// ToolOutput is the JSON document an external producer writes to stdout.
// It is the wire form of Output; field validation happens in the adapter.
type ToolOutput struct {
	Regime    *trading.Regime    `json:"regime,omitempty"`
	Proposals []trading.Proposal `json:"proposals,omitempty"`
}

// Validate checks the document carries the payload for kind.
func (o *ToolOutput) Validate(kind Kind) error {
	switch kind {
	case KindRegime:
		if o.Regime == nil {
			return fmt.Errorf("regime field is required")
		}
		if len(o.Proposals) > 0 {
			return fmt.Errorf("regime producers must not return proposals")
		}
	case KindTrading:
		if o.Regime != nil {
			return fmt.Errorf("trading producers must not return a regime")
		}
	default:
		return fmt.Errorf("unknown producer kind %q", kind)
	}
	return nil
}

// slotLister is implemented by board snapshots that can enumerate their slots.
type slotLister interface {
	Slots() []string
}

// NewToolInput builds the stdin document for req.
func NewToolInput(req Request) *ToolInput {
	instructions := contractText
	if req.Strict {
		instructions = strictPreamble + contractText
	}

	in := &ToolInput{
		CycleID:      req.CycleID,
		ProducerID:   req.ProducerID,
		Kind:         req.Kind,
		Attempt:      req.Attempt,
		Strict:       req.Strict,
		Instructions: instructions,
		Regime:       req.Regime,
		Portfolio:    req.Portfolio,
		Quotes:       req.Quotes,
		Universe:     req.Universe,
		RegimeLabels: req.RegimeLabels,
	}

	if lister, ok := req.Board.(slotLister); ok {
		in.Board = make(map[string]json.RawMessage)
		for _, slot := range lister.Slots() {
			e, err := req.Board.Read(slot)
			if err != nil {
				continue
			}
			in.Board[slot] = e.Value
		}
	}
	return in
}
