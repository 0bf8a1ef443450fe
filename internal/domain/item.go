package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ItemKind distinguishes first-class work from the two re-drive paths that
// reference an already-successful request.
type ItemKind string

const (
	// ItemApply is the normal path: the item drives a PENDING request
	// through the executor state machine.
	ItemApply ItemKind = "apply"
	// ItemCorrect is a sweeper-synthesized corrective item that re-applies
	// the desired state of a SUCCESS request after drift was detected.
	ItemCorrect ItemKind = "correct"
	// ItemRevoke is an expiry-scheduled compensating item that revokes a
	// SUCCESS request's grant.
	ItemRevoke ItemKind = "revoke"
)

// Item is the ephemeral mailbox payload: the correlation id plus enough of
// the request to act without a ledger read. Attempt travels with the item so
// retry state survives process restarts.
type Item struct {
	CorrelationID CorrelationID   `json:"correlation_id"`
	Target        string          `json:"target"`
	Principal     string          `json:"principal"`
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Kind          ItemKind        `json:"kind,omitempty"`
	Attempt       int             `json:"attempt"`
}

// EffectiveKind treats a missing kind as the normal apply path, so items
// enqueued by older intakes stay processable.
func (i Item) EffectiveKind() ItemKind {
	if i.Kind == "" {
		return ItemApply
	}
	return i.Kind
}

// CompensatingAction derives the revoke counterpart of a grant action.
// Paired verbs are mapped directly; anything else is prefixed.
func CompensatingAction(action string) string {
	if rest, ok := strings.CutPrefix(action, "attach:"); ok {
		return "detach:" + rest
	}
	if rest, ok := strings.CutPrefix(action, "grant:"); ok {
		return "revoke:" + rest
	}
	return "revoke:" + action
}

// ItemFromRequest builds the first-delivery mailbox item for a request.
func ItemFromRequest(req Request) Item {
	return Item{
		CorrelationID: req.CorrelationID,
		Target:        req.Target,
		Principal:     req.Principal,
		Action:        req.Action,
		Payload:       req.Payload,
	}
}

// Encode serializes the item for the wire.
func (i Item) Encode() ([]byte, error) {
	b, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("marshal mailbox item: %w", err)
	}
	return b, nil
}

// DecodeItem parses a wire payload back into an Item.
func DecodeItem(raw []byte) (Item, error) {
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return Item{}, fmt.Errorf("unmarshal mailbox item: %w", err)
	}
	if item.CorrelationID == "" {
		return Item{}, fmt.Errorf("mailbox item missing correlation_id")
	}
	return item, nil
}
