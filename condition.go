package queueview

import (
	"strings"

	"github.com/rbaliyan/queueview/store"
)

type conditionKind int

const (
	conditionNone conditionKind = iota
	conditionEnqueueID
	conditionName
	conditionSender
	conditionRecipient
	conditionAll
	conditionMatching
)

var conditionNames = map[conditionKind]string{
	conditionNone:      "none",
	conditionEnqueueID: "enqueue_id",
	conditionName:      "name",
	conditionSender:    "sender",
	conditionRecipient: "recipient",
	conditionAll:       "all",
	conditionMatching:  "matching",
}

// DeleteCondition selects the items removed by Delete.
//
// ByEnqueueID is a point operation. Every other condition browses the queue
// and tombstones each live item it matches.
type DeleteCondition struct {
	kind  conditionKind
	value string
	match func(*store.EnqueuedItem) bool
}

// ByEnqueueID selects a single enqueue attempt.
func ByEnqueueID(id string) DeleteCondition {
	return DeleteCondition{kind: conditionEnqueueID, value: id}
}

// ByName selects every live item with the given mail key.
func ByName(mailKey string) DeleteCondition {
	return DeleteCondition{kind: conditionName, value: mailKey}
}

// BySender selects every live item sent by address (case-insensitive).
func BySender(address string) DeleteCondition {
	return DeleteCondition{kind: conditionSender, value: address}
}

// ByRecipient selects every live item with address among its recipients.
func ByRecipient(address string) DeleteCondition {
	return DeleteCondition{kind: conditionRecipient, value: address}
}

// All selects every live item of the queue.
func All() DeleteCondition {
	return DeleteCondition{kind: conditionAll}
}

// Matching selects every live item for which fn returns true.
func Matching(fn func(*store.EnqueuedItem) bool) DeleteCondition {
	return DeleteCondition{kind: conditionMatching, match: fn}
}

// Kind returns the condition type, e.g. "sender".
func (c DeleteCondition) Kind() string {
	return conditionNames[c.kind]
}

// String returns a human readable form such as "sender=bob@example.com".
func (c DeleteCondition) String() string {
	if c.value == "" {
		return c.Kind()
	}
	return c.Kind() + "=" + c.value
}

// IsPointLookup reports whether the condition addresses a single enqueue id.
func (c DeleteCondition) IsPointLookup() bool {
	return c.kind == conditionEnqueueID
}

// Matches reports whether item is selected by the condition.
func (c DeleteCondition) Matches(item *store.EnqueuedItem) bool {
	if item == nil {
		return false
	}
	switch c.kind {
	case conditionEnqueueID:
		return item.EnqueueID == c.value
	case conditionName:
		return item.Envelope.Name == c.value
	case conditionSender:
		return strings.EqualFold(item.Envelope.Sender, c.value)
	case conditionRecipient:
		return item.Envelope.HasRecipient(c.value)
	case conditionAll:
		return true
	case conditionMatching:
		return c.match(item)
	default:
		return false
	}
}

func (c DeleteCondition) validate() error {
	switch c.kind {
	case conditionEnqueueID:
		if store.ValidateEnqueueID(c.value) != nil {
			return ErrInvalidID
		}
	case conditionName, conditionSender, conditionRecipient:
		if c.value == "" {
			return ErrInvalidCondition
		}
	case conditionAll:
	case conditionMatching:
		if c.match == nil {
			return ErrInvalidCondition
		}
	default:
		return ErrInvalidCondition
	}
	return nil
}
