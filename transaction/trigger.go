// Package transaction implements deferred execution of client-submitted
// register I/O batches. A transaction is gated by a trigger condition over
// event and fence dependencies; once the condition is satisfied the
// transaction moves to the client's process queue and is executed by a single
// worker, emitting a completion event and signaling completion fences.
package transaction

import (
	"go.viam.com/devio/fence"
	"go.viam.com/devio/utils"
)

// MaxTriggerNodes bounds the node count of a single trigger condition.
const MaxTriggerNodes = 16

// Event counter sentinels for event trigger nodes. An explicit non-negative
// counter requires the occurrence whose counter equals it exactly.
const (
	// CounterOnNextOccurrence fires on the first occurrence after
	// registration.
	CounterOnNextOccurrence int64 = -1
	// CounterEveryTime fires on every occurrence, re-executing the
	// transaction's entries each time.
	CounterEveryTime int64 = -2
)

// Operator combines a condition's trigger nodes.
type Operator int

const (
	// OperatorNone means the condition is vacuously true; the transaction
	// queues immediately.
	OperatorNone Operator = iota
	// OperatorAnd requires every node to fire.
	OperatorAnd
	// OperatorOr requires any one node to fire.
	OperatorOr
)

func (o Operator) String() string {
	switch o {
	case OperatorNone:
		return "none"
	case OperatorAnd:
		return "and"
	case OperatorOr:
		return "or"
	default:
		return "unknown"
	}
}

// NodeType enumerates trigger node kinds.
type NodeType int

const (
	// NodeEvent waits for a device event occurrence.
	NodeEvent NodeType = iota
	// NodeFence waits for an existing fence to signal.
	NodeFence
	// NodeFencePlaceholder is converted into a freshly created fence at
	// submission time; the new handle is returned to the caller in the
	// submit receipt.
	NodeFencePlaceholder
)

// TriggerNode is one dependency of a trigger condition.
type TriggerNode struct {
	Type NodeType

	// EventID and EventCounter apply to event nodes.
	EventID      int64
	EventCounter int64

	// Fence applies to fence nodes; for placeholder nodes it is filled in
	// at submission.
	Fence fence.Handle
}

// TriggerCondition gates a transaction's readiness.
type TriggerCondition struct {
	Operator Operator
	Nodes    []TriggerNode
}

// Validate rejects malformed conditions before any engine state mutates.
func (c TriggerCondition) Validate() error {
	if len(c.Nodes) > MaxTriggerNodes {
		return utils.NewInvalidArgumentError("trigger condition with %d nodes exceeds maximum %d",
			len(c.Nodes), MaxTriggerNodes)
	}
	switch c.Operator {
	case OperatorNone:
		if len(c.Nodes) != 0 {
			return utils.NewInvalidArgumentError("operator none with %d trigger nodes", len(c.Nodes))
		}
	case OperatorAnd, OperatorOr:
		if len(c.Nodes) == 0 {
			return utils.NewInvalidArgumentError("operator %s with no trigger nodes", c.Operator)
		}
	default:
		return utils.NewInvalidArgumentError("unrecognized trigger operator %d", c.Operator)
	}
	for i, node := range c.Nodes {
		switch node.Type {
		case NodeEvent:
			if node.EventCounter < CounterEveryTime {
				return utils.NewInvalidArgumentError("trigger node %d with event counter %d",
					i, node.EventCounter)
			}
			if node.EventCounter == CounterEveryTime && len(c.Nodes) != 1 {
				return utils.NewInvalidArgumentError(
					"every-time event trigger must be the condition's only node")
			}
		case NodeFence, NodeFencePlaceholder:
		default:
			return utils.NewInvalidArgumentError("unrecognized trigger node type %d", node.Type)
		}
	}
	return nil
}

// eventCounterMatches implements the exact-match rule: an explicit counter
// fires only on the occurrence whose counter equals it, not on any later one.
func eventCounterMatches(required, occurred int64) bool {
	switch required {
	case CounterOnNextOccurrence, CounterEveryTime:
		return true
	default:
		return required == occurred
	}
}

// conditionReadyLocked evaluates readiness from the running signaled count.
// The fence cancel-fast path is handled separately as a terminal outcome and
// never consults this.
func (t *Transaction) conditionReadyLocked() bool {
	switch t.trigger.Operator {
	case OperatorNone:
		return true
	case OperatorAnd:
		return t.signaledCount >= len(t.trigger.Nodes)
	case OperatorOr:
		return t.signaledCount >= 1
	default:
		return false
	}
}
