// Package schema defines the mutation, policy and update types shared by the publisher and the subscription tracker.
package schema

import (
	"fmt"
	"strings"
)

// Outcome identifies the lifecycle event a mutated object went through.
type Outcome uint8

const (
	// OutcomeCreated marks an object inserted by the transaction.
	OutcomeCreated Outcome = iota + 1
	// OutcomeUpdated marks an object modified by the transaction.
	OutcomeUpdated
	// OutcomeDeleted marks an object removed by the transaction.
	OutcomeDeleted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "create"
	case OutcomeUpdated:
		return "update"
	case OutcomeDeleted:
		return "delete"
	default:
		return "unknown"
	}
}

// Valid reports whether o is one of the three lifecycle outcomes.
func (o Outcome) Valid() bool {
	return o >= OutcomeCreated && o <= OutcomeDeleted
}

// ParseOutcome maps textual outcomes (create/insert, update, delete) onto Outcome values.
func ParseOutcome(raw string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "create", "created", "insert":
		return OutcomeCreated, nil
	case "update", "updated":
		return OutcomeUpdated, nil
	case "delete", "deleted":
		return OutcomeDeleted, nil
	default:
		return 0, fmt.Errorf("unknown outcome %q", raw)
	}
}

// ChangeSet is the batch of objects a single transaction touched, grouped by outcome.
type ChangeSet struct {
	Created []any
	Updated []any
	Deleted []any
}

// Len returns the total number of mutated objects in the set.
func (c ChangeSet) Len() int {
	return len(c.Created) + len(c.Updated) + len(c.Deleted)
}

// Add appends obj to the bucket matching outcome. Unknown outcomes are ignored.
func (c *ChangeSet) Add(obj any, outcome Outcome) {
	switch outcome {
	case OutcomeCreated:
		c.Created = append(c.Created, obj)
	case OutcomeUpdated:
		c.Updated = append(c.Updated, obj)
	case OutcomeDeleted:
		c.Deleted = append(c.Deleted, obj)
	}
}
