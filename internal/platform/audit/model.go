// Package audit keeps a tamper-evident trail of money-movement decisions:
// heal actions, offline-operation rejections, and isolation violations.
// Events are hash-chained; a broken link is detected on the next append.
package audit

import "time"

type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

type Event struct {
	AuditID    string
	Tenant     string
	OccurredAt time.Time
	RecordedAt time.Time
	ActorID    string
	ActorType  string
	ObjectType string
	ObjectID   string
	Action     string
	Before     []byte
	After      []byte
	Result     Result
	Reason     string
	HashPrev   string
	HashCurr   string
}
