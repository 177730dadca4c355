package brokerd

import (
	"pkt.systems/brokerd/internal/engine"
	"pkt.systems/brokerd/internal/lockmgr"
	"pkt.systems/brokerd/internal/poller"
	"pkt.systems/brokerd/internal/resource"
)

// Types operators need to register watches and operation pollers from outside
// this module.
type (
	Resource         = resource.Resource
	Ref              = resource.Ref
	Spec             = resource.Spec
	Status           = resource.Status
	ErrorPayload     = resource.ErrorPayload
	Watch            = engine.Watch
	Handler          = engine.Handler
	HandlerFunc      = engine.HandlerFunc
	RelayHandlerFunc = engine.RelayHandlerFunc
	Outcome          = engine.Outcome
	LockDetails      = lockmgr.Details
	LockPolicy       = lockmgr.Policy
	OperationConfig  = poller.Config
	OperationPoller  = poller.Poller
	ProbeResult      = poller.ProbeResult
	AuditEvent       = poller.AuditEvent
	AuditSink        = poller.AuditSink
)

// Resource lifecycle states.
const (
	StateInQueue      = resource.StateInQueue
	StateInProgress   = resource.StateInProgress
	StateAbort        = resource.StateAbort
	StateAborting     = resource.StateAborting
	StateAborted      = resource.StateAborted
	StateUpdate       = resource.StateUpdate
	StateDelete       = resource.StateDelete
	StateSucceeded    = resource.StateSucceeded
	StateFailed       = resource.StateFailed
	StateDeleteFailed = resource.StateDeleteFailed
	StateWaiting      = resource.StateWaiting
)

// Operation classes understood by the lock policy.
const (
	OpBackup  = lockmgr.OpBackup
	OpRestore = lockmgr.OpRestore
	OpCreate  = lockmgr.OpCreate
	OpUpdate  = lockmgr.OpUpdate
	OpDelete  = lockmgr.OpDelete
)

// Handler outcomes.
var (
	Released = engine.Released
	Held     = engine.Held
	Failed   = engine.Failed
)

// IsTerminal reports whether state ends a resource's lifecycle.
func IsTerminal(state string) bool { return resource.IsTerminal(state) }
