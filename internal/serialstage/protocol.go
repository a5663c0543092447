// Package serialstage drives the RS-232/RS-485 "jump to boot" sequence a
// running application needs before USB enumeration works, generalizing
// original_source/src/alfa_fw_upgrader/fw_loader.py's jump_to_boot.
//
// The wire protocol talking to the application (alfa_serial_lib in the
// original) is consumed, not defined, by this package: spec.md §6 names
// only the shape a Protocol/Node pair must expose. Stage is written
// against that shape; NewSerialProtocol is one concrete implementation of
// it over go.bug.st/serial, not the only possible one.
package serialstage

import (
	"context"
	"time"
)

// Mode selects the physical link topology.
type Mode int

const (
	// ModeDuplex is a point-to-point RS-232 link to a single master at
	// address 200.
	ModeDuplex Mode = iota
	// ModeMultidrop is an RS-485 bus addressing master+slaves 50..55.
	ModeMultidrop
)

// NodeStatus mirrors the status map spec.md §6 requires: status_level,
// boot_protocol_version, boot_fw_version, application_protocol_version,
// application_fw_version, at minimum.
type NodeStatus map[string]any

// Status level values polled from NodeStatus["status_level"].
const (
	StatusPowerOff   = "POWER_OFF"
	StatusAlarm      = "ALARM"
	StatusStandby    = "STANDBY"
	StatusDiagnostic = "DIAGNOSTIC"
)

// RequestState is the outcome of a completed request.
type RequestState int

const (
	RequestSuccess RequestState = iota
	RequestFailure
)

// RequestResult is what send_request_and_wait/send_request's completion
// callback deliver.
type RequestResult struct {
	Status           RequestState
	CustomAnswerDict map[string]any
}

// Node is one addressable device on the link (master or slave).
type Node interface {
	Addr() byte
	Status() NodeStatus
	// WaitForStatus blocks until predicate(Status()) is true or timeout
	// elapses.
	WaitForStatus(ctx context.Context, predicate func(NodeStatus) bool, timeout time.Duration) error
	// SendRequestAndWait issues cmdName and blocks for its RequestResult.
	SendRequestAndWait(ctx context.Context, cmdName string) (RequestResult, error)
	// SendRequest issues cmdName without waiting; onComplete fires from
	// the protocol's background loop when the response arrives.
	SendRequest(cmdName string, onComplete func(RequestResult)) error
}

// Protocol owns the serial link and the set of attached nodes.
type Protocol interface {
	AttachNode(addr byte) Node
	// Run drives the background read/dispatch loop until ctx is
	// cancelled or an unrecoverable I/O error occurs.
	Run(ctx context.Context) error
	Close() error
}
