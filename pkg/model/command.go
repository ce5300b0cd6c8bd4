// pkg/model/command.go
package model

import "time"

// CommandStatus is the lifecycle phase of an in-flight command.
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandTimedOut     CommandStatus = "timed-out"
	CommandSuperseded   CommandStatus = "superseded"
	CommandFailed       CommandStatus = "failed"
)

// InFlightCommand tracks one outbound desired-state push for a single
// (device, capability) pair until the device confirms it, it times out,
// or a newer desired-state request supersedes it.
type InFlightCommand struct {
	ID          string        `json:"id"`
	DeviceID    string        `json:"deviceId"`
	Capability  string        `json:"capability"`
	TargetValue interface{}   `json:"targetValue"`
	IssuedAt    time.Time     `json:"issuedAt"`
	Deadline    time.Time     `json:"deadline"`
	Attempt     int           `json:"attempt"`
	Status      CommandStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"` // Set on timeout/rejection/failure
}
