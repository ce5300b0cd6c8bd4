// pkg/model/events.go
package model

// Event types carried on the real-time push surface.
const (
	EventTypeSnapshot = "snapshot"
	EventTypeState    = "state"
	EventTypeCommand  = "command"
)

// ChangeEvent is delivered to every subscriber of a device after an accepted
// mutation has been durably committed. Also used (with type "snapshot") for
// the initial full-state delivery on subscribe.
type ChangeEvent struct {
	Type                string                 `json:"type"`
	DeviceID            string                 `json:"deviceId"`
	Version             int64                  `json:"version"`
	ChangedCapabilities []string               `json:"changedCapabilities,omitempty"`
	ReportedState       map[string]interface{} `json:"reportedState,omitempty"`
	DesiredState        map[string]interface{} `json:"desiredState,omitempty"`
	PendingDelta        map[string]DeltaEntry  `json:"pendingDelta"`
}

// NewChangeEvent builds a state change event from the committed document.
func NewChangeEvent(doc *ShadowDocument, changed []string) ChangeEvent {
	return ChangeEvent{
		Type:                EventTypeState,
		DeviceID:            doc.DeviceID,
		Version:             doc.Version,
		ChangedCapabilities: changed,
		ReportedState:       doc.ReportedState,
		DesiredState:        doc.DesiredState,
		PendingDelta:        doc.PendingDelta(),
	}
}

// NewSnapshotEvent builds the initial full-state event for a new subscriber.
func NewSnapshotEvent(doc *ShadowDocument) ChangeEvent {
	ev := NewChangeEvent(doc, nil)
	ev.Type = EventTypeSnapshot
	return ev
}

// CommandEvent reports a command outcome to subscribers of the device.
type CommandEvent struct {
	Type       string        `json:"type"`
	DeviceID   string        `json:"deviceId"`
	Capability string        `json:"capability"`
	Status     CommandStatus `json:"status"`
	Reason     string        `json:"reason,omitempty"`
}
