// pkg/command/dispatcher.go

// Package command tracks outbound desired-state pushes per (device,
// capability): retrying on timeout or transport rejection up to a bounded
// attempt count, resolving when a matching report arrives, and superseding
// when a newer desired value replaces the target.
package command

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shadowsync/shadowd/pkg/model"
)

// Sender is the device-facing transport, injected by the caller. The
// dispatcher owns only tracking, timeout and retry; actual delivery is an
// external collaborator.
type Sender interface {
	Send(ctx context.Context, deviceID, capability string, value interface{}) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, deviceID, capability string, value interface{}) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, deviceID, capability string, value interface{}) error {
	return f(ctx, deviceID, capability, value)
}

// Publisher receives command outcome events for fan-out to subscribers.
type Publisher interface {
	Publish(deviceID string, event interface{})
}

// Config bounds the retry state machine.
type Config struct {
	// Timeout is the per-attempt deadline for the device to confirm the
	// target value via a report.
	Timeout time.Duration
	// MaxAttempts caps total delivery attempts before the command fails.
	MaxAttempts int
	// RetryInterval seeds the exponential spacing between attempts.
	RetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	return c
}

type tracked struct {
	cmd  model.InFlightCommand // Guarded by Dispatcher.mu
	done chan struct{}
	once sync.Once
}

// stop wakes the command's retry goroutine exactly once.
func (t *tracked) stop() {
	t.once.Do(func() { close(t.done) })
}

// Dispatcher is the in-flight command tracker. One background goroutine per
// unresolved command drives its send/await/retry loop.
type Dispatcher struct {
	mu       sync.Mutex
	inflight map[string]*tracked // key: deviceID + "/" + capability

	sender Sender
	hub    Publisher
	log    *logrus.Logger
	cfg    Config

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a dispatcher sending through the given transport and reporting
// outcomes through the given publisher.
func New(sender Sender, hub Publisher, cfg Config, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		inflight: map[string]*tracked{},
		sender:   sender,
		hub:      hub,
		log:      log,
		cfg:      cfg.withDefaults(),
		closed:   make(chan struct{}),
	}
}

func key(deviceID, capability string) string {
	return deviceID + "/" + capability
}

// resolved reports whether a command has reached a terminal status.
func resolved(status model.CommandStatus) bool {
	switch status {
	case model.CommandAcknowledged, model.CommandSuperseded, model.CommandFailed:
		return true
	}
	return false
}

// Dispatch registers a new command for the capability and starts its delivery
// loop. Any unresolved command for the same (device, capability) pair is
// superseded first and issues no further retries.
func (d *Dispatcher) Dispatch(deviceID, capability string, target interface{}) model.InFlightCommand {
	k := key(deviceID, capability)
	now := time.Now().UTC()

	t := &tracked{
		cmd: model.InFlightCommand{
			ID:          uuid.NewString(),
			DeviceID:    deviceID,
			Capability:  capability,
			TargetValue: target,
			IssuedAt:    now,
			Deadline:    now.Add(d.cfg.Timeout),
			Attempt:     1,
			Status:      model.CommandPending,
		},
		done: make(chan struct{}),
	}

	var superseded *model.CommandEvent
	d.mu.Lock()
	if old, ok := d.inflight[k]; ok && !resolved(old.cmd.Status) {
		old.cmd.Status = model.CommandSuperseded
		old.stop()
		superseded = &model.CommandEvent{
			Type:       model.EventTypeCommand,
			DeviceID:   deviceID,
			Capability: capability,
			Status:     model.CommandSuperseded,
		}
	}
	d.inflight[k] = t
	snapshot := t.cmd
	d.mu.Unlock()

	if superseded != nil {
		d.hub.Publish(deviceID, *superseded)
	}

	d.wg.Add(1)
	go d.run(t)

	d.log.WithFields(logrus.Fields{
		"deviceId":   deviceID,
		"capability": capability,
		"commandId":  snapshot.ID,
	}).Debug("command dispatched")
	return snapshot
}

// Resolve marks every unresolved command for the device whose target value
// now appears in the reported state as acknowledged. Called by the
// reconciler after a report has been committed.
func (d *Dispatcher) Resolve(deviceID string, reported map[string]interface{}) {
	var events []model.CommandEvent

	d.mu.Lock()
	for k, t := range d.inflight {
		if t.cmd.DeviceID != deviceID || resolved(t.cmd.Status) {
			continue
		}
		value, ok := reported[t.cmd.Capability]
		if !ok || !reflect.DeepEqual(value, t.cmd.TargetValue) {
			continue
		}
		t.cmd.Status = model.CommandAcknowledged
		t.cmd.Reason = ""
		t.stop()
		delete(d.inflight, k)
		events = append(events, model.CommandEvent{
			Type:       model.EventTypeCommand,
			DeviceID:   deviceID,
			Capability: t.cmd.Capability,
			Status:     model.CommandAcknowledged,
		})
	}
	d.mu.Unlock()

	for _, ev := range events {
		d.hub.Publish(deviceID, ev)
	}
}

// Inflight returns snapshots of the unresolved commands for a device.
func (d *Dispatcher) Inflight(deviceID string) []model.InFlightCommand {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := []model.InFlightCommand{}
	for _, t := range d.inflight {
		if t.cmd.DeviceID == deviceID && !resolved(t.cmd.Status) {
			out = append(out, t.cmd)
		}
	}
	return out
}

// Close stops all retry loops and waits for them to exit. A closed
// dispatcher never mutates desired state; it only stops future retries.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.closed) })
	d.wg.Wait()
}

// run drives one command through send → await-confirmation → retry until a
// terminal status. The confirmation itself arrives through Resolve; run only
// observes it via the done channel.
func (d *Dispatcher) run(t *tracked) {
	defer d.wg.Done()

	spacing := backoff.NewExponentialBackOff()
	spacing.InitialInterval = d.cfg.RetryInterval
	spacing.MaxElapsedTime = 0 // Attempt count is the bound, not elapsed time

	for {
		d.mu.Lock()
		cmd := t.cmd
		d.mu.Unlock()

		logger := d.log.WithFields(logrus.Fields{
			"deviceId":   cmd.DeviceID,
			"capability": cmd.Capability,
			"commandId":  cmd.ID,
			"attempt":    cmd.Attempt,
		})

		var reason string
		sendCtx, cancel := context.WithDeadline(context.Background(), cmd.Deadline)
		err := d.sender.Send(sendCtx, cmd.DeviceID, cmd.Capability, cmd.TargetValue)
		cancel()

		if err != nil {
			// Same retry budget as a timeout, distinct reason on record.
			reason = fmt.Sprintf("%v: %v", model.ErrTransportRejected, err)
			logger.WithError(err).Warn("command transport rejected")
		} else {
			deadlineTimer := time.NewTimer(time.Until(cmd.Deadline))
			select {
			case <-t.done:
				deadlineTimer.Stop()
				return // Acknowledged or superseded; resolver published the event
			case <-d.closed:
				deadlineTimer.Stop()
				return
			case <-deadlineTimer.C:
				reason = model.ErrCommandTimeout.Error()
				logger.Warn("command deadline elapsed without matching report")
			}
		}

		d.mu.Lock()
		if resolved(t.cmd.Status) {
			d.mu.Unlock()
			return
		}
		if t.cmd.Attempt >= d.cfg.MaxAttempts {
			t.cmd.Status = model.CommandFailed
			t.cmd.Reason = reason
			if d.inflight[key(t.cmd.DeviceID, t.cmd.Capability)] == t {
				delete(d.inflight, key(t.cmd.DeviceID, t.cmd.Capability))
			}
			failed := t.cmd
			d.mu.Unlock()

			logger.Warn("command failed, retries exhausted")
			d.hub.Publish(failed.DeviceID, model.CommandEvent{
				Type:       model.EventTypeCommand,
				DeviceID:   failed.DeviceID,
				Capability: failed.Capability,
				Status:     model.CommandFailed,
				Reason:     reason,
			})
			return
		}
		t.cmd.Status = model.CommandTimedOut
		t.cmd.Reason = reason
		d.mu.Unlock()

		d.hub.Publish(cmd.DeviceID, model.CommandEvent{
			Type:       model.EventTypeCommand,
			DeviceID:   cmd.DeviceID,
			Capability: cmd.Capability,
			Status:     model.CommandTimedOut,
			Reason:     reason,
		})

		select {
		case <-t.done:
			return
		case <-d.closed:
			return
		case <-time.After(spacing.NextBackOff()):
		}

		d.mu.Lock()
		if t.cmd.Status != model.CommandTimedOut {
			d.mu.Unlock()
			return // Superseded or acknowledged while waiting to retry
		}
		t.cmd.Status = model.CommandPending
		t.cmd.Attempt++
		t.cmd.Deadline = time.Now().UTC().Add(d.cfg.Timeout)
		d.mu.Unlock()
	}
}
