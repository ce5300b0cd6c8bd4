// pkg/reconcile/reconciler.go

// Package reconcile applies device reports and desired-state requests to the
// shadow store through bounded-retry compare-and-swap, appends history, and
// emits change events once the write is durably committed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/shadowsync/shadowd/pkg/model"
	"github.com/shadowsync/shadowd/pkg/persistence"
)

// Dispatcher is the slice of the command tracker the reconciler drives:
// dispatching commands for new desired-state deltas and resolving in-flight
// ones when a report satisfies their target.
type Dispatcher interface {
	Dispatch(deviceID, capability string, target interface{}) model.InFlightCommand
	Resolve(deviceID string, reported map[string]interface{})
}

// Publisher receives change events after each accepted mutation.
type Publisher interface {
	Publish(deviceID string, event interface{})
}

// Config bounds the compare-and-swap retry loop and selects merge depth.
type Config struct {
	// MaxRetries caps CAS retries per mutation before surfacing
	// model.ErrConcurrencyExhausted.
	MaxRetries int
	// RetryInterval seeds the exponential backoff between CAS retries.
	RetryInterval time.Duration
	// DeepMerge switches capability values that are both objects from
	// wholesale replacement to recursive merge.
	DeepMerge bool
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 10 * time.Millisecond
	}
	return c
}

// Reconciler owns the two mutation entry points of the shadow service. All
// writes for a device funnel through the store's compare-and-swap; devices
// never contend with each other.
type Reconciler struct {
	shadows  persistence.ShadowStore
	history  persistence.HistoryStore
	commands Dispatcher
	hub      Publisher
	log      *logrus.Logger
	cfg      Config
}

// New wires a reconciler.
func New(shadows persistence.ShadowStore, history persistence.HistoryStore, commands Dispatcher, hub Publisher, cfg Config, log *logrus.Logger) *Reconciler {
	return &Reconciler{
		shadows:  shadows,
		history:  history,
		commands: commands,
		hub:      hub,
		log:      log,
		cfg:      cfg.withDefaults(),
	}
}

// ApplyReport merges a reported-state fragment into the device's shadow:
// key-wise overwrite, unspecified capabilities untouched. On an accepted
// write it appends history points for the changed capabilities and publishes
// a change event; either way it gives the dispatcher a chance to acknowledge
// in-flight commands the report satisfies. Re-applying an identical fragment
// is a no-op and does not bump the version.
func (r *Reconciler) ApplyReport(ctx context.Context, deviceID string, fragment map[string]interface{}, reportTS time.Time) (*model.ShadowDocument, error) {
	if reportTS.IsZero() {
		reportTS = time.Now().UTC()
	}

	var changed []string
	doc, dirty, err := r.swap(ctx, deviceID, func(doc *model.ShadowDocument) (bool, error) {
		merged, err := model.MergeFragment(doc.ReportedState, fragment, r.cfg.DeepMerge)
		if err != nil {
			return false, err
		}
		changed = changedKeys(doc.ReportedState, merged, fragment)
		if len(changed) == 0 {
			return false, nil
		}
		doc.ReportedState = merged
		doc.Metadata.LastReported = reportTS
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	// A repeated report can still satisfy a pending command even when it
	// changes nothing, so resolution is unconditional.
	r.commands.Resolve(deviceID, doc.ReportedState)

	if dirty {
		points := make([]model.HistoryPoint, 0, len(changed))
		for _, capability := range changed {
			points = append(points, model.HistoryPoint{
				DeviceID:   deviceID,
				Timestamp:  reportTS,
				Capability: capability,
				Value:      doc.ReportedState[capability],
			})
		}
		if err := r.history.Append(ctx, deviceID, points); err != nil {
			// The shadow write is already committed; history gaps are logged,
			// not surfaced.
			r.log.WithError(err).WithField("deviceId", deviceID).Warn("failed to append history points")
		}

		r.hub.Publish(deviceID, model.NewChangeEvent(doc, changed))
		r.log.WithFields(logrus.Fields{
			"deviceId": deviceID,
			"version":  doc.Version,
			"changed":  changed,
		}).Debug("report applied")
	}
	return doc, nil
}

// ApplyDesired merges a desired-state fragment into the device's shadow and
// hands each changed capability to the command dispatcher, superseding any
// in-flight command for that capability. requestedBy is recorded in logs
// only; the shadow document does not attribute desired state.
func (r *Reconciler) ApplyDesired(ctx context.Context, deviceID string, fragment map[string]interface{}, requestedBy string) (*model.ShadowDocument, error) {
	var changed []string
	doc, dirty, err := r.swap(ctx, deviceID, func(doc *model.ShadowDocument) (bool, error) {
		merged, err := model.MergeFragment(doc.DesiredState, fragment, r.cfg.DeepMerge)
		if err != nil {
			return false, err
		}
		changed = changedKeys(doc.DesiredState, merged, fragment)
		if len(changed) == 0 {
			return false, nil
		}
		doc.DesiredState = merged
		doc.Metadata.LastDesiredUpdate = time.Now().UTC()
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if dirty {
		for _, capability := range changed {
			r.commands.Dispatch(deviceID, capability, doc.DesiredState[capability])
		}
		r.hub.Publish(deviceID, model.NewChangeEvent(doc, changed))
		r.log.WithFields(logrus.Fields{
			"deviceId":    deviceID,
			"version":     doc.Version,
			"changed":     changed,
			"requestedBy": requestedBy,
		}).Info("desired state applied")
	}
	return doc, nil
}

// mutation applies a change to a candidate document. It reports false when
// the document would be unchanged, which short-circuits the write so an
// identical re-application never bumps the version.
type mutation func(doc *model.ShadowDocument) (dirty bool, err error)

// swap runs the read-mutate-write cycle: create the document lazily, apply
// the mutation, and commit through compare-and-swap. Version conflicts are
// retried with exponential backoff up to the configured bound; exhaustion
// surfaces as model.ErrConcurrencyExhausted rather than blocking.
func (r *Reconciler) swap(ctx context.Context, deviceID string, apply mutation) (*model.ShadowDocument, bool, error) {
	var (
		result *model.ShadowDocument
		dirty  bool
	)

	op := func() error {
		current, err := r.shadows.CreateIfAbsent(ctx, deviceID)
		if err != nil {
			return backoff.Permanent(err)
		}

		candidate := current.Clone()
		candidateDirty, err := apply(candidate)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !candidateDirty {
			result, dirty = current, false
			return nil
		}

		committed, err := r.shadows.CompareAndSwap(ctx, deviceID, current.Version, func(doc *model.ShadowDocument) error {
			_, err := apply(doc)
			return err
		})
		if err != nil {
			if errors.Is(err, model.ErrVersionConflict) {
				return err // Retryable: another writer advanced the version
			}
			return backoff.Permanent(err)
		}
		result, dirty = committed, true
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.cfg.RetryInterval
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(r.cfg.MaxRetries)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, model.ErrVersionConflict) {
			return nil, false, fmt.Errorf("%w: device '%s'", model.ErrConcurrencyExhausted, deviceID)
		}
		return nil, false, err
	}
	return result, dirty, nil
}

// changedKeys lists the fragment capabilities whose value actually changed,
// sorted for stable events and logs.
func changedKeys(before, after, fragment map[string]interface{}) []string {
	keys := []string{}
	for k := range fragment {
		if !reflect.DeepEqual(before[k], after[k]) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
