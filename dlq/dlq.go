// Package dlq implements the core's terminal actions: routing unusable
// records and rejected messages to their dead-letter destinations, and
// disabling the upstream event-source binding on a fatal error.
package dlq

import (
	"context"
	"errors"
	"sync"
)

// Envelope is the payload handed to a Publisher for one dead-lettered item.
// The envelope codec itself is supplied by the caller; the core only
// guarantees the envelope carries the item plus its batch key and any
// identifier available for it.
type Envelope struct {
	BatchKey   string
	Identifier string
	Item       any
	Reason     string
}

// Publisher appends an envelope to an append-only dead-letter stream named
// by stream. StreamName is already stage-qualified by the caller (e.g.
// "prod-orders-dead-records") before it reaches Publish.
type Publisher interface {
	Publish(ctx context.Context, streamName string, env Envelope) error
}

// ErrNoBatchKey is returned when a discard is attempted without a valid
// batch key; the terminal action requires one to build the envelope.
var ErrNoBatchKey = errors.New("dlq: batch key required to discard")

// DiscardUnusableRecordToDRQ publishes env to the dead-record stream under
// streamName. Failure here rejects the discard task itself (the caller's
// task engine marks the discard-unusable task failed and retries it on the
// next invocation), it does not resurrect the record.
func DiscardUnusableRecordToDRQ(ctx context.Context, pub Publisher, streamName string, env Envelope) error {
	if env.BatchKey == "" {
		return ErrNoBatchKey
	}
	return pub.Publish(ctx, streamName, env)
}

// DiscardRejectedMessageToDMQ is the analogous terminal action for a
// rejected message, publishing to the dead-message stream.
func DiscardRejectedMessageToDMQ(ctx context.Context, pub Publisher, streamName string, env Envelope) error {
	if env.BatchKey == "" {
		return ErrNoBatchKey
	}
	return pub.Publish(ctx, streamName, env)
}

// MappingLister resolves the event-source mapping identifiers bound to a
// given function (by name/alias). Supplied by the caller; typically backed
// by the event-source control plane's "list mappings for function" facade.
type MappingLister interface {
	ListMappings(ctx context.Context, functionName string) ([]string, error)
}

// MappingDisabler disables one event-source mapping by identifier, backed
// by the control plane's "disable mapping by identifier" facade.
type MappingDisabler interface {
	DisableMapping(ctx context.Context, mappingID string) error
}

// ESMController resolves and disables the source stream's event-source
// mapping, caching the resolved identifier across invocations within the
// same process so a repeated fatal error doesn't re-list mappings every
// time. The cache is invalidated whenever resolution or disabling fails, so
// a stale or wrong identifier is never reused silently.
type ESMController struct {
	Lister     MappingLister
	Disabler   MappingDisabler
	AvoidCache bool

	mu         sync.Mutex
	cachedID   string
	haveCached bool
}

// NewESMController constructs a controller over the given facades.
// avoidCache disables the per-process cache entirely, always re-listing.
func NewESMController(lister MappingLister, disabler MappingDisabler, avoidCache bool) *ESMController {
	return &ESMController{Lister: lister, Disabler: disabler, AvoidCache: avoidCache}
}

// DisableSourceStreamEventSourceMapping resolves the mapping identifier for
// functionName (from cache unless AvoidCache or the cache is empty) and
// disables it. On any failure the cache is cleared so the next fatal error
// re-resolves from scratch rather than retrying a bad cached identifier.
func (c *ESMController) DisableSourceStreamEventSourceMapping(ctx context.Context, functionName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.cachedID
	if c.AvoidCache || !c.haveCached {
		mappings, err := c.Lister.ListMappings(ctx, functionName)
		if err != nil {
			c.haveCached = false
			return err
		}
		if len(mappings) == 0 {
			c.haveCached = false
			return errors.New("dlq: no event-source mappings found for function")
		}
		id = mappings[0]
	}

	if err := c.Disabler.DisableMapping(ctx, id); err != nil {
		c.haveCached = false
		return err
	}

	c.cachedID = id
	c.haveCached = true
	return nil
}

// HandleFatalError invokes DisableSourceStreamEventSourceMapping for
// functionName and then always re-raises the original err, whether or not
// disabling succeeded: a fatal error surfaces to force operator attention
// regardless of whether the upstream binding could be turned off.
func HandleFatalError(ctx context.Context, esm *ESMController, functionName string, err error) error {
	if esm != nil {
		_ = esm.DisableSourceStreamEventSourceMapping(ctx, functionName)
	}
	return err
}
