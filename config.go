package streamcore

import (
	"context"
	"fmt"
	"strings"

	"github.com/streamlane-io/streamcore/identity"
	"github.com/streamlane-io/streamcore/task"
)

// ExtractMessagesFromRecordFunc extracts zero or more messages from one
// record (the one-to-many case: aggregate records carrying several
// logical messages).
type ExtractMessagesFromRecordFunc func(record, userRecord any) ([]any, error)

// ExtractMessageFromRecordFunc extracts a single message from one record
// (the common one-to-one case).
type ExtractMessageFromRecordFunc func(record, userRecord any) (any, error)

// GenerateMD5sFunc overrides the default JSON-digest derivation
// (identity.DeriveDigests) with a caller-supplied implementation, e.g. to
// hash a raw wire payload instead of the decoded form.
type GenerateMD5sFunc func(message, record, userRecord any, rawData []byte) (identity.Digests, error)

// LoadBatchStateFunc hydrates any caller-owned batch-scoped state that
// lives outside the checkpoint item (e.g. a side lookup table), invoked
// once during the initiate phase.
type LoadBatchStateFunc func(ctx context.Context) (any, error)

// SaveBatchStateFunc is the counterpart invoked during finalise, after
// preFinaliseBatch and before the checkpoint is persisted.
type SaveBatchStateFunc func(ctx context.Context, state any) error

// BatchHookFunc is a lifecycle hook invoked with the live batch at a fixed
// point in the phase sequence (preProcessBatch, preFinaliseBatch,
// postFinaliseBatch). Returning an error is treated as a Fatal condition.
type BatchHookFunc func(ctx context.Context, batch *Batch) error

// DiscardUnusableRecordFunc is called once per unusable record when its
// discard task executes; it performs (or customizes) the actual terminal
// action and returns an error to fail that attempt.
type DiscardUnusableRecordFunc func(ctx context.Context, record any, reason string, batch *Batch) error

// DiscardRejectedMessageFunc is the analogous hook for rejected messages.
type DiscardRejectedMessageFunc func(ctx context.Context, message any, reason string, batch *Batch) error

// ProcessOneTemplateFunc builds the process-one task template(s) for a
// single message. Called once per message during initiate; the returned
// template (and its subtree) becomes that message's "ones" task set.
type ProcessOneTemplateFunc func(message any) *task.Template

// ProcessAllTemplateFunc builds a batch-wide "process all" task template,
// whose execute function typically inspects the batch's current
// incomplete-messages view rather than a single message.
type ProcessAllTemplateFunc func(batch *Batch) *task.Template

// Config collects every tunable and callback the core needs to drive one
// invocation. Build it with New-style field assignment or the With*
// functional options below; always finish with Validate.
type Config struct {
	StreamType          StreamType
	SequencingRequired  bool
	SequencingPerKey    bool
	BatchKeyedOnEventID bool

	ConsumerID       string
	ConsumerIDSuffix string

	TimeoutAtPercentageOfRemainingTime float64
	MaxNumberOfAttempts                int

	IDPropertyNames    []string
	KeyPropertyNames   []string
	SeqNoPropertyNames []string

	BatchStateTableName  string
	DeadRecordQueueName  string
	DeadMessageQueueName string
	AvoidESMCache        bool

	ExtractMessagesFromRecord ExtractMessagesFromRecordFunc
	ExtractMessageFromRecord  ExtractMessageFromRecordFunc
	GenerateMD5s              GenerateMD5sFunc
	ResolveEventIDAndSeqNos    identity.CoordinateResolver
	ResolveMessageIDsAndSeqNos identity.MessageIdentityResolver
	LoadBatchState             LoadBatchStateFunc
	PreProcessBatch            BatchHookFunc
	DiscardUnusableRecord      DiscardUnusableRecordFunc
	PreFinaliseBatch           BatchHookFunc
	SaveBatchState             SaveBatchStateFunc
	DiscardRejectedMessage     DiscardRejectedMessageFunc
	PostFinaliseBatch          BatchHookFunc

	ProcessOneTemplates []ProcessOneTemplateFunc
	ProcessAllTemplates []ProcessAllTemplateFunc
}

// Option configures a Config. Mirrors the functional-options convention:
// chainable, self-documenting, only specify what you need to change from
// the defaults applied by NewConfig.
type Option func(*Config)

// NewConfig builds a Config with documented defaults applied, then layers
// opts on top in order.
//
// Defaults: StreamType=StreamKinesis, TimeoutAtPercentageOfRemainingTime=0.8,
// MaxNumberOfAttempts=3, SequencingPerKey=true.
func NewConfig(opts ...Option) *Config {
	cfg := &Config{
		StreamType:                         StreamKinesis,
		TimeoutAtPercentageOfRemainingTime: 0.8,
		MaxNumberOfAttempts:                3,
		SequencingPerKey:                   true,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func WithStreamType(t StreamType) Option {
	return func(c *Config) { c.StreamType = t }
}

func WithSequencing(required, perKey bool) Option {
	return func(c *Config) { c.SequencingRequired = required; c.SequencingPerKey = perKey }
}

func WithBatchKeyedOnEventID(v bool) Option {
	return func(c *Config) { c.BatchKeyedOnEventID = v }
}

func WithConsumerID(id, suffix string) Option {
	return func(c *Config) { c.ConsumerID = id; c.ConsumerIDSuffix = suffix }
}

func WithTimeoutPercentage(pct float64) Option {
	return func(c *Config) { c.TimeoutAtPercentageOfRemainingTime = pct }
}

func WithMaxAttempts(n int) Option {
	return func(c *Config) { c.MaxNumberOfAttempts = n }
}

func WithPropertyNames(ids, keys, seqNos []string) Option {
	return func(c *Config) {
		c.IDPropertyNames = ids
		c.KeyPropertyNames = keys
		c.SeqNoPropertyNames = seqNos
	}
}

func WithDeadLetterQueues(stateTable, deadRecordQueue, deadMessageQueue string) Option {
	return func(c *Config) {
		c.BatchStateTableName = stateTable
		c.DeadRecordQueueName = deadRecordQueue
		c.DeadMessageQueueName = deadMessageQueue
	}
}

func WithAvoidESMCache(v bool) Option {
	return func(c *Config) { c.AvoidESMCache = v }
}

func WithExtractMessagesFromRecord(fn ExtractMessagesFromRecordFunc) Option {
	return func(c *Config) { c.ExtractMessagesFromRecord = fn }
}

func WithExtractMessageFromRecord(fn ExtractMessageFromRecordFunc) Option {
	return func(c *Config) { c.ExtractMessageFromRecord = fn }
}

func WithGenerateMD5s(fn GenerateMD5sFunc) Option {
	return func(c *Config) { c.GenerateMD5s = fn }
}

func WithEventIdentityResolver(fn identity.CoordinateResolver) Option {
	return func(c *Config) { c.ResolveEventIDAndSeqNos = fn }
}

func WithMessageIdentityResolver(fn identity.MessageIdentityResolver) Option {
	return func(c *Config) { c.ResolveMessageIDsAndSeqNos = fn }
}

func WithBatchStateHooks(load LoadBatchStateFunc, save SaveBatchStateFunc) Option {
	return func(c *Config) { c.LoadBatchState = load; c.SaveBatchState = save }
}

func WithPreProcessBatch(fn BatchHookFunc) Option {
	return func(c *Config) { c.PreProcessBatch = fn }
}

func WithPreFinaliseBatch(fn BatchHookFunc) Option {
	return func(c *Config) { c.PreFinaliseBatch = fn }
}

func WithPostFinaliseBatch(fn BatchHookFunc) Option {
	return func(c *Config) { c.PostFinaliseBatch = fn }
}

func WithDiscardUnusableRecord(fn DiscardUnusableRecordFunc) Option {
	return func(c *Config) { c.DiscardUnusableRecord = fn }
}

func WithDiscardRejectedMessage(fn DiscardRejectedMessageFunc) Option {
	return func(c *Config) { c.DiscardRejectedMessage = fn }
}

func WithProcessOneTemplate(fn ProcessOneTemplateFunc) Option {
	return func(c *Config) { c.ProcessOneTemplates = append(c.ProcessOneTemplates, fn) }
}

func WithProcessAllTemplate(fn ProcessAllTemplateFunc) Option {
	return func(c *Config) { c.ProcessAllTemplates = append(c.ProcessAllTemplates, fn) }
}

// EffectiveConsumerID resolves the subscription's uniqueness string.
// Decision (open question, recorded in DESIGN.md): both an explicitly set
// ConsumerID and one derived from ConsumerIDSuffix are accepted, but the
// resolved value must never be blank — a blank consumer id would collide
// every distinct subscription onto the same checkpoint partition.
func (c *Config) EffectiveConsumerID() (string, error) {
	id := c.ConsumerID
	if id == "" && c.ConsumerIDSuffix != "" {
		id = "default" + "-" + c.ConsumerIDSuffix
	} else if id != "" && c.ConsumerIDSuffix != "" {
		id = id + "-" + c.ConsumerIDSuffix
	}
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: consumerId resolves to blank (set ConsumerID or ConsumerIDSuffix)", ErrConfig)
	}
	return id, nil
}

// Validate checks that every required callback and tunable is present.
// Required: exactly one of ExtractMessagesFromRecord/ExtractMessageFromRecord,
// ResolveEventIDAndSeqNos, DiscardUnusableRecord, DiscardRejectedMessage,
// the dead-letter queue names, BatchStateTableName, a
// TimeoutAtPercentageOfRemainingTime in (0,1], a MaxNumberOfAttempts of at
// least 1, and a resolvable consumer id.
func (c *Config) Validate() error {
	if c.ExtractMessagesFromRecord == nil && c.ExtractMessageFromRecord == nil {
		return fmt.Errorf("%w: one of ExtractMessagesFromRecord or ExtractMessageFromRecord is required", ErrConfig)
	}
	if c.ExtractMessagesFromRecord != nil && c.ExtractMessageFromRecord != nil {
		return fmt.Errorf("%w: ExtractMessagesFromRecord and ExtractMessageFromRecord are mutually exclusive", ErrConfig)
	}
	if c.ResolveEventIDAndSeqNos == nil {
		return fmt.Errorf("%w: ResolveEventIDAndSeqNos is required", ErrConfig)
	}
	if c.DiscardUnusableRecord == nil {
		return fmt.Errorf("%w: DiscardUnusableRecord is required", ErrConfig)
	}
	if c.DiscardRejectedMessage == nil {
		return fmt.Errorf("%w: DiscardRejectedMessage is required", ErrConfig)
	}
	if c.DeadRecordQueueName == "" || c.DeadMessageQueueName == "" {
		return fmt.Errorf("%w: DeadRecordQueueName and DeadMessageQueueName are required", ErrConfig)
	}
	if c.BatchStateTableName == "" {
		return fmt.Errorf("%w: BatchStateTableName is required", ErrConfig)
	}
	if c.TimeoutAtPercentageOfRemainingTime <= 0 || c.TimeoutAtPercentageOfRemainingTime > 1 {
		return fmt.Errorf("%w: TimeoutAtPercentageOfRemainingTime must be in (0,1]", ErrConfig)
	}
	if c.MaxNumberOfAttempts < 1 {
		return fmt.Errorf("%w: MaxNumberOfAttempts must be >= 1", ErrConfig)
	}
	if _, err := c.EffectiveConsumerID(); err != nil {
		return err
	}
	return nil
}
