// ABOUTME: Fanout orchestrator delivering one message to every connection of an entity
// ABOUTME: Splits connections into local and remote groups dispatched concurrently

package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Directory resolves every connection subscribed to an entity, fleet-wide.
type Directory interface {
	ListConnections(ctx context.Context, entity Entity) ([]StoredConnectionEntity, error)
}

// LocalTable is the set of connections held by this gateway process.
// Implementations must be safe for concurrent use.
type LocalTable interface {
	HasConnection(connectionID string) bool
	SendMessage(ctx context.Context, connectionID string, msg Message) error
}

// RelayBridge hands messages to whichever gateway owns a connection.
type RelayBridge interface {
	AcquireHandle(ctx context.Context) (RelayHandle, error)
}

// RelayHandle publishes to the relay. One handle is acquired per call and
// every remote dispatch task publishes through its own Clone, so no task
// waits on another for the underlying channel.
type RelayHandle interface {
	Publish(ctx context.Context, connectionID string, msg Message) error
	// Clone returns an independent handle the caller must Close.
	Clone() (RelayHandle, error)
	Close() error
}

// FailurePolicy decides what a failed dispatch does to its siblings.
type FailurePolicy string

const (
	// PolicyDropGroup discards every outcome of a group (local or remote)
	// as soon as one task in it fails.
	PolicyDropGroup FailurePolicy = "drop_group"

	// PolicyKeepPartial waits for every task and keeps the successful ones.
	PolicyKeepPartial FailurePolicy = "keep_partial"
)

// Valid reports whether p is a known policy.
func (p FailurePolicy) Valid() bool {
	return p == PolicyDropGroup || p == PolicyKeepPartial
}

// Config holds the collaborators and tuning for an Orchestrator.
type Config struct {
	Directory Directory
	Local     LocalTable
	Relay     RelayBridge
	Liveness  LivenessPolicy

	// Policy defaults to PolicyDropGroup.
	Policy FailurePolicy

	// MaxConcurrency caps in-flight tasks per group; 0 means unbounded.
	MaxConcurrency int

	Logger *slog.Logger
}

// Orchestrator is the single entry point for entity fanout. It holds no
// mutable delivery state; all of that lives in its collaborators.
type Orchestrator struct {
	directory      Directory
	local          LocalTable
	relay          RelayBridge
	liveness       LivenessPolicy
	policy         FailurePolicy
	maxConcurrency int
	logger         *slog.Logger
	stats          counters
}

// New creates an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Policy
	if !policy.Valid() {
		policy = PolicyDropGroup
	}
	liveness := cfg.Liveness
	if liveness.Threshold <= 0 {
		liveness = NewLivenessPolicy(0)
	}
	return &Orchestrator{
		directory:      cfg.Directory,
		local:          cfg.Local,
		relay:          cfg.Relay,
		liveness:       liveness,
		policy:         policy,
		maxConcurrency: cfg.MaxConcurrency,
		logger:         logger.With("component", "fanout"),
	}
}

// Policy returns the failure policy in effect.
func (o *Orchestrator) Policy() FailurePolicy {
	return o.policy
}

// dispatchFunc attempts delivery to one connection.
type dispatchFunc func(ctx context.Context, conn StoredConnectionEntity) (DeliveryOutcome, error)

// DeliverToEntity delivers msg to every connection subscribed to entity and
// returns one receipt per reached user. It fails only when the directory
// lookup fails or no relay handle can be acquired; dispatch failures degrade
// the receipts instead.
func (o *Orchestrator) DeliverToEntity(ctx context.Context, entity Entity, msg Message) ([]MessageReceipt, error) {
	o.stats.calls.Add(1)

	conns, err := o.directory.ListConnections(ctx, entity)
	if err != nil {
		o.stats.resolveFailures.Add(1)
		o.logger.Error("resolving entity failed", "entity", entity.String(), "error", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrResolve, entity, err)
	}
	if len(conns) == 0 {
		return []MessageReceipt{}, nil
	}

	local, remote := o.partition(conns)

	var handle RelayHandle
	if len(remote) > 0 {
		if o.relay == nil {
			return nil, fmt.Errorf("%w: no relay configured", ErrAcquireRelay)
		}
		handle, err = o.relay.AcquireHandle(ctx)
		if err != nil {
			o.logger.Error("acquiring relay handle failed", "entity", entity.String(), "error", err)
			return nil, fmt.Errorf("%w: %w", ErrAcquireRelay, err)
		}
		defer func() {
			if err := handle.Close(); err != nil {
				o.logger.Debug("closing relay handle", "error", err)
			}
		}()
	}

	o.stats.localAttempted.Add(int64(len(local)))
	o.stats.remoteAttempted.Add(int64(len(remote)))

	var localOut, remoteOut []DeliveryOutcome
	var groups errgroup.Group
	groups.Go(func() error {
		localOut = o.runGroup(ctx, "local", entity, local, o.sendLocal(msg))
		return nil
	})
	groups.Go(func() error {
		remoteOut = o.runGroup(ctx, "remote", entity, remote, o.publishRemote(handle, msg))
		return nil
	})
	_ = groups.Wait()

	outcomes := make([]DeliveryOutcome, 0, len(localOut)+len(remoteOut))
	outcomes = append(outcomes, localOut...)
	outcomes = append(outcomes, remoteOut...)
	receipts := Aggregate(outcomes)
	o.stats.receipts.Add(int64(len(receipts)))

	o.logger.Debug("fanout complete",
		"entity", entity.String(),
		"message_id", msg.ID,
		"local", len(local),
		"remote", len(remote),
		"outcomes", len(outcomes),
		"receipts", len(receipts),
	)
	return receipts, nil
}

// partition splits connections by whether this process holds them.
func (o *Orchestrator) partition(conns []StoredConnectionEntity) (local, remote []StoredConnectionEntity) {
	for _, c := range conns {
		if o.local != nil && o.local.HasConnection(c.ConnectionID) {
			local = append(local, c)
		} else {
			remote = append(remote, c)
		}
	}
	return local, remote
}

func (o *Orchestrator) sendLocal(msg Message) dispatchFunc {
	return func(ctx context.Context, conn StoredConnectionEntity) (DeliveryOutcome, error) {
		if err := o.local.SendMessage(ctx, conn.ConnectionID, msg); err != nil {
			return DeliveryOutcome{}, fmt.Errorf("%w: connection %s: %w", ErrLocalSend, conn.ConnectionID, err)
		}
		return DeliveryOutcome{
			UserID:    conn.UserID,
			Delivered: true,
			Active:    o.liveness.Active(conn.LastActiveAt),
		}, nil
	}
}

// publishRemote reports activity from the directory timestamp alone: a
// successful publish says nothing about whether the owner still holds the
// connection.
func (o *Orchestrator) publishRemote(root RelayHandle, msg Message) dispatchFunc {
	return func(ctx context.Context, conn StoredConnectionEntity) (DeliveryOutcome, error) {
		handle, err := root.Clone()
		if err != nil {
			return DeliveryOutcome{}, fmt.Errorf("%w: connection %s: cloning handle: %w", ErrRemotePublish, conn.ConnectionID, err)
		}
		defer func() {
			if err := handle.Close(); err != nil {
				o.logger.Debug("closing relay handle clone", "error", err)
			}
		}()

		if err := handle.Publish(ctx, conn.ConnectionID, msg); err != nil {
			return DeliveryOutcome{}, fmt.Errorf("%w: connection %s: %w", ErrRemotePublish, conn.ConnectionID, err)
		}
		return DeliveryOutcome{
			UserID:    conn.UserID,
			Delivered: true,
			Active:    o.liveness.Active(conn.LastActiveAt),
		}, nil
	}
}

// runGroup dispatches to every connection of one group concurrently and
// applies the failure policy to the collected results.
func (o *Orchestrator) runGroup(ctx context.Context, group string, entity Entity, conns []StoredConnectionEntity, dispatch dispatchFunc) []DeliveryOutcome {
	if len(conns) == 0 {
		return nil
	}
	if o.policy == PolicyKeepPartial {
		return o.runKeepPartial(ctx, group, entity, conns, dispatch)
	}
	return o.runDropGroup(ctx, group, entity, conns, dispatch)
}

func (o *Orchestrator) runDropGroup(ctx context.Context, group string, entity Entity, conns []StoredConnectionEntity, dispatch dispatchFunc) []DeliveryOutcome {
	results := make([]DeliveryOutcome, len(conns))

	g, gctx := errgroup.WithContext(ctx)
	if o.maxConcurrency > 0 {
		g.SetLimit(o.maxConcurrency)
	}
	for i, conn := range conns {
		g.Go(func() error {
			out, err := dispatch(gctx, conn)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		o.stats.groupsDropped.Add(1)
		o.stats.dispatchFailures.Add(1)
		o.logger.Warn("dispatch group dropped",
			"group", group,
			"entity", entity.String(),
			"connections", len(conns),
			"error", err,
		)
		return nil
	}
	return results
}

func (o *Orchestrator) runKeepPartial(ctx context.Context, group string, entity Entity, conns []StoredConnectionEntity, dispatch dispatchFunc) []DeliveryOutcome {
	results := make([]DeliveryOutcome, len(conns))
	errs := make([]error, len(conns))

	var g errgroup.Group
	if o.maxConcurrency > 0 {
		g.SetLimit(o.maxConcurrency)
	}
	for i, conn := range conns {
		g.Go(func() error {
			results[i], errs[i] = dispatch(ctx, conn)
			return nil
		})
	}
	_ = g.Wait()

	kept := results[:0]
	for i, out := range results {
		if errs[i] != nil {
			o.stats.dispatchFailures.Add(1)
			o.logger.Warn("dispatch failed",
				"group", group,
				"entity", entity.String(),
				"error", errs[i],
			)
			continue
		}
		kept = append(kept, out)
	}
	return kept
}

// Stats is a point-in-time copy of the orchestrator counters.
type Stats struct {
	Calls            int64 `json:"calls"`
	ResolveFailures  int64 `json:"resolve_failures"`
	LocalAttempted   int64 `json:"local_attempted"`
	RemoteAttempted  int64 `json:"remote_attempted"`
	DispatchFailures int64 `json:"dispatch_failures"`
	GroupsDropped    int64 `json:"groups_dropped"`
	Receipts         int64 `json:"receipts"`
}

type counters struct {
	calls            atomic.Int64
	resolveFailures  atomic.Int64
	localAttempted   atomic.Int64
	remoteAttempted  atomic.Int64
	dispatchFailures atomic.Int64
	groupsDropped    atomic.Int64
	receipts         atomic.Int64
}

// Stats returns the current counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Calls:            o.stats.calls.Load(),
		ResolveFailures:  o.stats.resolveFailures.Load(),
		LocalAttempted:   o.stats.localAttempted.Load(),
		RemoteAttempted:  o.stats.remoteAttempted.Load(),
		DispatchFailures: o.stats.dispatchFailures.Load(),
		GroupsDropped:    o.stats.groupsDropped.Load(),
		Receipts:         o.stats.receipts.Load(),
	}
}
