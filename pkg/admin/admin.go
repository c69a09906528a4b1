// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package admin implements the AdminAPI request surface of spec.md §4.4.3:
// add/update/remove nodes, mark-shards-as-provisioned, bump-generation,
// bootstrap-cluster, settings overrides with TTL, and log-tree snapshot
// requests. Per spec.md §9's design note, AdminAPI is modeled as
// composition of independent capability providers (NodesConfig,
// ClusterMembership, Maintenance-adjacent settings) behind one dispatcher,
// rather than the source's deep capability-handler inheritance chain.
package admin

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logflow/pkg/lferrors"
	"github.com/cockroachdb/logflow/pkg/logpb"
	"github.com/cockroachdb/logflow/pkg/nodereg"
	"github.com/cockroachdb/logflow/pkg/nodes"
	"github.com/cockroachdb/logflow/pkg/nodestore"
	"github.com/cockroachdb/logflow/pkg/settings"
	"github.com/cockroachdb/logflow/pkg/util/log"
	"golang.org/x/sync/errgroup"
)

// FailureReason enumerates the per-node admin failure reasons named in
// spec.md §4.4.3/§6.
type FailureReason string

const (
	ReasonAlreadyExists              FailureReason = "ALREADY_EXISTS"
	ReasonInvalidRequestNodesConfig  FailureReason = "INVALID_REQUEST_NODES_CONFIG"
	ReasonNoMatchInConfig            FailureReason = "NO_MATCH_IN_CONFIG"
	ReasonNotDead                    FailureReason = "NOT_DEAD"
	ReasonNotDisabled                FailureReason = "NOT_DISABLED"
	ReasonInvalidParam               FailureReason = "INVALID_PARAM"
)

// NodeFailure pairs a node with why its request failed.
type NodeFailure struct {
	NodeIndex logpb.NodeIndex
	Reason    FailureReason
}

// ClusterMembershipOperationFailed batches per-node failures from a
// partial-success admin call (spec.md §4.4.4: "Per-request admin errors
// are batched ... carrying a per-node (node_id, reason) list").
type ClusterMembershipOperationFailed struct {
	Failures []NodeFailure
}

func (e *ClusterMembershipOperationFailed) Error() string {
	return errors.Newf("cluster membership operation failed for %d node(s)", len(e.Failures)).Error()
}

// FailureDetector reports whether a node is DEAD, the external
// collaborator named throughout spec.md §4.4.3 removeNodes ("DEAD per the
// external failure detector"). It is out of scope for this module to
// implement; callers supply one.
type FailureDetector interface {
	IsDead(idx logpb.NodeIndex) bool
}

// AddSingleNodeRequest is one element of an addNodes call (spec.md §6).
type AddSingleNodeRequest struct {
	NodeIndex *logpb.NodeIndex // nil means "any free index"
	Config    logpb.NodeConfig
}

// UpdateSingleNodeRequest is one element of an updateNodes call.
type UpdateSingleNodeRequest struct {
	NodeToBeUpdated logpb.NodeIndex
	NewConfig       logpb.NodeConfig
}

// NodeFilter selects zero or more nodes for removeNodes/bumpNodeGeneration
// (spec.md §4.4.3: "each filter resolves to >=0 matching indices").
type NodeFilter struct {
	NodeIndex *logpb.NodeIndex
	Name      *string
}

func (f NodeFilter) matches(idx logpb.NodeIndex, sd logpb.NodeServiceDiscovery) bool {
	if f.NodeIndex != nil && *f.NodeIndex != idx {
		return false
	}
	if f.Name != nil && *f.Name != sd.Name {
		return false
	}
	return true
}

// API is the AdminAPI dispatcher, composed of a Holder (current
// NodesConfiguration snapshot), a Store (for persisting updates), a
// settings.Overrides holder, and an injected FailureDetector.
type API struct {
	holder   *nodereg.Holder
	store    nodestore.Store
	overrides *settings.Overrides
	detector FailureDetector

	nextFreeIndex logpb.NodeIndex
}

// New constructs an API.
func New(holder *nodereg.Holder, store nodestore.Store, overrides *settings.Overrides, detector FailureDetector) *API {
	return &API{holder: holder, store: store, overrides: overrides, detector: detector}
}

// commit pushes next to the store under optimistic concurrency against
// current.Version and installs it into the holder on success. Unlike
// nodereg.Handler, admin mutations do not retry on VERSION_MISMATCH
// themselves (spec.md §4.4.4: "version-mismatch against the store is
// resolved via refresh-and-retry" is NodeRegistrationHandler's job; admin
// calls surface the race to the caller as ErrVersionMismatch so a retrying
// client controls its own request idempotence).
func (a *API) commit(ctx context.Context, current, next *nodes.NodesConfiguration) error {
	blob, err := next.Serialize()
	if err != nil {
		return errors.Wrap(err, "serialize updated nodes configuration")
	}
	res, err := a.store.UpdateConfigSync(ctx, blob, current.Version)
	if err != nil {
		return err
	}
	if res.Status != nodestore.StatusOK {
		return lferrors.Mark(lferrors.ErrVersionMismatch, "nodes configuration store rejected update: %s", res.Status)
	}
	a.holder.Set(next)
	return nil
}

// AddNodes implements spec.md §4.4.3 addNodes.
func (a *API) AddNodes(ctx context.Context, reqs []AddSingleNodeRequest) ([]logpb.NodeConfig, uint64, error) {
	current := a.holder.Get()
	var failures []NodeFailure
	var added []logpb.NodeConfig
	entries := make([]nodes.ServiceDiscoveryEntryUpdate, 0, len(reqs))
	var provisions []nodes.ShardUpdate

	usedNames := map[string]bool{}
	usedAddrs := map[string]bool{}
	for _, sd := range current.ServiceDiscovery {
		usedNames[sd.Name] = true
		usedAddrs[sd.Address] = true
	}

	validations := ValidateBatch(ctx, reqs)

	for i, req := range reqs {
		idx := a.allocateIndex(current, req.NodeIndex)

		if _, exists := current.ServiceDiscovery[idx]; exists || usedNames[req.Config.ServiceDiscovery.Name] || usedAddrs[req.Config.ServiceDiscovery.Address] {
			failures = append(failures, NodeFailure{NodeIndex: idx, Reason: ReasonAlreadyExists})
			continue
		}
		if validations[i] != nil {
			failures = append(failures, NodeFailure{NodeIndex: idx, Reason: ReasonInvalidRequestNodesConfig})
			continue
		}

		usedNames[req.Config.ServiceDiscovery.Name] = true
		usedAddrs[req.Config.ServiceDiscovery.Address] = true

		entries = append(entries, nodes.ServiceDiscoveryEntryUpdate{
			NodeIndex: idx,
			Discovery: req.Config.ServiceDiscovery,
			Storage:   req.Config.Storage,
		})
		if req.Config.Storage != nil {
			for i := int32(0); i < req.Config.Storage.NumShards; i++ {
				provisions = append(provisions, nodes.ShardUpdate{
					Shard:      logpb.ShardID{NodeIndex: idx, ShardIndex: logpb.ShardIndex(i)},
					Transition: nodes.TransitionProvisionShard,
				})
			}
		}
		cfg := req.Config
		cfg.NodeIndex = idx
		added = append(added, cfg)
	}

	if len(entries) == 0 {
		if len(failures) > 0 {
			return nil, current.Version, &ClusterMembershipOperationFailed{Failures: failures}
		}
		return nil, current.Version, nil
	}

	update := nodes.Update{ServiceDiscoveryUpdate: &nodes.ServiceDiscoveryUpdate{Entries: entries}}
	if len(provisions) > 0 {
		update.StorageMembershipUpdate = &nodes.StorageMembershipUpdate{
			BaseVersion: current.StorageMembership.Version,
			Transitions: provisions,
		}
	}
	next, err := current.ApplyUpdate(update)
	if err != nil {
		return nil, current.Version, err
	}
	if err := a.commit(ctx, current, next); err != nil {
		return nil, current.Version, err
	}
	if len(failures) > 0 {
		return added, next.Version, &ClusterMembershipOperationFailed{Failures: failures}
	}
	return added, next.Version, nil
}

func (a *API) allocateIndex(current *nodes.NodesConfiguration, requested *logpb.NodeIndex) logpb.NodeIndex {
	if requested != nil {
		return *requested
	}
	idx := a.nextFreeIndex
	for {
		if _, exists := current.ServiceDiscovery[idx]; !exists {
			a.nextFreeIndex = idx + 1
			return idx
		}
		idx++
	}
}

// UpdateNodes implements spec.md §4.4.3 updateNodes.
func (a *API) UpdateNodes(ctx context.Context, reqs []UpdateSingleNodeRequest) ([]logpb.NodeConfig, uint64, error) {
	current := a.holder.Get()
	var failures []NodeFailure
	var updated []logpb.NodeConfig
	var entries []nodes.ServiceDiscoveryEntryUpdate

	for _, req := range reqs {
		if req.NodeToBeUpdated != req.NewConfig.NodeIndex {
			failures = append(failures, NodeFailure{NodeIndex: req.NodeToBeUpdated, Reason: ReasonInvalidRequestNodesConfig})
			continue
		}
		if _, exists := current.ServiceDiscovery[req.NodeToBeUpdated]; !exists {
			failures = append(failures, NodeFailure{NodeIndex: req.NodeToBeUpdated, Reason: ReasonNoMatchInConfig})
			continue
		}
		entries = append(entries, nodes.ServiceDiscoveryEntryUpdate{
			NodeIndex: req.NodeToBeUpdated,
			Discovery: req.NewConfig.ServiceDiscovery,
			Storage:   req.NewConfig.Storage,
		})
		updated = append(updated, req.NewConfig)
	}

	if len(entries) == 0 {
		if len(failures) > 0 {
			return nil, current.Version, &ClusterMembershipOperationFailed{Failures: failures}
		}
		return nil, current.Version, nil
	}

	next, err := current.ApplyUpdate(nodes.Update{ServiceDiscoveryUpdate: &nodes.ServiceDiscoveryUpdate{Entries: entries}})
	if err != nil {
		// An immutable-attribute change (location) fails the whole
		// sub-update; spec.md §6 surfaces this as
		// NodesConfigurationManagerError(INVALID_PARAM) rather than a
		// per-node batched failure, since applyUpdate's all-or-nothing
		// semantics already reject it atomically.
		if errors.Is(err, lferrors.ErrInvalidParam) {
			return nil, current.Version, errors.Wrap(err, "NodesConfigurationManagerError")
		}
		return nil, current.Version, err
	}
	if err := a.commit(ctx, current, next); err != nil {
		return nil, current.Version, err
	}
	if len(failures) > 0 {
		return updated, next.Version, &ClusterMembershipOperationFailed{Failures: failures}
	}
	return updated, next.Version, nil
}

// RemoveNodes implements spec.md §4.4.3 removeNodes.
func (a *API) RemoveNodes(ctx context.Context, filters []NodeFilter) ([]logpb.NodeIndex, uint64, error) {
	current := a.holder.Get()
	var failures []NodeFailure
	var removable []logpb.NodeIndex

	for _, f := range filters {
		for _, idx := range current.AllNodeIndices() {
			sd := current.ServiceDiscovery[idx]
			if !f.matches(idx, sd) {
				continue
			}
			if !a.detector.IsDead(idx) {
				failures = append(failures, NodeFailure{NodeIndex: idx, Reason: ReasonNotDead})
				continue
			}
			allEmpty := true
			for _, shard := range current.ShardsForNode(idx) {
				st := current.StorageMembership.Shards[shard]
				if st.StorageState != logpb.StorageStateNone && st.StorageState != logpb.StorageStateDisabled {
					allEmpty = false
					break
				}
			}
			if !allEmpty {
				failures = append(failures, NodeFailure{NodeIndex: idx, Reason: ReasonNotDisabled})
				continue
			}
			removable = append(removable, idx)
		}
	}

	if len(removable) == 0 {
		if len(failures) > 0 {
			return nil, current.Version, &ClusterMembershipOperationFailed{Failures: failures}
		}
		return nil, current.Version, nil
	}

	entries := make([]nodes.ServiceDiscoveryEntryUpdate, 0, len(removable))
	for _, idx := range removable {
		entries = append(entries, nodes.ServiceDiscoveryEntryUpdate{NodeIndex: idx, Remove: true})
	}
	next, err := current.ApplyUpdate(nodes.Update{ServiceDiscoveryUpdate: &nodes.ServiceDiscoveryUpdate{Entries: entries}})
	if err != nil {
		return nil, current.Version, err
	}
	if err := a.commit(ctx, current, next); err != nil {
		return nil, current.Version, err
	}
	if len(failures) > 0 {
		return removable, next.Version, &ClusterMembershipOperationFailed{Failures: failures}
	}
	return removable, next.Version, nil
}

// MarkShardsAsProvisioned implements spec.md §4.4.3. shard_index == -1
// (logpb.AllShards) expands to every shard of the node.
func (a *API) MarkShardsAsProvisioned(ctx context.Context, shards []logpb.ShardID) ([]logpb.ShardID, uint64, error) {
	current := a.holder.Get()

	var expanded []logpb.ShardID
	for _, s := range shards {
		if s.ShardIndex == logpb.AllShards {
			expanded = append(expanded, current.ShardsForNode(s.NodeIndex)...)
			continue
		}
		expanded = append(expanded, s)
	}

	var transitions []nodes.ShardUpdate
	var updatedCandidates []logpb.ShardID
	for _, s := range expanded {
		if st, ok := current.StorageMembership.Shards[s]; ok && st.StorageState == logpb.StorageStateProvisioning {
			transitions = append(transitions, nodes.ShardUpdate{Shard: s, Transition: nodes.TransitionMarkShardProvisioned})
			updatedCandidates = append(updatedCandidates, s)
		}
	}

	if len(transitions) == 0 {
		return nil, current.Version, nil
	}

	next, err := current.ApplyUpdate(nodes.Update{StorageMembershipUpdate: &nodes.StorageMembershipUpdate{
		BaseVersion: current.StorageMembership.Version,
		Transitions: transitions,
	}})
	if err != nil {
		return nil, current.Version, err
	}
	if err := a.commit(ctx, current, next); err != nil {
		return nil, current.Version, err
	}
	return updatedCandidates, next.Version, nil
}

// BumpNodeGeneration implements spec.md §4.4.3.
func (a *API) BumpNodeGeneration(ctx context.Context, filters []NodeFilter) ([]logpb.NodeIndex, uint64, error) {
	current := a.holder.Get()

	var bumped []logpb.NodeIndex
	entries := make([]nodes.ServiceDiscoveryEntryUpdate, 0)
	for _, f := range filters {
		for _, idx := range current.AllNodeIndices() {
			sd := current.ServiceDiscovery[idx]
			if !f.matches(idx, sd) {
				continue
			}
			sa, ok := current.StorageAttributes[idx]
			if !ok {
				continue
			}
			sa.Generation++
			entries = append(entries, nodes.ServiceDiscoveryEntryUpdate{NodeIndex: idx, Discovery: sd, Storage: &sa})
			bumped = append(bumped, idx)
		}
	}

	if len(entries) == 0 {
		return nil, current.Version, nil
	}

	next, err := current.ApplyUpdate(nodes.Update{ServiceDiscoveryUpdate: &nodes.ServiceDiscoveryUpdate{Entries: entries}})
	if err != nil {
		return nil, current.Version, err
	}
	if err := a.commit(ctx, current, next); err != nil {
		return nil, current.Version, err
	}
	return bumped, next.Version, nil
}

// ErrAlreadyBootstrapped is returned by BootstrapCluster when both
// memberships are already non-bootstrapping (spec.md §4.4.3: "Idempotent:
// returns ALREADY_BOOTSTRAPPED").
var ErrAlreadyBootstrapped = lferrors.Mark(lferrors.ErrUptodate, "cluster already bootstrapped")

// BootstrapCluster implements spec.md §4.4.3 bootstrapCluster: in one
// atomic update, sets the metadata replication property, enables every
// NONE shard, enables every sequencer node, and finalizes bootstrapping.
func (a *API) BootstrapCluster(ctx context.Context, replication nodes.MetadataReplicationProperty) (uint64, error) {
	current := a.holder.Get()
	if !current.IsBootstrapping() {
		return current.Version, ErrAlreadyBootstrapped
	}

	var shardTransitions []nodes.ShardUpdate
	for id, st := range current.StorageMembership.Shards {
		if st.StorageState == logpb.StorageStateNone {
			shardTransitions = append(shardTransitions, nodes.ShardUpdate{Shard: id, Transition: nodes.TransitionBootstrapEnableShard})
		}
	}

	var seqNodes []nodes.SequencerNodeUpdate
	for idx, attrs := range current.SequencerMembership.Nodes {
		attrs.Enabled = true
		seqNodes = append(seqNodes, nodes.SequencerNodeUpdate{NodeIndex: idx, Attrs: attrs})
	}

	update := nodes.Update{
		MetadataReplicationProperty: &replication,
		FinalizeBootstrapping:       true,
	}
	if len(shardTransitions) > 0 {
		update.StorageMembershipUpdate = &nodes.StorageMembershipUpdate{
			BaseVersion: current.StorageMembership.Version,
			Transitions: shardTransitions,
		}
	}
	if len(seqNodes) > 0 {
		update.SequencerMembershipUpdate = &nodes.SequencerMembershipUpdate{
			BaseVersion: current.SequencerMembership.Version,
			Nodes:       seqNodes,
		}
	}

	next, err := current.ApplyUpdate(update)
	if err != nil {
		return current.Version, errors.Wrap(err, "InvalidRequest")
	}
	if err := a.commit(ctx, current, next); err != nil {
		return current.Version, err
	}
	return next.Version, nil
}

// ApplySettingOverride implements spec.md §4.4.3 applySettingOverride.
func (a *API) ApplySettingOverride(name, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.Wrap(lferrors.Mark(lferrors.ErrInvalidParam, "ttl must be positive"), "InvalidRequest")
	}
	if err := a.overrides.Apply(name, value, ttl); err != nil {
		return errors.Wrap(err, "InvalidRequest")
	}
	return nil
}

// RemoveSettingOverride implements spec.md §4.4.3 removeSettingOverride.
func (a *API) RemoveSettingOverride(name string) {
	a.overrides.Remove(name)
}

// GetSettings implements spec.md §6 getSettings.
func (a *API) GetSettings(names []string) (map[string]settings.Value, error) {
	if len(names) == 0 {
		return a.overrides.All()
	}
	out := make(map[string]settings.Value, len(names))
	for _, n := range names {
		v, err := a.overrides.Get(n)
		if err != nil {
			return nil, err
		}
		out[n] = v
	}
	return out, nil
}

// GetNodesConfig implements spec.md §6 getNodesConfig.
func (a *API) GetNodesConfig(filter []logpb.NodeIndex) ([]logpb.NodeConfig, uint64) {
	current := a.holder.Get()
	var out []logpb.NodeConfig
	if len(filter) == 0 {
		for _, idx := range current.AllNodeIndices() {
			cfg, _ := current.NodeConfig(idx)
			out = append(out, cfg)
		}
		return out, current.Version
	}
	for _, idx := range filter {
		if cfg, ok := current.NodeConfig(idx); ok {
			out = append(out, cfg)
		}
	}
	return out, current.Version
}

// ErrStaleVersion and ErrNodeNotReady back takeLogTreeSnapshot /
// takeMaintenanceLogSnapshot (spec.md §6).
var (
	ErrStaleVersion = lferrors.Mark(lferrors.ErrStale, "requested version is stale")
	ErrNodeNotReady = lferrors.Mark(lferrors.ErrNotReady, "node is not ready")
)

// LogTreeSnapshotter is the external log-tree metadata service collaborator
// (out of scope per spec.md §1) that takeLogTreeSnapshot delegates to.
type LogTreeSnapshotter interface {
	CurrentVersion() uint64
	Ready() bool
	TakeSnapshot(ctx context.Context) error
}

// TakeLogTreeSnapshot implements spec.md §4.4.3 takeLogTreeSnapshot.
func (a *API) TakeLogTreeSnapshot(ctx context.Context, minVersion uint64, svc LogTreeSnapshotter) error {
	if !svc.Ready() {
		return ErrNodeNotReady
	}
	if svc.CurrentVersion() < minVersion {
		return ErrStaleVersion
	}
	return svc.TakeSnapshot(ctx)
}

// ValidateBatch runs independent per-node structural validation checks
// concurrently across a fan-out (golang.org/x/sync/errgroup), used by
// AddNodes to check a large batch without serializing the checks. The
// returned slice is indexed like reqs; a nil entry means the request at
// that index is structurally valid.
func ValidateBatch(ctx context.Context, reqs []AddSingleNodeRequest) []error {
	results := make([]error, len(reqs))
	g, _ := errgroup.WithContext(ctx)
	for i := range reqs {
		i, req := i, reqs[i]
		g.Go(func() error {
			results[i] = validateSingleNodeRequest(req)
			return nil
		})
	}
	_ = g.Wait()
	for i, err := range results {
		if err != nil {
			log.Warningf(ctx, "batch validation failed for request %d: %v", i, err)
		}
	}
	return results
}

func validateSingleNodeRequest(req AddSingleNodeRequest) error {
	if req.Config.ServiceDiscovery.Address == "" || req.Config.ServiceDiscovery.Roles == 0 {
		return lferrors.Mark(lferrors.ErrInvalidParam, "request missing data address or roles")
	}
	if req.Config.HasRole(logpb.RoleStorage) && req.Config.Storage == nil {
		return lferrors.Mark(lferrors.ErrInvalidParam, "storage role requires storage attributes")
	}
	return nil
}
