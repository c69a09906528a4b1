// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logflow/pkg/admin"
	"github.com/cockroachdb/logflow/pkg/base"
	"github.com/cockroachdb/logflow/pkg/logpb"
	"github.com/cockroachdb/logflow/pkg/nodereg"
	"github.com/cockroachdb/logflow/pkg/nodes"
	"github.com/cockroachdb/logflow/pkg/nodestore"
	"github.com/cockroachdb/logflow/pkg/rpc"
	"github.com/cockroachdb/logflow/pkg/sender"
	"github.com/cockroachdb/logflow/pkg/settings"
	"github.com/cockroachdb/logflow/pkg/util/log"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

// startCtx holds the flags bound to the "start" command, mirroring the
// teacher's serverCfg/startCtx package-level flag target pattern in
// pkg/cli/flags.go.
var startCtx struct {
	nodeName   string
	listenAddr string
	storeAddr  string
	dev        bool
	numShards  int
}

// bootstrapCtx holds the flags bound to "bootstrap".
var bootstrapCtx struct {
	storeAddr         string
	replicationFactor int
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "logflow-node",
		Short: "run and administer a logflow cluster node",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "start a logflow node and register it with the cluster",
		Args:  cobra.NoArgs,
		RunE:  runStart,
	}
	f := startCmd.Flags()
	f.StringVar(&startCtx.nodeName, "name", "", "this node's service discovery name")
	f.StringVar(&startCtx.listenAddr, "listen-addr", "127.0.0.1:4440", "address this node advertises for data traffic")
	f.StringVar(&startCtx.storeAddr, "store-addr", "", "address of the nodestore gRPC endpoint (empty uses an in-process store, for -dev only)")
	f.BoolVar(&startCtx.dev, "dev", false, "run a single-process development deployment with an in-memory store")
	f.IntVar(&startCtx.numShards, "num-shards", 1, "number of local storage shards this node provisions")

	bootstrapCmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "bootstrap a freshly provisioned cluster",
		Args:  cobra.NoArgs,
		RunE:  runBootstrap,
	}
	bf := bootstrapCmd.Flags()
	bf.StringVar(&bootstrapCtx.storeAddr, "store-addr", "", "address of the nodestore gRPC endpoint")
	bf.IntVar(&bootstrapCtx.replicationFactor, "metadata-replication-factor", 3, "replication factor for the metadata log")

	root.AddCommand(startCmd, bootstrapCmd)
	return root
}

// Run is the testable entry point invoked by main.
func Run(args []string) error {
	root := newRootCommand()
	root.SetArgs(args)
	return root.Execute()
}

// dialStore resolves the nodestore.Store a command should use: a shared
// in-memory store for -dev deployments, otherwise a real gRPC dial to
// storeAddr (SPEC_FULL.md §3.5).
func dialStore(ctx context.Context, storeAddr string, dev bool) (nodestore.Store, func(), error) {
	if dev || storeAddr == "" {
		return nodestore.NewMemory(), func() {}, nil
	}
	cc, err := grpc.DialContext(ctx, storeAddr,
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("logflow-json")),
		grpc.WithInsecure(), //nolint:staticcheck // matches base.Context.Insecure dev/test posture
	)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "dial nodestore at %s", storeAddr)
	}
	return nodestore.NewGRPC(cc), func() { _ = cc.Close() }, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if startCtx.nodeName == "" {
		return errors.New("--name is required")
	}

	store, closeStore, err := dialStore(ctx, startCtx.storeAddr, startCtx.dev)
	if err != nil {
		return err
	}
	defer closeStore()

	blob, version, err := store.GetConfigSync(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch initial nodes configuration")
	}
	var initial *nodes.NodesConfiguration
	if len(blob) == 0 && version == 0 {
		initial = nodes.Empty()
	} else {
		initial, err = nodes.Deserialize(blob)
		if err != nil {
			return errors.Wrap(err, "decode initial nodes configuration")
		}
	}
	holder := nodereg.NewHolder(initial)
	regHandler := nodereg.New(store, holder)

	localIndex := LocalNodeIndex(initial)
	localSettings := nodereg.LocalNodeSettings{
		NodeIndex: localIndex,
		Discovery: logpb.NodeServiceDiscovery{
			Name:    startCtx.nodeName,
			Address: startCtx.listenAddr,
			Roles:   logpb.RoleSequencer | logpb.RoleStorage,
		},
		Sequencer: &logpb.SequencerAttributes{Enabled: true, Weight: 1},
		Storage:   &logpb.StorageAttributes{NumShards: int32(startCtx.numShards)},
	}

	nc, err := regHandler.RegisterOrUpdate(ctx, localSettings)
	if err != nil {
		return errors.Wrap(err, "register with cluster")
	}
	log.Infof(ctx, "registered node %q as index %d at version %d", startCtx.nodeName, localSettings.NodeIndex, nc.Version)

	overrides := settingsOverrides()
	baseCtx := &base.Context{Addr: startCtx.listenAddr, Insecure: true}
	shaping := rpc.NewShapingContainer()
	rpc.RefreshBudgets(shaping, overrides)
	// snd dispatches record writes to peers resolved from nc; kept for the
	// lifetime of the process alongside the nodestore gRPC server below.
	snd := sender.New(baseCtx, shaping)
	snd.NoteConfigurationChanged(nc)

	dataLis, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return errors.Wrapf(err, "listen for peer data connections")
	}
	defer dataLis.Close()
	log.Infof(ctx, "node %q accepting peer connections on %s", startCtx.nodeName, dataLis.Addr())
	go acceptPeerConnections(ctx, dataLis, snd)
	go runSenderMaintenance(ctx, snd, holder)

	lis, err := net.Listen("tcp", startCtx.listenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", startCtx.listenAddr)
	}
	defer lis.Close()

	detector := &deadNodeDetector{holder: holder}
	api := admin.New(holder, store, overrides, detector)

	grpcServer := grpc.NewServer()
	nodestore.RegisterGRPCServer(grpcServer, store)
	log.Infof(ctx, "node %q listening on %s (admin dispatcher ready, %d settings known)", startCtx.nodeName, startCtx.listenAddr, len(knownSettings(api)))
	return grpcServer.Serve(lis)
}

// acceptPeerConnections runs the inbound half of the record-write pipeline
// (spec.md §4.1.2): every accepted TCP connection from a peer node or client
// is registered with snd via AddClient so outbound replies and callbacks can
// find it, mirroring RegisterServerConnection's outbound counterpart.
func acceptPeerConnections(ctx context.Context, lis net.Listener, snd *sender.Sender) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			if snd.IsShutdownCompleted() {
				return
			}
			log.Warningf(ctx, "accept peer connection: %v", err)
			continue
		}
		if _, _, err := snd.AddClient(conn, rpc.ConnectionTypePlain); err != nil {
			log.Warningf(ctx, "register peer connection from %s: %v", conn.RemoteAddr(), err)
			_ = conn.Close()
		}
	}
}

// runSenderMaintenance periodically sweeps dead connections, drains queued
// completion callbacks, and re-applies the latest nodes configuration so
// stale server connections are torn down after a membership change (spec.md
// §4.1.1's noteConfigurationChanged contract).
func runSenderMaintenance(ctx context.Context, snd *sender.Sender, holder *nodereg.Holder) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var lastVersion uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snd.RunHealthSweep(time.Now())
			snd.DrainCompletions()
			if cur := holder.Get(); cur.Version != lastVersion {
				lastVersion = cur.Version
				snd.NoteConfigurationChanged(cur)
			}
		}
	}
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, closeStore, err := dialStore(ctx, bootstrapCtx.storeAddr, false)
	if err != nil {
		return err
	}
	defer closeStore()

	blob, _, err := store.GetConfigSync(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch nodes configuration")
	}
	nc := nodes.Empty()
	if len(blob) > 0 {
		nc, err = nodes.Deserialize(blob)
		if err != nil {
			return errors.Wrap(err, "decode nodes configuration")
		}
	}
	holder := nodereg.NewHolder(nc)
	overrides := settingsOverrides()
	detector := &deadNodeDetector{holder: holder}
	api := admin.New(holder, store, overrides, detector)

	version, err := api.BootstrapCluster(ctx, nodes.MetadataReplicationProperty{
		ReplicationFactor: int32(bootstrapCtx.replicationFactor),
	})
	if err != nil {
		if errors.Is(err, admin.ErrAlreadyBootstrapped) {
			fmt.Println("cluster is already bootstrapped")
			return nil
		}
		return errors.Wrap(err, "bootstrap cluster")
	}
	fmt.Printf("cluster bootstrapped at version %d\n", version)
	return nil
}

// LocalNodeIndex picks the next unused NodeIndex in nc, a simplified
// stand-in for the identity-assignment flow a real deployment would drive
// from stable per-host configuration.
func LocalNodeIndex(nc *nodes.NodesConfiguration) logpb.NodeIndex {
	var idx logpb.NodeIndex
	for {
		if _, exists := nc.ServiceDiscovery[idx]; !exists {
			return idx
		}
		idx++
	}
}

// deadNodeDetector is a conservative FailureDetector stand-in: until a
// real liveness mechanism is wired, every node is considered live, so
// removeNodes always reports NOT_DEAD rather than silently losing data.
type deadNodeDetector struct {
	holder *nodereg.Holder
}

func (d *deadNodeDetector) IsDead(idx logpb.NodeIndex) bool { return false }

func settingsOverrides() *settings.Overrides {
	return settings.NewOverrides(nil)
}

func knownSettings(api *admin.API) map[string]settings.Value {
	v, err := api.GetSettings(nil)
	if err != nil {
		return nil
	}
	return v
}
