package it

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"caspaxos/internal/nemesis"
	"caspaxos/internal/register"
	"caspaxos/internal/replog"
	"caspaxos/internal/storage"
	"caspaxos/internal/transport"
)

// Cluster is an in-process set of replicas served over gRPC on loopback.
type Cluster struct {
	mu       sync.Mutex
	replicas map[int64]*Replica
	manager  *transport.ClientManager
	handles  *register.Directory
	logger   *zap.Logger
}

// Replica is one member of the test cluster. Its pebble store lives in
// memory and outlives restarts of the server.
type Replica struct {
	ID   int64
	Addr string

	db     *storage.DB
	log    *nemesis.LogReplica
	reg    *nemesis.RegisterReplica
	server *transport.Server
	done   chan error
}

// NewCluster creates an empty cluster.
func NewCluster(logger *zap.Logger) (*Cluster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	manager, err := transport.NewClientManager(transport.DefaultConnections, logger)
	if err != nil {
		return nil, err
	}
	c := &Cluster{
		replicas: make(map[int64]*Replica),
		manager:  manager,
		logger:   logger,
	}
	c.handles = register.NewDirectory(func(id int64) (register.Replica, error) {
		addr, ok := c.Addrs()[id]
		if !ok {
			return nil, fmt.Errorf("replica %d not found", id)
		}
		return manager.Register(id, addr), nil
	})
	return c, nil
}

// StartCluster starts replicas 1..n.
func (c *Cluster) StartCluster(ctx context.Context, n int) error {
	for id := int64(1); id <= int64(n); id++ {
		if err := c.StartReplica(ctx, id, nemesis.Faults{}); err != nil {
			c.Stop()
			return fmt.Errorf("failed to start replica %d: %w", id, err)
		}
	}
	return nil
}

// StartReplica starts a new replica with the given faults on a free port.
func (c *Cluster) StartReplica(ctx context.Context, id int64, faults nemesis.Faults) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.replicas[id]; ok {
		return fmt.Errorf("replica %d already exists", id)
	}
	db, err := storage.OpenInMemory(id)
	if err != nil {
		return err
	}
	r := &Replica{
		ID:  id,
		db:  db,
		log: nemesis.WrapLog(db.Log(), faults),
		reg: nemesis.WrapRegister(db.Register(), faults),
	}
	if err := c.serve(ctx, r, "127.0.0.1:0"); err != nil {
		_ = db.Close()
		return err
	}
	c.replicas[id] = r
	return nil
}

func (c *Cluster) serve(ctx context.Context, r *Replica, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	r.Addr = lis.Addr().String()
	r.server = transport.NewServer(r.log, r.reg, c.logger)
	r.done = make(chan error, 1)
	go func() { r.done <- r.server.Serve(lis) }()

	if err := waitForReady(ctx, r.Addr, 5*time.Second); err != nil {
		r.server.Stop()
		<-r.done
		return fmt.Errorf("replica %d failed to become ready: %w", r.ID, err)
	}
	return nil
}

// waitForReady polls the replica's health service until it reports serving.
func waitForReady(ctx context.Context, addr string, timeout time.Duration) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %s: %w", addr, ctx.Err())
		case <-ticker.C:
		}
	}
}

// KillReplica stops serving a replica. Its data is kept.
func (c *Cluster) KillReplica(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.replicas[id]
	if !ok {
		return fmt.Errorf("replica %d not found", id)
	}
	if r.server != nil {
		r.server.Stop()
		<-r.done
		r.server = nil
	}
	return nil
}

// RestartReplica serves a killed replica again on its previous address.
func (c *Cluster) RestartReplica(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.replicas[id]
	if !ok {
		return fmt.Errorf("replica %d not found", id)
	}
	if r.server != nil {
		return fmt.Errorf("replica %d is running", id)
	}
	if err := c.serve(ctx, r, r.Addr); err != nil {
		return err
	}
	return c.manager.WaitReady(ctx, r.Addr)
}

// SetEnabled switches a replica's fault injector on or off without
// stopping its server.
func (c *Cluster) SetEnabled(id int64, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.replicas[id]; ok {
		r.log.SetEnabled(enabled)
		r.reg.SetEnabled(enabled)
	}
}

// IDs returns the ids of every replica ever started, ascending.
func (c *Cluster) IDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.replicas))
	for id := range c.replicas {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Addrs maps replica ids to their addresses.
func (c *Cluster) Addrs() map[int64]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	addrs := make(map[int64]string, len(c.replicas))
	for id, r := range c.replicas {
		addrs[id] = r.Addr
	}
	return addrs
}

// LogClient returns a log client over the given replicas, reached through
// gRPC.
func (c *Cluster) LogClient(ids []int64, opts ...replog.Option) *replog.Client {
	addrs := c.Addrs()
	replicas := make([]replog.Replica, 0, len(ids))
	for _, id := range ids {
		replicas = append(replicas, c.manager.Log(addrs[id]))
	}
	return replog.NewClient(replicas, opts...)
}

// RegisterLoader resolves replica ids to gRPC handles shared by every
// register client of the cluster. Replicas started after the call are
// resolved too.
func (c *Cluster) RegisterLoader() register.Loader {
	return c.handles.Load
}

// Stop stops every replica and closes client connections.
func (c *Cluster) Stop() {
	_ = c.handles.Close()
	c.manager.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, r := range c.replicas {
		if r.server != nil {
			r.server.Stop()
			<-r.done
		}
		_ = r.db.Close()
		delete(c.replicas, id)
	}
}
