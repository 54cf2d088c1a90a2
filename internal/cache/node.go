package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridmesh/gridmesh/internal/remoting"
	"github.com/gridmesh/gridmesh/internal/xsite"
	"github.com/gridmesh/gridmesh/pkg/proto"
)

// Backups replicates commands to remote sites.
type Backups interface {
	BackupAndWait(ctx context.Context, command []byte) (*xsite.BackupResponse, error)
}

// MembersFunc returns the addresses of the current cluster members.
type MembersFunc func() []proto.Address

// NodeConfig contains configuration for a cache node.
type NodeConfig struct {
	Self       proto.Address
	Logger     zerolog.Logger
	Repository *remoting.RequestRepository
	Transport  remoting.Transport
	Members    MembersFunc
	// Backups is optional; without it writes stay in the local site.
	Backups Backups
	// Timeout bounds every cluster request (default: 15s).
	Timeout time.Duration
	// OnBackupWait observes the time spent waiting for sync backups.
	OnBackupWait func(time.Duration)
}

// Node serves one member's share of the replicated cache.
type Node struct {
	self         proto.Address
	logger       zerolog.Logger
	store        *Store
	repository   *remoting.RequestRepository
	transport    remoting.Transport
	members      MembersFunc
	backups      Backups
	timeout      time.Duration
	onBackupWait func(time.Duration)
}

// NewNode creates a cache node.
func NewNode(config NodeConfig) (*Node, error) {
	if config.Repository == nil || config.Transport == nil {
		return nil, errors.New("cache node needs a repository and a transport")
	}
	if config.Members == nil {
		return nil, errors.New("cache node needs a member source")
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &Node{
		self:         config.Self,
		logger:       config.Logger.With().Str("component", "cache").Logger(),
		store:        NewStore(),
		repository:   config.Repository,
		transport:    config.Transport,
		members:      config.Members,
		backups:      config.Backups,
		timeout:      config.Timeout,
		onBackupWait: config.OnBackupWait,
	}, nil
}

// Store returns the local store.
func (n *Node) Store() *Store {
	return n.store
}

// Put writes key on every member and every backup site.
func (n *Node) Put(ctx context.Context, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return errors.New("value is not valid JSON")
	}
	return n.write(ctx, Command{Op: OpPut, Key: key, Value: value, Origin: OriginClient})
}

// Remove deletes key on every member and every backup site.
func (n *Node) Remove(ctx context.Context, key string) error {
	return n.write(ctx, Command{Op: OpRemove, Key: key, Origin: OriginClient})
}

// Get returns the local value of key, asking the other members on a miss.
func (n *Node) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if v, ok := n.store.Get(key); ok {
		return v, nil
	}

	others := n.others()
	if len(others) == 0 {
		return nil, ErrNotFound
	}

	data, err := Command{Op: OpGet, Key: key, Origin: OriginCluster}.Encode()
	if err != nil {
		return nil, err
	}
	resp, err := remoting.InvokeOnAll[proto.Response](ctx, n.repository, n.transport, others, data,
		&remoting.FirstSuccessCollector{}, n.timeout).Get(ctx)
	if err != nil {
		if errors.Is(err, remoting.ErrTimeout) || ctx.Err() != nil {
			return nil, err
		}
		n.logger.Trace().Err(err).Str("key", key).Msg("No member holds key")
		return nil, ErrNotFound
	}

	success, ok := resp.(proto.SuccessResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected %s for key %q", resp.Type(), key)
	}
	return toRaw(success.Value)
}

// HandleCommand executes a command sent by another node. It is the
// transport's command handler.
func (n *Node) HandleCommand(ctx context.Context, from proto.Address, data []byte) proto.Response {
	cmd, err := DecodeCommand(data)
	if err != nil {
		return proto.ExceptionResponse{Err: err}
	}

	if cmd.Op == OpGet {
		v, ok := n.store.Get(cmd.Key)
		if !ok {
			return proto.Unsure
		}
		return proto.SuccessResponse{Value: v}
	}

	switch cmd.Origin {
	case OriginCluster:
		n.store.apply(cmd)
	case OriginSite:
		// The gateway spreads a backup through its own cluster.
		if err := n.write(ctx, cmd); err != nil {
			return proto.ExceptionResponse{Err: err}
		}
	default:
		return proto.ExceptionResponse{Err: fmt.Errorf("unexpected origin %q from %s", cmd.Origin, from)}
	}
	return proto.SuccessResponse{Value: true}
}

// write applies cmd locally, replicates it to the other members and, for
// client commands, backs it up to the remote sites.
func (n *Node) write(ctx context.Context, cmd Command) error {
	n.store.apply(cmd)

	if others := n.others(); len(others) > 0 {
		replica := cmd
		replica.Origin = OriginCluster
		data, err := replica.Encode()
		if err != nil {
			return err
		}
		_, err = remoting.InvokeOnAll[map[proto.Address]proto.Response](ctx, n.repository, n.transport, others, data,
			remoting.NewMapResponseCollector(true, len(others)), n.timeout).Get(ctx)
		if err != nil {
			return fmt.Errorf("replicate %s %q: %w", cmd.Op, cmd.Key, err)
		}
	}

	if cmd.Origin != OriginClient || n.backups == nil {
		return nil
	}

	backup := cmd
	backup.Origin = OriginSite
	data, err := backup.Encode()
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := n.backups.BackupAndWait(ctx, data)
	if n.onBackupWait != nil && resp != nil && !resp.IsEmpty() {
		n.onBackupWait(time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("backup %s %q: %w", cmd.Op, cmd.Key, err)
	}
	return nil
}

func (n *Node) others() []proto.Address {
	members := n.members()
	out := make([]proto.Address, 0, len(members))
	for _, m := range members {
		if m != n.self {
			out = append(out, m)
		}
	}
	return out
}

// toRaw converts a decoded success value back to JSON. Values that crossed
// the wire are already raw.
func toRaw(v interface{}) (json.RawMessage, error) {
	switch val := v.(type) {
	case json.RawMessage:
		return val, nil
	case []byte:
		return val, nil
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("marshal value: %w", err)
		}
		return data, nil
	}
}
