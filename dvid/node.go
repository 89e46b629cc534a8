package dvid

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gaborage/go-dvid/connection"
)

const (
	// TypeKeyValue is the DVID datatype of key-value instances.
	TypeKeyValue = "keyvalue"
	// TypeROI is the DVID datatype of region-of-interest instances.
	TypeROI = "roi"
	// TypeGrayscale8 is the DVID datatype of 8-bit grayscale volumes.
	TypeGrayscale8 = "uint8blk"
	// TypeLabelblk is the DVID datatype of 64-bit label volumes.
	TypeLabelblk = "labelblk"
	// TypeLabelvol is the DVID datatype indexing a labelblk by label.
	TypeLabelvol = "labelvol"
)

// NodeService issues requests scoped to one version node (UUID) of a repository.
type NodeService struct {
	server *Server
	uuid   string
}

type nodeRef struct {
	UUID string `json:"uuid" validate:"dvidname"`
}

type instanceRef struct {
	Name string `json:"name" validate:"dvidname"`
}

type keyRef struct {
	Name string `json:"name" validate:"dvidname"`
	Key  string `json:"key" validate:"required,excludes=/"`
}

type createInstanceRequest struct {
	TypeName string `json:"typename" validate:"dvidname"`
	DataName string `json:"dataname" validate:"dvidname"`
}

type syncRequest struct {
	Sync string `json:"sync" validate:"dvidname"`
}

// NewNodeService creates a NodeService for uuid on the server at address.
func NewNodeService(address, uuid string, opts ...Option) (*NodeService, error) {
	server, err := NewServer(address, opts...)
	if err != nil {
		return nil, err
	}
	return server.Node(uuid)
}

// UUID returns the node this service is bound to.
func (n *NodeService) UUID() string {
	return n.uuid
}

// Server returns the server façade the node shares its connection with.
func (n *NodeService) Server() *Server {
	return n.server
}

func (n *NodeService) path(parts ...string) string {
	return "node/" + n.uuid + "/" + strings.Join(parts, "/")
}

// CustomRequest issues method against endpoint relative to the node
// (for example "log" or "<instance>/info") and returns the raw response body.
func (n *NodeService) CustomRequest(ctx context.Context, endpoint string, payload []byte, method string) ([]byte, error) {
	resp, err := n.server.conn.MakeRequest(ctx, method, n.path(strings.TrimLeft(endpoint, "/")), payload)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// CreateKeyValue creates a key-value instance. It returns false if an instance
// with that name already exists.
func (n *NodeService) CreateKeyValue(ctx context.Context, name string) (bool, error) {
	return n.CreateInstance(ctx, TypeKeyValue, name)
}

// CreateROI creates an ROI instance. It returns false if an instance with that
// name already exists.
func (n *NodeService) CreateROI(ctx context.Context, name string) (bool, error) {
	return n.CreateInstance(ctx, TypeROI, name)
}

// CreateInstance creates a data instance of typename. It returns false without
// creating anything when the name is already taken.
func (n *NodeService) CreateInstance(ctx context.Context, typename, name string) (bool, error) {
	req := createInstanceRequest{TypeName: typename, DataName: name}
	if err := validateInput(&req); err != nil {
		return false, err
	}

	exists, err := n.instanceExists(ctx, name)
	if err != nil || exists {
		return false, err
	}

	body, err := connection.EncodeJSON(req)
	if err != nil {
		return false, err
	}
	if _, err := n.server.conn.Post(ctx, "repo/"+n.uuid+"/instance", body, connection.WithRetries(0)); err != nil {
		return false, err
	}

	n.server.logger.Info().
		Str("uuid", n.uuid).
		Str("typename", typename).
		Str("dataname", name).
		Msg("Created DVID data instance")
	return true, nil
}

// Sync subscribes instance to changes of target. Setting the same sync twice
// is harmless, so the POST is retried.
func (n *NodeService) Sync(ctx context.Context, instance, target string) error {
	if err := validateInput(&instanceRef{Name: instance}); err != nil {
		return err
	}
	req := syncRequest{Sync: target}
	if err := validateInput(&req); err != nil {
		return err
	}
	body, err := connection.EncodeJSON(req)
	if err != nil {
		return err
	}
	_, err = n.server.conn.Post(ctx, n.path(instance, "sync"), body, connection.WithIdempotent())
	return err
}

// instanceExists asks the instance info endpoint. DVID answers an unknown
// instance with 400, so any 4xx means the name is free.
func (n *NodeService) instanceExists(ctx context.Context, name string) (bool, error) {
	_, err := n.server.conn.Get(ctx, n.path(name, "info"))
	if err == nil {
		return true, nil
	}
	if se, ok := connection.AsStatusError(err); ok && se.StatusCode() >= 400 && se.StatusCode() < 500 {
		return false, nil
	}
	return false, err
}

// Put stores value under key. Overwriting a key is idempotent, so the POST is
// retried like a GET.
func (n *NodeService) Put(ctx context.Context, instance, key string, value []byte) error {
	if err := validateInput(&keyRef{Name: instance, Key: key}); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := n.server.conn.Post(ctx, n.path(instance, "key", key), value,
		connection.WithIdempotent(),
		connection.WithContentType(connection.ContentTypeOctetStream))
	return err
}

// Get returns the value stored under key.
func (n *NodeService) Get(ctx context.Context, instance, key string) ([]byte, error) {
	if err := validateInput(&keyRef{Name: instance, Key: key}); err != nil {
		return nil, err
	}
	resp, err := n.server.conn.Get(ctx, n.path(instance, "key", key))
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Delete removes key. Deleting a missing key succeeds.
func (n *NodeService) Delete(ctx context.Context, instance, key string) error {
	if err := validateInput(&keyRef{Name: instance, Key: key}); err != nil {
		return err
	}
	_, err := n.server.conn.Delete(ctx, n.path(instance, "key", key))
	return err
}

// GetKeys lists the keys of a key-value instance.
func (n *NodeService) GetKeys(ctx context.Context, instance string) ([]string, error) {
	if err := validateInput(&instanceRef{Name: instance}); err != nil {
		return nil, err
	}
	resp, err := n.server.conn.Get(ctx, n.path(instance, "keys"))
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := connection.DecodeJSON(resp, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// GetMany fetches keys concurrently. The first failure cancels the remaining
// requests and is returned.
func (n *NodeService) GetMany(ctx context.Context, instance string, keys []string) (map[string][]byte, error) {
	if err := validateInput(&instanceRef{Name: instance}); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.server.fetchConcurrency)

	var mu sync.Mutex
	values := make(map[string][]byte, len(keys))
	for _, key := range keys {
		g.Go(func() error {
			value, err := n.Get(gctx, instance, key)
			if err != nil {
				return fmt.Errorf("key %q: %w", key, err)
			}
			mu.Lock()
			values[key] = value
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return values, nil
}
