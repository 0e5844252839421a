package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/HatiCode/vigil/pkg/storage"
)

// Client calls the Snapshots service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GetSnapshot fetches the latest snapshot for stream. Status errors from the
// server (NotFound, InvalidArgument) are returned unchanged.
func (c *Client) GetSnapshot(ctx context.Context, stream string, opts ...grpc.CallOption) (storage.Snapshot, error) {
	req, err := structpb.NewStruct(map[string]any{"stream": stream})
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("build request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, getSnapshotMethod, req, resp, opts...); err != nil {
		return storage.Snapshot{}, err
	}

	data, err := protojson.Marshal(resp)
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("encode response: %w", err)
	}
	var snap storage.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return storage.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
