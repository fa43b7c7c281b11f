package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
)

// InspectShardsProcedure is the Connect procedure path of the
// InspectShards RPC.
const InspectShardsProcedure = "/driftlog.v1.ControlPlaneService/InspectShards"

// jsonCodec marshals request and response messages with encoding/json.
// The control-plane schema is plain structs on both sides, so the
// proto codec is not needed.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(message any) ([]byte, error) { return json.Marshal(message) }

func (jsonCodec) Unmarshal(data []byte, message any) error {
	return json.Unmarshal(data, message)
}

// HTTPClient is a Client backed by a Connect RPC endpoint.
type HTTPClient struct {
	inspectShards *connect.Client[InspectShardsRequest, InspectShardsResponse]
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a control-plane client against baseURL. The
// httpClient may be nil, in which case http.DefaultClient is used.
func NewHTTPClient(httpClient connect.HTTPClient, baseURL string) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{
		inspectShards: connect.NewClient[InspectShardsRequest, InspectShardsResponse](
			httpClient,
			baseURL+InspectShardsProcedure,
			connect.WithCodec(jsonCodec{}),
		),
	}
}

// InspectShards reports the ingester's shards to the control plane and
// returns its delete/truncate verdicts.
func (c *HTTPClient) InspectShards(ctx context.Context, req *InspectShardsRequest) (*InspectShardsResponse, error) {
	res, err := c.inspectShards.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, fmt.Errorf("inspect shards: %w", err)
	}
	return res.Msg, nil
}
