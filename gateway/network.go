package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	cmthttp "github.com/cometbft/cometbft/rpc/client/http"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"
)

// StatusClient reports node status. Both CometBFT RPC clients satisfy it.
type StatusClient interface {
	Status(ctx context.Context) (*coretypes.ResultStatus, error)
}

// RPCNetwork reads the network identifier from a node's status, which is
// the chain id of the network the node is on.
type RPCNetwork struct {
	Client StatusClient
}

func (n RPCNetwork) NetworkID(ctx context.Context) (string, error) {
	st, err := n.Client.Status(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: status: %v", ErrTransportFailure, err)
	}
	return st.NodeInfo.Network, nil
}

// Dial connects to a node's RPC endpoint at host:port. timeout bounds every
// HTTP round trip.
func Dial(host string, port int, timeout time.Duration) (*cmthttp.HTTP, error) {
	remote := "http://" + net.JoinHostPort(host, strconv.Itoa(port))
	client, err := cmthttp.NewWithClient(remote, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", remote, err)
	}
	return client, nil
}
