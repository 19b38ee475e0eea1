package jsonrpc

import (
	"github.com/bnb-chain/eth-gateway/config"
	"github.com/bnb-chain/eth-gateway/external"
	"github.com/bnb-chain/eth-gateway/filters"
	"github.com/bnb-chain/eth-gateway/gasprice"
	"github.com/bnb-chain/eth-gateway/service"
)

// Backend is everything the served namespaces read from.
type Backend struct {
	Chain   service.Chain
	Host    external.HostChain
	Oracle  *gasprice.Oracle
	Status  StatusProvider
	Logs    *filters.LogEngine
	Filters *filters.Manager
	Events  *filters.EventSystem
}

func (b *Backend) APIs(cfg *config.RPCConfig) []API {
	return []API{
		{Namespace: "eth", Service: NewEthAPI(b.Chain, b.Oracle, b.Status)},
		{Namespace: "eth", Service: NewFilterAPI(b.Chain, b.Logs, b.Filters, b.Events)},
		{Namespace: "net", Service: NewNetAPI(b.Host, b.Chain.ChainID().Uint64())},
		{Namespace: "web3", Service: NewWeb3API(cfg.GetClientVersion())},
		{Namespace: "txpool", Service: NewTxPoolAPI(b.Chain)},
	}
}
