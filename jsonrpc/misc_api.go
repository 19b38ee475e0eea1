package jsonrpc

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bnb-chain/eth-gateway/external"
	"github.com/bnb-chain/eth-gateway/service"
)

type NetAPI struct {
	host      external.HostChain
	networkID uint64
}

func NewNetAPI(host external.HostChain, networkID uint64) *NetAPI {
	return &NetAPI{host: host, networkID: networkID}
}

func (api *NetAPI) Version() string {
	return strconv.FormatUint(api.networkID, 10)
}

func (api *NetAPI) PeerCount() hexutil.Uint {
	return hexutil.Uint(api.host.PeerCount())
}

func (api *NetAPI) Listening() bool {
	return true
}

type Web3API struct {
	clientVersion string
}

func NewWeb3API(clientVersion string) *Web3API {
	return &Web3API{clientVersion: clientVersion}
}

func (api *Web3API) ClientVersion() string {
	return api.clientVersion
}

func (api *Web3API) Sha3(input hexutil.Bytes) hexutil.Bytes {
	return crypto.Keccak256(input)
}

// TxPoolAPI exposes the pending view grouped by sender and nonce. Ready
// transactions are "pending", nonce-gapped ones "queued".
type TxPoolAPI struct {
	chain service.Chain
}

func NewTxPoolAPI(chain service.Chain) *TxPoolAPI {
	return &TxPoolAPI{chain: chain}
}

func (api *TxPoolAPI) Status() map[string]hexutil.Uint {
	view := api.chain.View()
	return map[string]hexutil.Uint{
		"pending": hexutil.Uint(len(view.Ready)),
		"queued":  hexutil.Uint(len(view.Future)),
	}
}

func (api *TxPoolAPI) group(txs []*ethtypes.Transaction, render func(tx *ethtypes.Transaction, from common.Address) interface{}) map[string]map[string]interface{} {
	signer := api.chain.Signer()
	result := make(map[string]map[string]interface{})
	for _, tx := range txs {
		from, err := ethtypes.Sender(signer, tx)
		if err != nil {
			continue
		}
		byNonce, ok := result[from.Hex()]
		if !ok {
			byNonce = make(map[string]interface{})
			result[from.Hex()] = byNonce
		}
		byNonce[strconv.FormatUint(tx.Nonce(), 10)] = render(tx, from)
	}
	return result
}

func (api *TxPoolAPI) Content() map[string]map[string]map[string]interface{} {
	view := api.chain.View()
	render := func(tx *ethtypes.Transaction, from common.Address) interface{} {
		return newRPCTransaction(tx, from, nil, 0)
	}
	return map[string]map[string]map[string]interface{}{
		"pending": api.group(view.Ready, render),
		"queued":  api.group(view.Future, render),
	}
}

func (api *TxPoolAPI) Inspect() map[string]map[string]map[string]interface{} {
	view := api.chain.View()
	render := func(tx *ethtypes.Transaction, _ common.Address) interface{} {
		if to := tx.To(); to != nil {
			return fmt.Sprintf("%s: %v wei + %v gas × %v wei", to.Hex(), tx.Value(), tx.Gas(), tx.GasPrice())
		}
		return fmt.Sprintf("contract creation: %v wei + %v gas × %v wei", tx.Value(), tx.Gas(), tx.GasPrice())
	}
	return map[string]map[string]map[string]interface{}{
		"pending": api.group(view.Ready, render),
		"queued":  api.group(view.Future, render),
	}
}
