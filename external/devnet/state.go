package devnet

import (
	"encoding/binary"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/bnb-chain/eth-gateway/external"
)

type account struct {
	balance *uint256.Int
	nonce   uint64
	code    []byte
	storage map[common.Hash]common.Hash
}

func (a *account) copy() *account {
	cpy := &account{
		balance: new(uint256.Int).Set(a.balance),
		nonce:   a.nonce,
		code:    common.CopyBytes(a.code),
		storage: make(map[common.Hash]common.Hash, len(a.storage)),
	}
	for k, v := range a.storage {
		cpy.storage[k] = v
	}
	return cpy
}

// state is the world state after a block. States of imported blocks are never
// mutated; execution always works on a copy.
type state struct {
	accounts map[common.Address]*account
}

func newState() *state {
	return &state{accounts: make(map[common.Address]*account)}
}

func (s *state) copy() *state {
	cpy := &state{accounts: make(map[common.Address]*account, len(s.accounts))}
	for addr, acc := range s.accounts {
		cpy.accounts[addr] = acc.copy()
	}
	return cpy
}

func (s *state) get(addr common.Address) *account {
	acc, ok := s.accounts[addr]
	if !ok {
		acc = &account{balance: new(uint256.Int), storage: make(map[common.Hash]common.Hash)}
		s.accounts[addr] = acc
	}
	return acc
}

func (s *state) balance(addr common.Address) *uint256.Int {
	if acc, ok := s.accounts[addr]; ok {
		return new(uint256.Int).Set(acc.balance)
	}
	return new(uint256.Int)
}

func (s *state) nonce(addr common.Address) uint64 {
	if acc, ok := s.accounts[addr]; ok {
		return acc.nonce
	}
	return 0
}

func (s *state) code(addr common.Address) []byte {
	if acc, ok := s.accounts[addr]; ok {
		return common.CopyBytes(acc.code)
	}
	return nil
}

func (s *state) storageAt(addr common.Address, key common.Hash) common.Hash {
	if acc, ok := s.accounts[addr]; ok {
		return acc.storage[key]
	}
	return common.Hash{}
}

// root commits to every account in address order.
func (s *state) root() common.Hash {
	addrs := make([]common.Address, 0, len(s.accounts))
	for addr := range s.accounts {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })

	buf := make([]byte, 0, len(addrs)*128)
	for _, addr := range addrs {
		acc := s.accounts[addr]
		bal := acc.balance.Bytes32()
		buf = append(buf, addr.Bytes()...)
		buf = append(buf, bal[:]...)
		buf = binary.BigEndian.AppendUint64(buf, acc.nonce)
		buf = append(buf, crypto.Keccak256(acc.code)...)
		keys := make([]common.Hash, 0, len(acc.storage))
		for k := range acc.storage {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].Cmp(keys[j]) < 0 })
		for _, k := range keys {
			v := acc.storage[k]
			buf = append(buf, k.Bytes()...)
			buf = append(buf, v.Bytes()...)
		}
	}
	return crypto.Keccak256Hash(buf)
}

func (s *state) applyOverrides(overrides external.StateOverride) error {
	for addr, o := range overrides {
		acc := s.get(addr)
		if o.Nonce != nil {
			acc.nonce = uint64(*o.Nonce)
		}
		if o.Code != nil {
			acc.code = common.CopyBytes(*o.Code)
		}
		if o.Balance != nil {
			bal, overflow := uint256.FromBig((*big.Int)(o.Balance))
			if overflow {
				return &external.OverrideError{Reason: "account " + addr.Hex() + " balance override overflows 256 bits"}
			}
			acc.balance = bal
		}
		if o.State != nil && o.StateDiff != nil {
			return &external.OverrideError{Reason: "account " + addr.Hex() + " has both 'state' and 'stateDiff'"}
		}
		if o.State != nil {
			acc.storage = make(map[common.Hash]common.Hash, len(*o.State))
			for k, v := range *o.State {
				acc.storage[k] = v
			}
		}
		if o.StateDiff != nil {
			for k, v := range *o.StateDiff {
				acc.storage[k] = v
			}
		}
	}
	return nil
}
