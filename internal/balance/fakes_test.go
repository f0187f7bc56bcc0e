package balance

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/agent-funding/internal/model"
)

type fakeLister struct {
	wallets []model.MasterWallet
	err     error
}

func (f fakeLister) Wallets(context.Context) ([]model.MasterWallet, error) {
	return f.wallets, f.err
}

// fakeChain answers BalanceAt from native balances and CallContract by
// matching the method selector against registered responses.
type fakeChain struct {
	mu      sync.Mutex
	native  map[common.Address]*big.Int
	erc20   map[common.Address]map[common.Address]*big.Int
	answers map[string][]byte
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		native:  map[common.Address]*big.Int{},
		erc20:   map[common.Address]map[common.Address]*big.Int{},
		answers: map[string][]byte{},
	}
}

func (f *fakeChain) setERC20(token, holder string, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := common.HexToAddress(token)
	if f.erc20[t] == nil {
		f.erc20[t] = map[common.Address]*big.Int{}
	}
	f.erc20[t][common.HexToAddress(holder)] = amount
}

func (f *fakeChain) answer(contract abi.ABI, method string, values ...any) {
	out, err := contract.Methods[method].Outputs.Pack(values...)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[string(contract.Methods[method].ID)] = out
}

func (f *fakeChain) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.native[account]; ok {
		return v, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(call.Data) < 4 {
		return nil, fmt.Errorf("short calldata")
	}
	selector := call.Data[:4]
	if bytes.Equal(selector, erc20ABI.Methods["balanceOf"].ID) {
		args, err := erc20ABI.Methods["balanceOf"].Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		holder := args[0].(common.Address)
		amount := big.NewInt(0)
		if v, ok := f.erc20[*call.To][holder]; ok {
			amount = v
		}
		return erc20ABI.Methods["balanceOf"].Outputs.Pack(amount)
	}
	if out, ok := f.answers[string(selector)]; ok {
		return out, nil
	}
	return nil, fmt.Errorf("no answer for selector %x", selector)
}
