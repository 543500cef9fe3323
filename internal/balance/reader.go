// Package balance converts on-chain collateral holdings into the dimensionless
// base TVL score used by the point calculator.
package balance

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// cTokenABI covers the two read-only calls the engine needs from a
// collateral-token contract.
const cTokenABI = `[
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// ChainReader abstracts the two contract reads so the service can be exercised
// against a fake in tests.
type ChainReader interface {
	// BalanceOf returns the account's cToken balance in raw on-chain units
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)

	// TotalSupply returns the market's total cToken supply in raw on-chain units
	TotalSupply(ctx context.Context, token common.Address) (*big.Int, error)
}

// EthReader implements ChainReader over a go-ethereum client.
type EthReader struct {
	client *ethclient.Client
	abi    abi.ABI
}

// NewEthReader wraps an ethclient for cToken reads.
func NewEthReader(client *ethclient.Client) (*EthReader, error) {
	parsed, err := abi.JSON(strings.NewReader(cTokenABI))
	if err != nil {
		return nil, fmt.Errorf("parsing cToken ABI: %w", err)
	}
	return &EthReader{client: client, abi: parsed}, nil
}

// BalanceOf calls balanceOf(account) on the given cToken contract.
func (r *EthReader) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	data, err := r.abi.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("packing balanceOf: %w", err)
	}
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling balanceOf on %s: %w", token.Hex(), err)
	}
	return r.unpackUint256("balanceOf", out)
}

// TotalSupply calls totalSupply() on the given cToken contract.
func (r *EthReader) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	data, err := r.abi.Pack("totalSupply")
	if err != nil {
		return nil, fmt.Errorf("packing totalSupply: %w", err)
	}
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling totalSupply on %s: %w", token.Hex(), err)
	}
	return r.unpackUint256("totalSupply", out)
}

func (r *EthReader) unpackUint256(method string, out []byte) (*big.Int, error) {
	results, err := r.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s result: %w", method, err)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("unexpected %s result arity: %d", method, len(results))
	}
	value, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, results[0])
	}
	return value, nil
}
