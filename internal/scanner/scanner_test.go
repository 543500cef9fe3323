package scanner

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamago-labs/kilo-point-engine/internal/model"
	"github.com/tamago-labs/kilo-point-engine/internal/prices"
)

const (
	usdtMarket = "0x1111111111111111111111111111111111111111"
	sixMarket  = "0x2222222222222222222222222222222222222222"
	alice      = "0xAAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa"
	bob        = "0xBbbBBbBbbbBBbBbbbbBbBbbbBBbBbbbbbbBbbbBb"
	payer      = "0xCcCcccCcCCCCcCCcCcCccCcCCCcCcccCcCCCCccC"
)

// fakeSource serves canned logs per contract address.
type fakeSource struct {
	head    uint64
	headErr error
	logs    map[common.Address][]types.Log
	errs    map[common.Address]error
	queries []ethereum.FilterQuery
}

func (f *fakeSource) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, f.headErr
}

func (f *fakeSource) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	addr := q.Addresses[0]
	if err := f.errs[addr]; err != nil {
		return nil, err
	}
	return f.logs[addr], nil
}

// recordingSink collects events in delivery order.
type recordingSink struct {
	events []model.Event
}

func (r *recordingSink) HandleEvent(ctx context.Context, ev model.Event) {
	r.events = append(r.events, ev)
}

func testMarkets() []model.Market {
	return []model.Market{
		{Symbol: "cUSDT", CTokenAddress: usdtMarket, UnderlyingSymbol: "USDT", Decimals: 6},
		{Symbol: "cSIX", CTokenAddress: sixMarket, UnderlyingSymbol: "SIX", Decimals: 18},
	}
}

// offlinePrices builds a manager with no endpoint: USDT values at $1, every
// other symbol at $0.
func offlinePrices() *prices.Manager {
	return prices.NewManager("", clockwork.NewFakeClock(), 5*time.Minute, time.Second)
}

// craftLog encodes a log the way the cToken contracts emit them.
func craftLog(t *testing.T, contract string, event string, block uint64, args ...interface{}) types.Log {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(cTokenEventsABI))
	require.NoError(t, err)
	ev, ok := parsed.Events[event]
	require.True(t, ok, "unknown event %s", event)

	data, err := ev.Inputs.Pack(args...)
	require.NoError(t, err)

	return types.Log{
		Address:     common.HexToAddress(contract),
		Topics:      []common.Hash{ev.ID},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash(fmt.Sprintf("0x%064d", block)),
	}
}

func usdt(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

func TestScan_DecodesMintToSupplyEvent(t *testing.T) {
	source := &fakeSource{
		head: 200,
		logs: map[common.Address][]types.Log{
			common.HexToAddress(usdtMarket): {
				craftLog(t, usdtMarket, "Mint", 150,
					common.HexToAddress(alice), usdt(100), usdt(95)),
			},
		},
	}
	sink := &recordingSink{}

	s, err := New(source, offlinePrices(), sink, testMarkets(), 60, 100)
	require.NoError(t, err)
	source.head = 140
	require.NoError(t, s.Prime(context.Background()))
	source.head = 200

	require.NoError(t, s.Scan(context.Background()))

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, model.EventSupply, ev.Type)
	assert.Equal(t, common.HexToAddress(alice).Hex(), ev.User)
	assert.Equal(t, "USDT", ev.Market)
	assert.InDelta(t, 100.0, ev.USDValue, 1e-9)
	assert.Equal(t, uint64(150), ev.BlockNumber)
}

func TestScan_RepayBorrowCreditsBorrowerNotPayer(t *testing.T) {
	source := &fakeSource{
		head: 200,
		logs: map[common.Address][]types.Log{
			common.HexToAddress(usdtMarket): {
				craftLog(t, usdtMarket, "RepayBorrow", 160,
					common.HexToAddress(payer), common.HexToAddress(bob),
					usdt(40), usdt(10), usdt(500)),
			},
		},
	}
	sink := &recordingSink{}

	s, err := New(source, offlinePrices(), sink, testMarkets(), 60, 100)
	require.NoError(t, err)
	source.head = 140
	require.NoError(t, s.Prime(context.Background()))
	source.head = 200

	require.NoError(t, s.Scan(context.Background()))

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, model.EventRepay, ev.Type)
	assert.Equal(t, common.HexToAddress(bob).Hex(), ev.User)
	assert.InDelta(t, 40.0, ev.USDValue, 1e-9)
}

func TestScan_EventTypeMapping(t *testing.T) {
	source := &fakeSource{
		head: 200,
		logs: map[common.Address][]types.Log{
			common.HexToAddress(usdtMarket): {
				craftLog(t, usdtMarket, "Redeem", 151,
					common.HexToAddress(alice), usdt(30), usdt(28)),
				craftLog(t, usdtMarket, "Borrow", 152,
					common.HexToAddress(alice), usdt(50), usdt(50), usdt(900)),
			},
		},
	}
	sink := &recordingSink{}

	s, err := New(source, offlinePrices(), sink, testMarkets(), 60, 100)
	require.NoError(t, err)
	source.head = 140
	require.NoError(t, s.Prime(context.Background()))
	source.head = 200

	require.NoError(t, s.Scan(context.Background()))

	require.Len(t, sink.events, 2)
	assert.Equal(t, model.EventWithdraw, sink.events[0].Type)
	assert.InDelta(t, 30.0, sink.events[0].USDValue, 1e-9)
	assert.Equal(t, model.EventBorrow, sink.events[1].Type)
	assert.InDelta(t, 50.0, sink.events[1].USDValue, 1e-9)
}

func TestScan_OrdersEventsAcrossMarketsByBlock(t *testing.T) {
	source := &fakeSource{
		head: 200,
		logs: map[common.Address][]types.Log{
			common.HexToAddress(usdtMarket): {
				craftLog(t, usdtMarket, "Mint", 170,
					common.HexToAddress(alice), usdt(1), usdt(1)),
			},
			common.HexToAddress(sixMarket): {
				craftLog(t, sixMarket, "Mint", 150,
					common.HexToAddress(bob), big.NewInt(1), big.NewInt(1)),
			},
		},
	}
	sink := &recordingSink{}

	s, err := New(source, offlinePrices(), sink, testMarkets(), 60, 100)
	require.NoError(t, err)
	source.head = 140
	require.NoError(t, s.Prime(context.Background()))
	source.head = 200

	require.NoError(t, s.Scan(context.Background()))

	// The SIX event sits in an earlier block and must be delivered first even
	// though its market is scanned second.
	require.Len(t, sink.events, 2)
	assert.Equal(t, uint64(150), sink.events[0].BlockNumber)
	assert.Equal(t, "SIX", sink.events[0].Market)
	assert.Equal(t, uint64(170), sink.events[1].BlockNumber)
}

func TestScan_WindowCappedAtMaxBlocks(t *testing.T) {
	source := &fakeSource{head: 10000}
	sink := &recordingSink{}

	s, err := New(source, offlinePrices(), sink, testMarkets(), 600, 100)
	require.NoError(t, err)

	require.NoError(t, s.Scan(context.Background()))

	require.NotEmpty(t, source.queries)
	q := source.queries[0]
	assert.Equal(t, uint64(9901), q.FromBlock.Uint64())
	assert.Equal(t, uint64(10000), q.ToBlock.Uint64())
}

func TestScan_HeadShorterThanWindowScansFromGenesis(t *testing.T) {
	source := &fakeSource{
		head: 50,
		logs: map[common.Address][]types.Log{
			common.HexToAddress(usdtMarket): {
				craftLog(t, usdtMarket, "Mint", 30,
					common.HexToAddress(alice), usdt(5), usdt(5)),
			},
		},
	}
	sink := &recordingSink{}

	s, err := New(source, offlinePrices(), sink, testMarkets(), 60, 100)
	require.NoError(t, err)

	require.NoError(t, s.Scan(context.Background()))

	require.NotEmpty(t, source.queries)
	q := source.queries[0]
	assert.Equal(t, uint64(1), q.FromBlock.Uint64())
	assert.Equal(t, uint64(50), q.ToBlock.Uint64())
	require.Len(t, sink.events, 1)
	assert.Equal(t, uint64(30), sink.events[0].BlockNumber)
}

func TestScan_NoNewBlocksIsNoop(t *testing.T) {
	source := &fakeSource{head: 500}
	sink := &recordingSink{}

	s, err := New(source, offlinePrices(), sink, testMarkets(), 60, 100)
	require.NoError(t, err)
	require.NoError(t, s.Prime(context.Background()))

	require.NoError(t, s.Scan(context.Background()))
	assert.Empty(t, source.queries, "no RPC filter calls without new blocks")
}

func TestScan_MarketFailureDoesNotStallOthers(t *testing.T) {
	source := &fakeSource{
		head: 200,
		logs: map[common.Address][]types.Log{
			common.HexToAddress(sixMarket): {
				craftLog(t, sixMarket, "Mint", 180,
					common.HexToAddress(bob), big.NewInt(1), big.NewInt(1)),
			},
		},
		errs: map[common.Address]error{
			common.HexToAddress(usdtMarket): fmt.Errorf("rpc timeout"),
		},
	}
	sink := &recordingSink{}

	s, err := New(source, offlinePrices(), sink, testMarkets(), 60, 100)
	require.NoError(t, err)
	source.head = 140
	require.NoError(t, s.Prime(context.Background()))
	source.head = 200

	require.NoError(t, s.Scan(context.Background()))
	require.Len(t, sink.events, 1)
	assert.Equal(t, "SIX", sink.events[0].Market)

	// The head pointer advanced past the failed range; the next scan does not
	// replay it.
	source.queries = nil
	require.NoError(t, s.Scan(context.Background()))
	assert.Empty(t, source.queries)
}

func TestScan_UnknownPriceValuesEventAtZero(t *testing.T) {
	source := &fakeSource{
		head: 200,
		logs: map[common.Address][]types.Log{
			common.HexToAddress(sixMarket): {
				craftLog(t, sixMarket, "Mint", 180,
					common.HexToAddress(bob), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil), big.NewInt(1)),
			},
		},
	}
	sink := &recordingSink{}

	s, err := New(source, offlinePrices(), sink, testMarkets(), 60, 100)
	require.NoError(t, err)
	source.head = 140
	require.NoError(t, s.Prime(context.Background()))
	source.head = 200

	require.NoError(t, s.Scan(context.Background()))
	require.Len(t, sink.events, 1)
	assert.Zero(t, sink.events[0].USDValue)
}
