// Package scanner watches cToken contracts for lending activity and feeds
// typed, USD-valued events into the engine. It polls a sliding block window
// rather than holding a subscription, which survives flaky RPC endpoints.
package scanner

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/tamago-labs/kilo-point-engine/internal/model"
	"github.com/tamago-labs/kilo-point-engine/internal/prices"
)

// cTokenEventsABI declares the four lending events the engine accounts for.
// All arguments are non-indexed, matching the Compound-style cToken contracts.
const cTokenEventsABI = `[
	{"anonymous":false,"inputs":[{"indexed":false,"name":"minter","type":"address"},{"indexed":false,"name":"mintAmount","type":"uint256"},{"indexed":false,"name":"mintTokens","type":"uint256"}],"name":"Mint","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":false,"name":"redeemer","type":"address"},{"indexed":false,"name":"redeemAmount","type":"uint256"},{"indexed":false,"name":"redeemTokens","type":"uint256"}],"name":"Redeem","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":false,"name":"borrower","type":"address"},{"indexed":false,"name":"borrowAmount","type":"uint256"},{"indexed":false,"name":"accountBorrows","type":"uint256"},{"indexed":false,"name":"totalBorrows","type":"uint256"}],"name":"Borrow","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":false,"name":"payer","type":"address"},{"indexed":false,"name":"borrower","type":"address"},{"indexed":false,"name":"repayAmount","type":"uint256"},{"indexed":false,"name":"accountBorrows","type":"uint256"},{"indexed":false,"name":"totalBorrows","type":"uint256"}],"name":"RepayBorrow","type":"event"}
]`

// ChainSource abstracts the RPC calls the scanner needs so tests can run
// against crafted logs. *ethclient.Client satisfies it.
type ChainSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Sink receives decoded events in chain order.
type Sink interface {
	HandleEvent(ctx context.Context, ev model.Event)
}

// Scanner polls recent blocks for lending events across all markets.
type Scanner struct {
	source  ChainSource
	prices  *prices.Manager
	sink    Sink
	markets []model.Market

	events    abi.ABI
	topics    []common.Hash
	byTopic   map[common.Hash]string
	byAddress map[common.Address]model.Market

	window    uint64
	maxBlocks uint64
	lastBlock uint64
}

// New creates a scanner over the given markets. window is the nominal number
// of blocks per scan (one block per second on Kaia), capped at maxBlocks.
func New(source ChainSource, priceManager *prices.Manager, sink Sink, markets []model.Market, window, maxBlocks uint64) (*Scanner, error) {
	parsed, err := abi.JSON(strings.NewReader(cTokenEventsABI))
	if err != nil {
		return nil, fmt.Errorf("parsing cToken event ABI: %w", err)
	}

	s := &Scanner{
		source:    source,
		prices:    priceManager,
		sink:      sink,
		markets:   markets,
		events:    parsed,
		byTopic:   make(map[common.Hash]string),
		byAddress: make(map[common.Address]model.Market),
		window:    window,
		maxBlocks: maxBlocks,
	}

	for _, name := range []string{"Mint", "Redeem", "Borrow", "RepayBorrow"} {
		ev, ok := parsed.Events[name]
		if !ok {
			return nil, fmt.Errorf("event %s missing from ABI", name)
		}
		s.topics = append(s.topics, ev.ID)
		s.byTopic[ev.ID] = name
	}
	for _, m := range markets {
		s.byAddress[common.HexToAddress(m.CTokenAddress)] = m
	}

	return s, nil
}

// Prime records the current head so the first scan starts from "now" instead
// of replaying history.
func (s *Scanner) Prime(ctx context.Context) error {
	head, err := s.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("reading block number: %w", err)
	}
	s.lastBlock = head
	logrus.Infof("Scanner primed at block %d, tracking %d markets", head, len(s.markets))
	return nil
}

// Scan processes the recent block window once. Per-market failures are logged
// and skipped; the head pointer still advances so one bad market cannot stall
// the others.
func (s *Scanner) Scan(ctx context.Context) error {
	head, err := s.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("reading block number: %w", err)
	}

	blocksToScan := s.window
	if blocksToScan > s.maxBlocks {
		blocksToScan = s.maxBlocks
	}
	// A chain younger than the window scans from genesis.
	var fromBlock uint64
	if head > blocksToScan {
		fromBlock = head - blocksToScan
	}
	if s.lastBlock > fromBlock {
		fromBlock = s.lastBlock
	}
	if head <= fromBlock {
		return nil
	}

	logrus.Debugf("Scanning blocks %d to %d", fromBlock+1, head)

	var decoded []model.Event
	for _, market := range s.markets {
		events, err := s.scanMarket(ctx, market, fromBlock+1, head)
		if err != nil {
			logrus.Warnf("Scan failed for %s: %v", market.Symbol, err)
			continue
		}
		decoded = append(decoded, events...)
	}

	// Chain order across all markets: block number, then log order inside the
	// block (log index is monotonic within a block).
	sort.SliceStable(decoded, func(i, j int) bool {
		return decoded[i].BlockNumber < decoded[j].BlockNumber
	})

	for _, ev := range decoded {
		s.sink.HandleEvent(ctx, ev)
	}
	if len(decoded) > 0 {
		logrus.Infof("Processed %d events in blocks %d-%d", len(decoded), fromBlock+1, head)
	}

	s.lastBlock = head
	return nil
}

func (s *Scanner) scanMarket(ctx context.Context, market model.Market, from, to uint64) ([]model.Event, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{common.HexToAddress(market.CTokenAddress)},
		Topics:    [][]common.Hash{s.topics},
	}

	logs, err := s.source.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filtering logs: %w", err)
	}

	var events []model.Event
	for _, lg := range logs {
		ev, ok := s.decode(ctx, market, lg)
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// decode turns one raw log into a USD-valued event. Undecodable logs are
// logged and dropped rather than failing the scan.
func (s *Scanner) decode(ctx context.Context, market model.Market, lg types.Log) (model.Event, bool) {
	if len(lg.Topics) == 0 {
		return model.Event{}, false
	}
	name, ok := s.byTopic[lg.Topics[0]]
	if !ok {
		return model.Event{}, false
	}

	args, err := s.events.Unpack(name, lg.Data)
	if err != nil {
		logrus.Warnf("Undecodable %s log in tx %s: %v", name, lg.TxHash.Hex(), err)
		return model.Event{}, false
	}

	var (
		user   common.Address
		amount *big.Int
		typ    model.EventType
	)
	switch name {
	case "Mint":
		user, _ = args[0].(common.Address)
		amount, _ = args[1].(*big.Int)
		typ = model.EventSupply
	case "Redeem":
		user, _ = args[0].(common.Address)
		amount, _ = args[1].(*big.Int)
		typ = model.EventWithdraw
	case "Borrow":
		user, _ = args[0].(common.Address)
		amount, _ = args[1].(*big.Int)
		typ = model.EventBorrow
	case "RepayBorrow":
		// Credit the borrower whose debt shrinks, not the payer.
		user, _ = args[1].(common.Address)
		amount, _ = args[2].(*big.Int)
		typ = model.EventRepay
	default:
		return model.Event{}, false
	}
	if amount == nil {
		logrus.Warnf("Missing amount in %s log, tx %s", name, lg.TxHash.Hex())
		return model.Event{}, false
	}

	usd := s.usdValue(ctx, market, amount)

	logrus.WithFields(logrus.Fields{
		"type":   typ,
		"market": market.Symbol,
		"user":   user.Hex(),
		"usd":    usd,
		"block":  lg.BlockNumber,
		"tx":     lg.TxHash.Hex(),
	}).Info("Protocol event")

	return model.Event{
		User:        user.Hex(),
		Market:      market.UnderlyingSymbol,
		USDValue:    usd,
		Type:        typ,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash.Hex(),
	}, true
}

// usdValue converts a raw token amount to USD using the price feed. Unknown
// prices value the event at zero; it is still counted in activity totals.
func (s *Scanner) usdValue(ctx context.Context, market model.Market, amount *big.Int) float64 {
	scale := new(big.Float).SetFloat64(math.Pow10(int(market.Decimals)))
	tokens, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), scale).Float64()
	price := s.prices.TokenPrice(ctx, market.UnderlyingSymbol)
	return tokens * price
}
