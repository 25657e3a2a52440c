package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`
)

var (
	aggregatorV3ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

// ContractCaller is the subset of ethclient used for read-only calls.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// OracleOptions parameterise the on-chain price source.
type OracleOptions struct {
	RPCURL string
	// Feeds maps "coin/currency" to a Chainlink aggregator address.
	Feeds   map[string]string
	Timeout time.Duration
	// MaxAge rejects answers older than this; zero disables the check.
	MaxAge time.Duration
}

// Oracle reads Chainlink price feeds via Ethereum RPC.
type Oracle struct {
	opts      OracleOptions
	logger    zerolog.Logger
	caller    ContractCaller
	clientMux sync.Mutex
	decimals  map[common.Address]int32
	now       func() time.Time
}

// NewOracle builds a Chainlink price source. The RPC client is dialled lazily.
func NewOracle(opts OracleOptions, logger zerolog.Logger) *Oracle {
	feeds := make(map[string]string, len(opts.Feeds))
	for pair, addr := range opts.Feeds {
		feeds[strings.ToLower(strings.TrimSpace(pair))] = addr
	}
	opts.Feeds = feeds
	return &Oracle{
		opts:     opts,
		logger:   logger.With().Str("component", "oracle_fetcher").Logger(),
		decimals: make(map[common.Address]int32),
		now:      time.Now,
	}
}

// NewOracleWithCaller is used when the caller is already connected.
func NewOracleWithCaller(opts OracleOptions, caller ContractCaller, logger zerolog.Logger) *Oracle {
	o := NewOracle(opts, logger)
	o.caller = caller
	return o
}

// Name identifies the source.
func (o *Oracle) Name() string { return "chainlink" }

// Supports reports whether a feed is configured for the pair.
func (o *Oracle) Supports(coinID, currency string) bool {
	_, ok := o.opts.Feeds[pairKey(coinID, currency)]
	return ok
}

// FetchPrice reads latestRoundData and scales the answer by the feed decimals.
func (o *Oracle) FetchPrice(ctx context.Context, coinID, currency string) (decimal.Decimal, error) {
	feed, ok := o.opts.Feeds[pairKey(coinID, currency)]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("chainlink %s/%s: %w", coinID, currency, ErrNoQuote)
	}
	if o.opts.RPCURL == "" && o.caller == nil {
		return decimal.Decimal{}, errors.New("ethereum rpc url not configured")
	}

	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := o.getCaller(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}

	addr := common.HexToAddress(feed)
	scale, err := o.feedDecimals(ctx, caller, addr)
	if err != nil {
		return decimal.Decimal{}, err
	}

	outputs, err := o.call(ctx, caller, addr, "latestRoundData")
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(outputs) != 5 {
		return decimal.Decimal{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode latestRoundData answer")
	}
	if answer.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("chainlink %s/%s: non-positive answer", coinID, currency)
	}

	if updatedAt, ok := outputs[3].(*big.Int); ok && o.opts.MaxAge > 0 {
		age := o.now().Sub(time.Unix(updatedAt.Int64(), 0))
		if age > o.opts.MaxAge {
			return decimal.Decimal{}, fmt.Errorf("chainlink %s/%s: answer is %s old", coinID, currency, age.Round(time.Second))
		}
	}

	return decimal.NewFromBigInt(answer, -scale), nil
}

func (o *Oracle) feedDecimals(ctx context.Context, caller ContractCaller, addr common.Address) (int32, error) {
	o.clientMux.Lock()
	scale, ok := o.decimals[addr]
	o.clientMux.Unlock()
	if ok {
		return scale, nil
	}

	outputs, err := o.call(ctx, caller, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	raw, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	o.clientMux.Lock()
	o.decimals[addr] = int32(raw)
	o.clientMux.Unlock()
	return int32(raw), nil
}

func (o *Oracle) call(ctx context.Context, caller ContractCaller, addr common.Address, method string) ([]any, error) {
	payload, err := aggregatorV3ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, addr.Hex(), err)
	}
	return aggregatorV3ABI.Unpack(method, res)
}

func (o *Oracle) getCaller(ctx context.Context) (ContractCaller, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.caller != nil {
		return o.caller, nil
	}

	client, err := ethclient.DialContext(ctx, o.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	o.caller = client
	return client, nil
}

func pairKey(coinID, currency string) string {
	return strings.ToLower(strings.TrimSpace(coinID)) + "/" + strings.ToLower(strings.TrimSpace(currency))
}

var _ PriceSource = (*Oracle)(nil)
