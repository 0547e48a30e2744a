package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/clubprotocol/chain-relay/internal/adapter"
	"github.com/clubprotocol/chain-relay/internal/domain"
	"github.com/clubprotocol/chain-relay/internal/logger"
	"github.com/clubprotocol/chain-relay/internal/messaging"
	"github.com/clubprotocol/chain-relay/internal/normalizer"
)

// membersABI describes the read surface of the membership contract
const membersABIJSON = `[{"constant":true,"inputs":[{"name":"wallet","type":"address"}],"name":"members","outputs":[{"name":"planId","type":"uint8"},{"name":"cycleNumber","type":"uint64"},{"name":"totalEarnings","type":"uint256"},{"name":"totalReferrals","type":"uint32"},{"name":"isActive","type":"bool"}],"payable":false,"stateMutability":"view","type":"function"}]`

// MemberState is the authoritative on-chain membership record
type MemberState struct {
	PlanID         uint8
	CycleNumber    uint64
	TotalEarnings  string // minor-unit decimal string
	TotalReferrals uint32
	IsActive       bool
}

// ContractClient reads the membership contract: log subscription and
// backfill for the emitter, state reads and receipt checks for the
// reconciler. It satisfies messaging.Subscriber so the emitter can treat
// the chain as just another event source.
//
//go:generate mockgen -source=client.go -destination=../mocks/chain.go -package=mocks -mock_names=ContractClient=MockContractClient
type ContractClient interface {
	// SubscribeEvents subscribes to contract events from the given block
	SubscribeEvents(ctx context.Context, fromBlock uint64, handler messaging.EventHandler) error

	// BackfillEvents fetches historical contract events for a block range
	BackfillEvents(ctx context.Context, fromBlock, toBlock uint64) ([]domain.DomainEvent, error)

	// GetLatestBlock returns the latest block number
	GetLatestBlock(ctx context.Context) (uint64, error)

	// GetMemberState reads the authoritative membership record for a wallet
	GetMemberState(ctx context.Context, wallet string) (*MemberState, error)

	// ConfirmTransaction reports whether a transaction is mined and succeeded.
	// A missing transaction returns (false, nil); errors mean the chain
	// could not be consulted.
	ConfirmTransaction(ctx context.Context, txHash string) (bool, error)

	// Close closes the connection
	Close()
}

type contractClient struct {
	contractAddr common.Address
	membersABI   abi.ABI
	client       adapter.EthClient
	clock        adapter.Clock
}

// NewClient creates a membership contract client
func NewClient(contractAddress string, client adapter.EthClient, clock adapter.Clock) (ContractClient, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("invalid contract address: %s", contractAddress)
	}

	parsed, err := abi.JSON(strings.NewReader(membersABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	return &contractClient{
		contractAddr: common.HexToAddress(contractAddress),
		membersABI:   parsed,
		client:       client,
		clock:        clock,
	}, nil
}

// SubscribeEvents subscribes to membership contract events
func (c *contractClient) SubscribeEvents(ctx context.Context, fromBlock uint64, handler messaging.EventHandler) error {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{c.contractAddr},
		Topics:    [][]common.Hash{normalizer.TopicFilter()},
	}

	logs := make(chan types.Log)
	sub, err := c.client.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrSubscriptionFailed, err)
	}
	defer func() {
		logger.InfoCtx(ctx, "Unsubscribing from contract event logs")
		sub.Unsubscribe()
		logger.InfoCtx(ctx, "Unsubscribed from contract event logs")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("subscription error: %w", err)
		case vLog := <-logs:
			event, err := normalizer.Normalize(vLog, c.clock.Now())
			if err != nil {
				logger.ErrorCtx(ctx, err, zap.String("message", "Error normalizing log"),
					zap.String("txHash", vLog.TxHash.Hex()))
				continue
			}

			if event == nil {
				continue
			}

			// A handler failure ends the subscription: the cursor stays at the
			// last handled block, so the restart backfills the missed event
			// and JetStream dedup absorbs any republish.
			if err := handler(event); err != nil {
				return fmt.Errorf("failed to handle event %s: %w", event.EventKey(), err)
			}
		}
	}
}

// BackfillEvents fetches historical contract events for a block range.
// Ranges are chunked and halved on provider result limits.
func (c *contractClient) BackfillEvents(ctx context.Context, fromBlock, toBlock uint64) ([]domain.DomainEvent, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contractAddr},
		Topics:    [][]common.Hash{normalizer.TopicFilter()},
	}

	logs, err := c.getLogsWithRetry(timeoutCtx, query, 10_000)
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}

	events := make([]domain.DomainEvent, 0, len(logs))
	for _, vLog := range logs {
		event, err := normalizer.Normalize(vLog, c.clock.Now())
		if err != nil {
			logger.Warn("Failed to normalize backfilled log",
				zap.Error(err), zap.String("txHash", vLog.TxHash.Hex()))
			continue
		}
		if event != nil {
			events = append(events, *event)
		}
	}

	return events, nil
}

// getLogsWithRetry processes the range in chunks, halving the chunk size
// when the provider rejects a query for returning too many results
func (c *contractClient) getLogsWithRetry(ctx context.Context, query ethereum.FilterQuery, stepSize uint64) ([]types.Log, error) {
	currentStepSize := stepSize

	var allLogs []types.Log
	currentFrom := new(big.Int).Set(query.FromBlock)

	for currentFrom.Cmp(query.ToBlock) <= 0 {
		currentTo := new(big.Int).Add(currentFrom, new(big.Int).SetUint64(currentStepSize-1))
		if currentTo.Cmp(query.ToBlock) > 0 {
			currentTo.Set(query.ToBlock)
		}

		queryCopy := query
		queryCopy.FromBlock = new(big.Int).Set(currentFrom)
		queryCopy.ToBlock = new(big.Int).Set(currentTo)

		logs, err := c.client.FilterLogs(ctx, queryCopy)
		if err == nil {
			allLogs = append(allLogs, logs...)
			currentFrom.SetUint64(currentTo.Uint64() + 1)
			continue
		}

		if !isTooManyResultsError(err) {
			return nil, err
		}
		if currentStepSize <= 1 {
			return nil, fmt.Errorf("result limit hit at minimum step size: %w", err)
		}

		currentStepSize = currentStepSize / 2

		logger.Warn("Too many results, reducing step size",
			zap.Uint64("oldStepSize", currentStepSize*2),
			zap.Uint64("newStepSize", currentStepSize),
			zap.Uint64("fromBlock", currentFrom.Uint64()),
			zap.Uint64("toBlock", currentTo.Uint64()))
	}

	return allLogs, nil
}

// isTooManyResultsError checks if the error is related to too many results
func isTooManyResultsError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "query returned more than 10000 results") ||
		strings.Contains(errStr, "query timeout exceeded") ||
		strings.Contains(errStr, "too many results") ||
		strings.Contains(errStr, "exceeded maximum")
}

// GetLatestBlock returns the latest block number
func (c *contractClient) GetLatestBlock(ctx context.Context) (uint64, error) {
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block: %w", err)
	}
	return header.Number.Uint64(), nil
}

// GetMemberState reads the authoritative membership record for a wallet
func (c *contractClient) GetMemberState(ctx context.Context, wallet string) (*MemberState, error) {
	if !common.IsHexAddress(wallet) {
		return nil, fmt.Errorf("invalid wallet address: %s", wallet)
	}

	data, err := c.membersABI.Pack("members", common.HexToAddress(wallet))
	if err != nil {
		return nil, fmt.Errorf("failed to pack data: %w", err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.contractAddr,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call contract: %w", err)
	}

	values, err := c.membersABI.Unpack("members", result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}
	if len(values) != 5 {
		return nil, fmt.Errorf("unexpected members() output arity: %d", len(values))
	}

	planID, ok := values[0].(uint8)
	if !ok {
		return nil, fmt.Errorf("unexpected planId type %T", values[0])
	}
	cycleNumber, ok := values[1].(uint64)
	if !ok {
		return nil, fmt.Errorf("unexpected cycleNumber type %T", values[1])
	}
	totalEarnings, ok := values[2].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected totalEarnings type %T", values[2])
	}
	totalReferrals, ok := values[3].(uint32)
	if !ok {
		return nil, fmt.Errorf("unexpected totalReferrals type %T", values[3])
	}
	isActive, ok := values[4].(bool)
	if !ok {
		return nil, fmt.Errorf("unexpected isActive type %T", values[4])
	}

	return &MemberState{
		PlanID:         planID,
		CycleNumber:    cycleNumber,
		TotalEarnings:  totalEarnings.String(),
		TotalReferrals: totalReferrals,
		IsActive:       isActive,
	}, nil
}

// ConfirmTransaction reports whether a transaction is mined and succeeded
func (c *contractClient) ConfirmTransaction(ctx context.Context, txHash string) (bool, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get receipt: %w", err)
	}

	return receipt.Status == types.ReceiptStatusSuccessful, nil
}

// Close closes the connection
func (c *contractClient) Close() {
	c.client.Close()
}
