package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/chainfold/holdings-reconciler/internal/adapter"
	"github.com/chainfold/holdings-reconciler/internal/domain"
	"github.com/chainfold/holdings-reconciler/internal/logger"
)

const (
	// DefaultBlockChunkSize bounds one FilterLogs page so a failed page can be
	// retried without refetching the whole range
	DefaultBlockChunkSize = 50_000
)

// Event signatures emitted by the custody contract. Topic layout for all
// four: [signature, wallet, assetId].
var (
	topicAssetDeposited = crypto.Keccak256Hash([]byte("AssetDeposited(address,uint256)"))
	topicAssetWithdrawn = crypto.Keccak256Hash([]byte("AssetWithdrawn(address,uint256)"))
	topicAssetLocked    = crypto.Keccak256Hash([]byte("AssetLocked(address,uint256)"))
	topicAssetUnlocked  = crypto.Keccak256Hash([]byte("AssetUnlocked(address,uint256)"))

	topicToKind = map[common.Hash]domain.EventKind{
		topicAssetDeposited: domain.EventKindDeposit,
		topicAssetWithdrawn: domain.EventKindWithdraw,
		topicAssetLocked:    domain.EventKindLock,
		topicAssetUnlocked:  domain.EventKindUnlock,
	}
	kindToTopic = map[domain.EventKind]common.Hash{
		domain.EventKindDeposit:  topicAssetDeposited,
		domain.EventKindWithdraw: topicAssetWithdrawn,
		domain.EventKindLock:     topicAssetLocked,
		domain.EventKindUnlock:   topicAssetUnlocked,
	}
)

// NodeConfig holds configuration for the live ledger node source
type NodeConfig struct {
	// ContractAddress is the custody contract emitting holding events
	ContractAddress string
	// StartHeight is the earliest block worth querying (contract deployment)
	StartHeight uint64
	// BlockChunkSize bounds the block range of one log page
	BlockChunkSize uint64
}

// nodeSource fetches events from a live ledger node in bounded block chunks
type nodeSource struct {
	config NodeConfig
	client adapter.EthClient
}

// NewNodeSource creates an EventSource backed by a live ledger node
func NewNodeSource(config NodeConfig, client adapter.EthClient) EventSource {
	if config.BlockChunkSize == 0 {
		config.BlockChunkSize = DefaultBlockChunkSize
	}
	return &nodeSource{config: config, client: client}
}

// Name identifies the source
func (s *nodeSource) Name() string {
	return "ledger-node"
}

// FetchEvents pages FilterLogs over the requested range and decodes each log.
// A failed page fails the whole fetch (the caller retries); a log that cannot
// be decoded is skipped and reported, never fatal.
func (s *nodeSource) FetchEvents(ctx context.Context, q Query) (*FetchResult, error) {
	head, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get chain head: %v", domain.ErrSourceUnavailable, err)
	}
	latest := head.Number.Uint64()

	fromBlock := max(q.SinceHeight, s.config.StartHeight)
	if fromBlock > latest {
		return &FetchResult{}, nil
	}

	topics := s.buildTopics(q)
	result := &FetchResult{}
	// Block timestamps repeat across logs in the same block; memoize headers
	blockTimes := map[uint64]int64{}

	for chunkFrom := fromBlock; chunkFrom <= latest; chunkFrom += s.config.BlockChunkSize {
		chunkTo := min(chunkFrom+s.config.BlockChunkSize-1, latest)

		filter := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(chunkFrom),
			ToBlock:   new(big.Int).SetUint64(chunkTo),
			Addresses: []common.Address{common.HexToAddress(s.config.ContractAddress)},
			Topics:    topics,
		}

		logs, err := s.client.FilterLogs(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to filter logs for blocks %d-%d: %v",
				domain.ErrSourceUnavailable, chunkFrom, chunkTo, err)
		}

		for _, vLog := range logs {
			event, err := s.decodeLog(ctx, vLog, blockTimes)
			if err != nil {
				// Header fetch failures are transient, not malformed data
				if errors.Is(err, domain.ErrSourceUnavailable) {
					return nil, err
				}
				logger.WarnCtx(ctx, "Skipping undecodable ledger log",
					zap.String("tx_hash", vLog.TxHash.Hex()),
					zap.Uint64("block", vLog.BlockNumber),
					zap.Error(err),
				)
				result.Skipped = append(result.Skipped, SkippedEvent{
					Source:        s.Name(),
					WalletAddress: q.WalletAddress,
					Payload:       fmt.Sprintf("tx=%s index=%d topics=%v", vLog.TxHash.Hex(), vLog.Index, vLog.Topics),
					Reason:        err.Error(),
					ObservedAt:    time.Now().UTC(),
				})
				continue
			}
			result.Events = append(result.Events, *event)
		}
	}

	return result, nil
}

// buildTopics constrains the log filter to the requested kinds and wallet
func (s *nodeSource) buildTopics(q Query) [][]common.Hash {
	kinds := q.Kinds
	if len(kinds) == 0 {
		kinds = domain.AllEventKinds()
	}

	signatures := make([]common.Hash, 0, len(kinds))
	for _, kind := range kinds {
		if topic, ok := kindToTopic[kind]; ok {
			signatures = append(signatures, topic)
		}
	}

	walletTopic := common.BytesToHash(common.HexToAddress(q.WalletAddress).Bytes())
	return [][]common.Hash{signatures, {walletTopic}}
}

// decodeLog converts one raw log into a LedgerEvent
func (s *nodeSource) decodeLog(ctx context.Context, vLog types.Log, blockTimes map[uint64]int64) (*domain.LedgerEvent, error) {
	if vLog.Removed {
		return nil, fmt.Errorf("%w: log removed by chain reorg", domain.ErrMalformedEvent)
	}
	if len(vLog.Topics) != 3 {
		return nil, fmt.Errorf("%w: expected 3 topics, got %d", domain.ErrMalformedEvent, len(vLog.Topics))
	}

	kind, ok := topicToKind[vLog.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event signature %s", domain.ErrMalformedEvent, vLog.Topics[0].Hex())
	}

	timestamp, err := s.blockTime(ctx, vLog.BlockNumber, blockTimes)
	if err != nil {
		return nil, err
	}

	event := &domain.LedgerEvent{
		AssetID:       new(big.Int).SetBytes(vLog.Topics[2].Bytes()).String(),
		WalletAddress: common.BytesToAddress(vLog.Topics[1].Bytes()).String(),
		Kind:          kind,
		BlockHeight:   vLog.BlockNumber,
		ObservedAt:    time.Unix(timestamp, 0).UTC(),
	}

	if !event.Valid() {
		return nil, fmt.Errorf("%w: incomplete event after decode", domain.ErrMalformedEvent)
	}

	return event, nil
}

// blockTime returns the timestamp of a block, fetching the header at most
// once per block per fetch
func (s *nodeSource) blockTime(ctx context.Context, blockNumber uint64, blockTimes map[uint64]int64) (int64, error) {
	if ts, ok := blockTimes[blockNumber]; ok {
		return ts, nil
	}

	header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get header for block %d: %v", domain.ErrSourceUnavailable, blockNumber, err)
	}

	ts := int64(header.Time) //nolint:gosec,G115
	blockTimes[blockNumber] = ts
	return ts, nil
}

// Close closes the underlying client connection
func (s *nodeSource) Close() {
	s.client.Close()
}
