package ledger

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
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ILLUVRSE/traceledger/internal/models"
)

// registryABI is the traceability registry contract:
//
//	function recordEvent(string dataHash) returns (uint256)
//	function verifyEvent(uint256 eventId, string dataHash) view returns (bool)
//	event EventRecorded(uint256 indexed eventId, string dataHash, address indexed recorder, uint256 timestamp)
const registryABI = `[
 {"type":"function","name":"recordEvent","stateMutability":"nonpayable",
  "inputs":[{"name":"dataHash","type":"string"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"verifyEvent","stateMutability":"view",
  "inputs":[{"name":"eventId","type":"uint256"},{"name":"dataHash","type":"string"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"event","name":"EventRecorded","anonymous":false,
  "inputs":[{"name":"eventId","type":"uint256","indexed":true},
            {"name":"dataHash","type":"string","indexed":false},
            {"name":"recorder","type":"address","indexed":true},
            {"name":"timestamp","type":"uint256","indexed":false}]}
]`

// ethereumBackend talks JSON-RPC to an EVM node hosting the registry contract.
type ethereumBackend struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	abi      abi.ABI
	address  common.Address
	identity *Identity
	chainID  *big.Int

	// serializes nonce selection for concurrent submissions
	submitMu sync.Mutex
}

func dialEthereum(ctx context.Context, rpcURL, contractAddress string, id *Identity) (*ethereumBackend, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("ledger: contract address %q is not a hex address", contractAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse registry abi: %w", err)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial rpc: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ledger: query chain id: %w", err)
	}
	addr := common.HexToAddress(contractAddress)
	return &ethereumBackend{
		client:   client,
		contract: bind.NewBoundContract(addr, parsed, client, client, client),
		abi:      parsed,
		address:  addr,
		identity: id,
		chainID:  chainID,
	}, nil
}

func (b *ethereumBackend) Submit(ctx context.Context, dataHash string) (string, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(b.identity.key, b.chainID)
	if err != nil {
		return "", fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx

	b.submitMu.Lock()
	tx, err := b.contract.Transact(opts, "recordEvent", dataHash)
	b.submitMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("recordEvent: %w", err)
	}
	return tx.Hash().Hex(), nil
}

func (b *ethereumBackend) Receipt(ctx context.Context, txRef string) (Receipt, error) {
	r, err := b.client.TransactionReceipt(ctx, common.HexToHash(txRef))
	if errors.Is(err, ethereum.NotFound) {
		return Receipt{}, errReceiptPending
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("fetch receipt: %w", err)
	}
	header, err := b.client.HeaderByNumber(ctx, r.BlockNumber)
	if err != nil {
		return Receipt{}, fmt.Errorf("fetch block header: %w", err)
	}
	return Receipt{
		BlockNumber: r.BlockNumber.Uint64(),
		BlockTime:   time.Unix(int64(header.Time), 0).UTC(),
		GasUsed:     r.GasUsed,
		Succeeded:   r.Status == types.ReceiptStatusSuccessful,
	}, nil
}

func (b *ethereumBackend) VerifyRecord(ctx context.Context, txRef, dataHash string) (bool, error) {
	r, err := b.client.TransactionReceipt(ctx, common.HexToHash(txRef))
	if errors.Is(err, ethereum.NotFound) {
		return false, &TransactionNotFoundError{TxRef: txRef}
	}
	if err != nil {
		return false, fmt.Errorf("fetch receipt: %w", err)
	}
	eventID, ok := b.recordedEventID(r)
	if !ok {
		return false, nil
	}
	var out []interface{}
	if err := b.contract.Call(&bind.CallOpts{Context: ctx}, &out, "verifyEvent", eventID, dataHash); err != nil {
		return false, fmt.Errorf("verifyEvent: %w", err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("verifyEvent: unexpected result %v", out)
	}
	valid, _ := out[0].(bool)
	return valid, nil
}

// recordedEventID finds the registry's EventRecorded log in r.
func (b *ethereumBackend) recordedEventID(r *types.Receipt) (*big.Int, bool) {
	ev, ok := b.abi.Events["EventRecorded"]
	if !ok {
		return nil, false
	}
	for _, lg := range r.Logs {
		if lg.Address != b.address || len(lg.Topics) < 2 || lg.Topics[0] != ev.ID {
			continue
		}
		return new(big.Int).SetBytes(lg.Topics[1].Bytes()), true
	}
	return nil, false
}

func (b *ethereumBackend) Transaction(ctx context.Context, txRef string) (models.TransactionInfo, error) {
	hash := common.HexToHash(txRef)
	tx, pending, err := b.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return models.TransactionInfo{}, &TransactionNotFoundError{TxRef: txRef}
	}
	if err != nil {
		return models.TransactionInfo{}, fmt.Errorf("fetch transaction: %w", err)
	}

	info := models.TransactionInfo{TransactionRef: hash.Hex(), Status: "pending"}
	if to := tx.To(); to != nil {
		info.To = to.Hex()
	}
	if from, err := types.Sender(types.LatestSignerForChainID(b.chainID), tx); err == nil {
		info.From = from.Hex()
	}
	if pending {
		return info, nil
	}

	rcpt, err := b.Receipt(ctx, txRef)
	if errors.Is(err, errReceiptPending) {
		return info, nil
	}
	if err != nil {
		return models.TransactionInfo{}, err
	}
	info.BlockNumber = rcpt.BlockNumber
	info.BlockTimestamp = rcpt.BlockTime
	if rcpt.Succeeded {
		info.Status = string(models.AnchorConfirmed)
	} else {
		info.Status = string(models.AnchorFailed)
	}
	return info, nil
}

func (b *ethereumBackend) Close() {
	b.client.Close()
}
