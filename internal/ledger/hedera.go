package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	hedera "github.com/hashgraph/hedera-sdk-go/v2"
)

// Typed ledger errors. Reverts and bad signatures are non-retriable;
// the state machine aborts the current command with the precise reason.
var (
	ErrContractRevert = errors.New("ledger: contract revert")
	ErrTaskNotFound   = errors.New("ledger: task does not exist")
)

// Gas budgets per call, matching the deployed contract's observed
// costs.
const (
	gasQuery         = 100_000
	gasSubmitWeights = 10_000_000
	gasWhitelist     = 100_000
)

// ClientConfig selects the network and signing identity.
type ClientConfig struct {
	Network     string // "testnet", "mainnet", "previewnet"
	OperatorID  string // "0.0.x"
	OperatorKey string // ECDSA secp256k1 hex
	ContractID  string // "0.0.x"
	LogTopicID  string // "0.0.x", optional
}

// Client executes contract transactions and queries as the configured
// operator. Stateless per call and safe for concurrent use.
type Client struct {
	hc         *hedera.Client
	operator   hedera.AccountID
	contractID hedera.ContractID
	logTopicID *hedera.TopicID
	log        *slog.Logger
}

// NewClient connects to the named network and registers the operator
// as the transaction payer and signer.
func NewClient(cfg ClientConfig, log *slog.Logger) (*Client, error) {
	hc, err := hedera.ClientForName(cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("ledger: network %q: %w", cfg.Network, err)
	}
	operator, err := hedera.AccountIDFromString(cfg.OperatorID)
	if err != nil {
		return nil, fmt.Errorf("ledger: operator id: %w", err)
	}
	key, err := hedera.PrivateKeyFromStringECDSA(cfg.OperatorKey)
	if err != nil {
		return nil, fmt.Errorf("ledger: operator key: %w", err)
	}
	contractID, err := hedera.ContractIDFromString(cfg.ContractID)
	if err != nil {
		return nil, fmt.Errorf("ledger: contract id: %w", err)
	}
	hc.SetOperator(operator, key)

	c := &Client{
		hc:         hc,
		operator:   operator,
		contractID: contractID,
		log:        log.With("component", "ledger"),
	}
	if cfg.LogTopicID != "" {
		topicID, err := hedera.TopicIDFromString(cfg.LogTopicID)
		if err != nil {
			return nil, fmt.Errorf("ledger: topic id: %w", err)
		}
		c.logTopicID = &topicID
	}
	return c, nil
}

// Close releases the underlying network client.
func (c *Client) Close() error { return c.hc.Close() }

// Operator returns the signing account id.
func (c *Client) Operator() string { return c.operator.String() }

// OperatorEVMAddress is the operator account in the 20-byte address
// form the contract sees as msg.sender.
func (c *Client) OperatorEVMAddress() string {
	return AccountEVMAddress(c.operator.Shard, c.operator.Realm, c.operator.Account)
}

// TaskCount returns the number of tasks ever created (the contract's
// monotonic task id counter).
func (c *Client) TaskCount(ctx context.Context) (uint64, error) {
	res, err := c.call(ctx, "getTaskId", nil)
	if err != nil {
		return 0, err
	}
	return uint256ToUint64(res.GetUint256(0)), nil
}

// TaskExists reports whether the task is still live. The contract
// flips exists to false when remainingChunks reaches zero.
func (c *Client) TaskExists(ctx context.Context, taskID uint64) (bool, error) {
	res, err := c.call(ctx, "taskExists", paramsUint256(taskID))
	if err != nil {
		return false, err
	}
	return res.GetBool(0), nil
}

// GetTask reads the full task struct from the public tasks mapping.
// Returns ErrTaskNotFound for a task the contract no longer holds.
func (c *Client) GetTask(ctx context.Context, taskID uint64) (Task, error) {
	exists, err := c.TaskExists(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if !exists {
		return Task{}, fmt.Errorf("%w: task %d", ErrTaskNotFound, taskID)
	}
	res, err := c.call(ctx, "tasks", paramsUint256(taskID))
	if err != nil {
		return Task{}, err
	}
	return Task{
		ID:              taskID,
		Depositor:       evmAddressHex(res.GetAddress(0)),
		ModelRef:        res.GetString(1),
		DatasetRef:      res.GetString(2),
		TotalChunks:     uint256ToUint64(res.GetUint256(3)),
		RemainingChunks: uint256ToUint64(res.GetUint256(4)),
		PerChunkReward:  uint256ToUint64(res.GetUint256(5)),
		Exists:          res.GetBool(6),
	}, nil
}

// SubmitWeights posts the trainer's weights content hash for one
// chunk. The contract decrements remainingChunks and transfers the
// per-chunk reward; a revert (all chunks consumed, not whitelisted)
// surfaces as ErrContractRevert.
func (c *Client) SubmitWeights(ctx context.Context, taskID uint64, weightsHash string) error {
	params := hedera.NewContractFunctionParameters().
		AddUint256(uint256Bytes(taskID)).
		AddString(weightsHash)
	if err := c.execute(ctx, "submitWeights", gasSubmitWeights, params); err != nil {
		return err
	}
	c.log.Info("weights submitted", "task", taskID, "weights_hash", weightsHash)
	return nil
}

// AddToWhitelist allows the account to submit weights.
func (c *Client) AddToWhitelist(ctx context.Context, accountID string) error {
	params, err := paramsAccountAddress(accountID)
	if err != nil {
		return err
	}
	return c.execute(ctx, "addToWhitelist", gasWhitelist, params)
}

// RemoveFromWhitelist revokes the account's submission permission.
func (c *Client) RemoveFromWhitelist(ctx context.Context, accountID string) error {
	params, err := paramsAccountAddress(accountID)
	if err != nil {
		return err
	}
	return c.execute(ctx, "removeFromWhitelist", gasWhitelist, params)
}

// IsWhitelisted checks the account's submission permission.
func (c *Client) IsWhitelisted(ctx context.Context, accountID string) (bool, error) {
	params, err := paramsAccountAddress(accountID)
	if err != nil {
		return false, err
	}
	res, err := c.call(ctx, "isWhitelisted", params)
	if err != nil {
		return false, err
	}
	return res.GetBool(0), nil
}

// PublishLog appends a human-readable line to the consensus log topic.
// Best-effort: without a configured topic it is a no-op, and failures
// never affect round correctness.
func (c *Client) PublishLog(ctx context.Context, message string) error {
	if c.logTopicID == nil {
		return nil
	}
	tx, err := execCtx(ctx, func() (hedera.TransactionResponse, error) {
		return hedera.NewTopicMessageSubmitTransaction().
			SetTopicID(*c.logTopicID).
			SetMessage([]byte(message)).
			Execute(c.hc)
	})
	if err != nil {
		return fmt.Errorf("ledger: submit log: %w", err)
	}
	if _, err := execCtx(ctx, func() (hedera.TransactionReceipt, error) {
		return tx.GetReceipt(c.hc)
	}); err != nil {
		return fmt.Errorf("ledger: log receipt: %w", err)
	}
	return nil
}

// execCtx runs a network call that takes no context of its own and
// enforces the caller's deadline around it. On cancellation the call
// keeps running on its goroutine and its result is discarded.
func execCtx[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		val, err := fn()
		done <- outcome{val, err}
	}()
	select {
	case out := <-done:
		return out.val, out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (c *Client) call(ctx context.Context, fn string, params *hedera.ContractFunctionParameters) (hedera.ContractFunctionResult, error) {
	query := hedera.NewContractCallQuery().
		SetContractID(c.contractID).
		SetGas(gasQuery).
		SetFunction(fn, params)
	res, err := execCtx(ctx, func() (hedera.ContractFunctionResult, error) {
		return query.Execute(c.hc)
	})
	if err != nil {
		return hedera.ContractFunctionResult{}, fmt.Errorf("ledger: %s: %w", fn, err)
	}
	return res, nil
}

func (c *Client) execute(ctx context.Context, fn string, gas uint64, params *hedera.ContractFunctionParameters) error {
	resp, err := execCtx(ctx, func() (hedera.TransactionResponse, error) {
		return hedera.NewContractExecuteTransaction().
			SetContractID(c.contractID).
			SetGas(gas).
			SetFunction(fn, params).
			Execute(c.hc)
	})
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", fn, err)
	}
	receipt, err := execCtx(ctx, func() (hedera.TransactionReceipt, error) {
		return resp.GetReceipt(c.hc)
	})
	if err != nil {
		if strings.Contains(err.Error(), "CONTRACT_REVERT_EXECUTED") {
			return fmt.Errorf("%w: %s: %v", ErrContractRevert, fn, err)
		}
		return fmt.Errorf("ledger: %s receipt: %w", fn, err)
	}
	if receipt.Status != hedera.StatusSuccess {
		if receipt.Status == hedera.StatusContractRevertExecuted {
			return fmt.Errorf("%w: %s: %s", ErrContractRevert, fn, receipt.Status)
		}
		return fmt.Errorf("ledger: %s: status %s", fn, receipt.Status)
	}
	return nil
}

// AccountEVMAddress maps a Hedera shard.realm.num account to the
// 20-byte address form used by the contract: the last 20 bytes of the
// big-endian shard|realm|num concatenation.
func AccountEVMAddress(shard, realm, num uint64) string {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], shard)
	binary.BigEndian.PutUint64(buf[8:16], realm)
	binary.BigEndian.PutUint64(buf[16:24], num)
	return evmAddressHex(buf[4:24])
}

// evmAddressHex renders raw address bytes, as returned by contract
// queries, in the lower-case 0x form used everywhere else. Comparisons
// against checksummed addresses are case-insensitive.
func evmAddressHex(raw []byte) string {
	return "0x" + hex.EncodeToString(raw)
}

// ParseAccountEVMAddress converts a "0.0.x" account string to its EVM
// address form.
func ParseAccountEVMAddress(accountID string) (string, error) {
	parts := strings.Split(accountID, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("ledger: invalid account id %q", accountID)
	}
	nums := make([]uint64, 3)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return "", fmt.Errorf("ledger: invalid account id %q: %w", accountID, err)
		}
		nums[i] = n
	}
	return AccountEVMAddress(nums[0], nums[1], nums[2]), nil
}

func paramsUint256(v uint64) *hedera.ContractFunctionParameters {
	return hedera.NewContractFunctionParameters().AddUint256(uint256Bytes(v))
}

func paramsAccountAddress(accountID string) (*hedera.ContractFunctionParameters, error) {
	addr, err := ParseAccountEVMAddress(accountID)
	if err != nil {
		return nil, err
	}
	params, err := hedera.NewContractFunctionParameters().AddAddress(strings.TrimPrefix(addr, "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: encode address: %w", err)
	}
	return params, nil
}

func uint256Bytes(v uint64) []byte {
	return new(big.Int).SetUint64(v).FillBytes(make([]byte, 32))
}

func uint256ToUint64(raw []byte) uint64 {
	return new(big.Int).SetBytes(raw).Uint64()
}
