package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"nft-marketplace-onchain/model"
)

// RPCProvider はJSON-RPCで到達できる外部ウォレット (Frame, Clef 等) の実装
type RPCProvider struct {
	client *rpc.Client
	logger *slog.Logger
}

// DialRPC はウォレットのエンドポイントに接続する (http, ws, ipc)
func DialRPC(ctx context.Context, url string, logger *slog.Logger) (*RPCProvider, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("wallet: dial %s: %w", url, err)
	}
	return NewRPCProvider(client, logger), nil
}

func NewRPCProvider(client *rpc.Client, logger *slog.Logger) *RPCProvider {
	return &RPCProvider{client: client, logger: logger}
}

func (p *RPCProvider) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	var out json.RawMessage
	if err := p.client.CallContext(ctx, &out, method, params...); err != nil {
		p.logger.Debug("wallet request failed", slog.String("method", method), slog.String("error", err.Error()))
		return nil, classify(method, err)
	}
	return out, nil
}

// Transactor は eth_signTransaction でウォレットに署名を依頼する TransactOpts を返す
func (p *RPCProvider) Transactor(ctx context.Context, account common.Address, chainID *big.Int) (*bind.TransactOpts, error) {
	return &bind.TransactOpts{
		From:    account,
		Context: ctx,
		Signer: func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != account {
				return nil, model.Errorf(model.KindUserRejected, MethodSignTransaction, "not authorized to sign for %s", addr.Hex())
			}
			var res struct {
				Raw hexutil.Bytes `json:"raw"`
			}
			if err := p.client.CallContext(ctx, &res, MethodSignTransaction, txArgs(addr, tx, chainID)); err != nil {
				return nil, classify(MethodSignTransaction, err)
			}
			signed := new(types.Transaction)
			if err := signed.UnmarshalBinary(res.Raw); err != nil {
				return nil, model.Errorf(model.KindChain, MethodSignTransaction, "decode signed tx: %v", err)
			}
			return signed, nil
		},
	}, nil
}

func (p *RPCProvider) Close() {
	p.client.Close()
}

// txArgs は署名依頼用のトランザクション引数を組み立てる
func txArgs(from common.Address, tx *types.Transaction, chainID *big.Int) map[string]any {
	args := map[string]any{
		"from":  from,
		"gas":   hexutil.Uint64(tx.Gas()),
		"value": (*hexutil.Big)(tx.Value()),
		"data":  hexutil.Bytes(tx.Data()),
		"nonce": hexutil.Uint64(tx.Nonce()),
	}
	if tx.To() != nil {
		args["to"] = *tx.To()
	}
	if chainID != nil {
		args["chainId"] = (*hexutil.Big)(chainID)
	}
	if tx.Type() == types.DynamicFeeTxType {
		args["maxFeePerGas"] = (*hexutil.Big)(tx.GasFeeCap())
		args["maxPriorityFeePerGas"] = (*hexutil.Big)(tx.GasTipCap())
	} else {
		args["gasPrice"] = (*hexutil.Big)(tx.GasPrice())
	}
	return args
}
