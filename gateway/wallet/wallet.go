// Package wallet はウォレットプロバイダ (EIP-1193 相当の request インターフェース) との境界
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"nft-marketplace-onchain/model"
)

const (
	MethodAccounts        = "eth_accounts"
	MethodRequestAccounts = "eth_requestAccounts"
	MethodSignTransaction = "eth_signTransaction"
)

// EIP-1193 のプロバイダエラーコード
const (
	codeUserRejected = 4001
	codeUnauthorized = 4100
)

// Provider はウォレットプロバイダ
type Provider interface {
	// Request はウォレットにJSON-RPCメソッドを要求する
	Request(ctx context.Context, method string, params ...any) (json.RawMessage, error)

	// Transactor は account で署名する書き込み用のオプションを返す
	Transactor(ctx context.Context, account common.Address, chainID *big.Int) (*bind.TransactOpts, error)
}

// Accounts は承認済みのアカウント一覧を取得する (ユーザーへの確認は発生しない)
func Accounts(ctx context.Context, p Provider) ([]common.Address, error) {
	return accounts(ctx, p, MethodAccounts)
}

// RequestAccounts はアカウントへのアクセスを要求する
func RequestAccounts(ctx context.Context, p Provider) ([]common.Address, error) {
	return accounts(ctx, p, MethodRequestAccounts)
}

func accounts(ctx context.Context, p Provider, method string) ([]common.Address, error) {
	if p == nil {
		return nil, model.Errorf(model.KindNoWallet, method, "no wallet provider installed")
	}
	raw, err := p.Request(ctx, method)
	if err != nil {
		return nil, classify(method, err)
	}
	var hexAddrs []string
	if err := json.Unmarshal(raw, &hexAddrs); err != nil {
		return nil, model.Errorf(model.KindChain, method, "decode accounts: %v", err)
	}
	addrs := make([]common.Address, 0, len(hexAddrs))
	for _, h := range hexAddrs {
		if !common.IsHexAddress(h) {
			return nil, model.Errorf(model.KindChain, method, "wallet returned invalid address %q", h)
		}
		addrs = append(addrs, common.HexToAddress(h))
	}
	return addrs, nil
}

// classify はプロバイダのエラーをエラー種別に変換する
func classify(op string, err error) error {
	var already *model.Error
	if errors.As(err, &already) {
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeUserRejected, codeUnauthorized:
			return model.NewError(model.KindUserRejected, op, err)
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "user rejected") {
		return model.NewError(model.KindUserRejected, op, err)
	}
	return model.NewError(model.KindChain, op, err)
}

// AddressHex は小文字の 0x 形式を返す
func AddressHex(a common.Address) string {
	return strings.ToLower(a.Hex())
}
