package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"nft-marketplace-onchain/model"
)

// KeyedProvider は秘密鍵をプロセス内に持つウォレット
// eth_requestAccounts が一度呼ばれるまでは eth_accounts は空を返す
type KeyedProvider struct {
	key     *ecdsa.PrivateKey
	address common.Address

	mu         sync.RWMutex
	authorized bool
}

// NewKeyedProvider は16進の secp256k1 秘密鍵からウォレットを作る
func NewKeyedProvider(privateKeyHex string) (*KeyedProvider, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("wallet: invalid private key: %w", err)
	}
	return &KeyedProvider{
		key:     pk,
		address: ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

func (p *KeyedProvider) Address() common.Address {
	return p.address
}

func (p *KeyedProvider) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.NewError(model.KindChain, method, err)
	}
	switch method {
	case MethodAccounts:
		p.mu.RLock()
		ok := p.authorized
		p.mu.RUnlock()
		if !ok {
			return json.Marshal([]string{})
		}
		return json.Marshal([]string{AddressHex(p.address)})
	case MethodRequestAccounts:
		p.mu.Lock()
		p.authorized = true
		p.mu.Unlock()
		return json.Marshal([]string{AddressHex(p.address)})
	default:
		return nil, model.Errorf(model.KindChain, method, "method not supported by keyed wallet")
	}
}

// Revoke は承認を取り消す
func (p *KeyedProvider) Revoke() {
	p.mu.Lock()
	p.authorized = false
	p.mu.Unlock()
}

func (p *KeyedProvider) Transactor(ctx context.Context, account common.Address, chainID *big.Int) (*bind.TransactOpts, error) {
	if account != p.address {
		return nil, model.Errorf(model.KindUserRejected, "wallet.transactor", "account %s is not managed by this wallet", account.Hex())
	}
	p.mu.RLock()
	ok := p.authorized
	p.mu.RUnlock()
	if !ok {
		return nil, model.Errorf(model.KindUserRejected, "wallet.transactor", "account %s has not been authorized", account.Hex())
	}
	opts, err := bind.NewKeyedTransactorWithChainID(p.key, chainID)
	if err != nil {
		return nil, model.NewError(model.KindChain, "wallet.transactor", err)
	}
	opts.Context = ctx
	return opts, nil
}
