package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"nft-marketplace-onchain/gateway/wallet"
	"nft-marketplace-onchain/model"
)

// OnchainItem はコントラクトの MarketItem 構造体
// フィールド名はABIのコンポーネント名と対応している
type OnchainItem struct {
	TokenId *big.Int
	Seller  common.Address
	Owner   common.Address
	Price   *big.Int
	Sold    bool
}

// Reader は読み取り専用ハンドル (署名なし、ウォレット接続不要)
type Reader interface {
	// ContractAddress はコントラクトアドレスを返す
	ContractAddress() string

	// GetListingPrice は出品手数料 (Wei) を取得
	GetListingPrice(ctx context.Context) (*big.Int, error)

	// FetchMarketItems は出品中の全アイテムを取得
	FetchMarketItems(ctx context.Context) ([]OnchainItem, error)

	// TokenURI はトークンのメタデータURIを取得
	TokenURI(ctx context.Context, tokenID *big.Int) (string, error)

	// VerifyTransaction はトランザクションを検証
	VerifyTransaction(ctx context.Context, txHash string) (*model.TxReceipt, error)
}

// Writer は署名付きの書き込みハンドル
type Writer interface {
	Reader

	// Account は署名者のアドレス
	Account() common.Address

	// FetchItemsListed は署名者が出品したアイテムを取得 (msg.sender で絞り込まれる)
	FetchItemsListed(ctx context.Context) ([]OnchainItem, error)

	// FetchMyNFTs は署名者が所有するアイテムを取得
	FetchMyNFTs(ctx context.Context) ([]OnchainItem, error)

	// CreateToken は新規トークンを発行して出品する。fee は支払う出品手数料
	CreateToken(ctx context.Context, tokenURI string, price, fee *big.Int) (*types.Transaction, error)

	// ReSellToken は既存トークンを再出品する
	ReSellToken(ctx context.Context, tokenID, price, fee *big.Int) (*types.Transaction, error)

	// CreateMarketSale はアイテムを購入する。value は支払う価格
	CreateMarketSale(ctx context.Context, tokenID, value *big.Int) (*types.Transaction, error)

	// WaitMined はトランザクションのマイニングを待ち、失敗(revert)ならエラーを返す
	WaitMined(ctx context.Context, tx *types.Transaction) (*model.TxReceipt, error)
}

// Handles は読み取り/書き込みハンドルを作る
type Handles interface {
	Reader() Reader
	Writer(ctx context.Context, session model.WalletSession) (Writer, error)
}

// Dialer はethclientとウォレットからハンドルを作る実装
type Dialer struct {
	client          *ethclient.Client
	contractAddress common.Address
	contractABI     abi.ABI
	chainID         *big.Int
	wallet          wallet.Provider
	logger          *slog.Logger
}

// NewDialer は新しいコントラクトハンドルの生成元を作る
// provider が nil の場合は読み取りのみ可能
func NewDialer(client *ethclient.Client, contractAddr string, chainID *big.Int, provider wallet.Provider, logger *slog.Logger) (*Dialer, error) {
	parsedABI, err := abi.JSON(strings.NewReader(NFTMarketplaceABI))
	if err != nil {
		return nil, fmt.Errorf("contract: parse abi: %w", err)
	}
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("contract: invalid marketplace address %q", contractAddr)
	}
	contractAddress := common.HexToAddress(contractAddr)
	if contractAddress == (common.Address{}) {
		logger.Warn("marketplace contract address is the zero address")
	}
	logger.Info("contract gateway initialized",
		slog.String("contract", contractAddress.Hex()),
		slog.String("chain_id", chainID.String()),
		slog.Bool("wallet", provider != nil),
	)

	return &Dialer{
		client:          client,
		contractAddress: contractAddress,
		contractABI:     parsedABI,
		chainID:         chainID,
		wallet:          provider,
		logger:          logger,
	}, nil
}

func (d *Dialer) Reader() Reader {
	return d.reader(common.Address{})
}

func (d *Dialer) reader(from common.Address) *readGateway {
	return &readGateway{
		client:          d.client,
		contractAddress: d.contractAddress,
		contractABI:     d.contractABI,
		from:            from,
		logger:          d.logger,
	}
}

// Writer はセッションのアカウントで署名する書き込みハンドルを作る
func (d *Dialer) Writer(ctx context.Context, session model.WalletSession) (Writer, error) {
	if !session.Connected() {
		return nil, model.Errorf(model.KindNotConnected, "contract.writer", "wallet is not connected")
	}
	if d.wallet == nil {
		return nil, model.Errorf(model.KindNoWallet, "contract.writer", "no wallet provider installed")
	}
	account := common.HexToAddress(session.Address)
	opts, err := d.wallet.Transactor(ctx, account, d.chainID)
	if err != nil {
		return nil, err
	}
	bound := bind.NewBoundContract(d.contractAddress, d.contractABI, d.client, d.client, d.client)
	return &writeGateway{
		readGateway: d.reader(account),
		opts:        opts,
		bound:       bound,
	}, nil
}

// readGateway は Reader の実装
type readGateway struct {
	client          *ethclient.Client
	contractAddress common.Address
	contractABI     abi.ABI
	from            common.Address
	logger          *slog.Logger
}

func (g *readGateway) ContractAddress() string {
	return g.contractAddress.Hex()
}

// call はビューメソッドを呼び出して結果をデコードする
func (g *readGateway) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := g.contractABI.Pack(method, args...)
	if err != nil {
		return nil, model.NewError(model.KindChain, method, err)
	}

	msg := ethereum.CallMsg{
		From: g.from,
		To:   &g.contractAddress,
		Data: data,
	}

	result, err := g.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, model.NewError(model.KindChain, method, err)
	}

	out, err := g.contractABI.Unpack(method, result)
	if err != nil {
		return nil, model.NewError(model.KindChain, method, err)
	}
	if len(out) == 0 {
		return nil, model.Errorf(model.KindChain, method, "empty result")
	}
	return out, nil
}

func (g *readGateway) GetListingPrice(ctx context.Context) (*big.Int, error) {
	out, err := g.call(ctx, methodGetListingPrice)
	if err != nil {
		return nil, err
	}
	fee, ok := out[0].(*big.Int)
	if !ok {
		return nil, model.Errorf(model.KindChain, methodGetListingPrice, "unexpected result type %T", out[0])
	}
	return fee, nil
}

func (g *readGateway) FetchMarketItems(ctx context.Context) ([]OnchainItem, error) {
	return g.fetchItems(ctx, methodFetchMarketItem)
}

func (g *readGateway) fetchItems(ctx context.Context, method string) ([]OnchainItem, error) {
	out, err := g.call(ctx, method)
	if err != nil {
		return nil, err
	}
	items := decodeItems(out[0])
	g.logger.Debug("fetched market items", slog.String("method", method), slog.Int("count", len(items)))
	return items, nil
}

// decodeItems はABIデコード結果 (無名構造体のスライス) を OnchainItem に変換する
func decodeItems(v any) []OnchainItem {
	return *abi.ConvertType(v, new([]OnchainItem)).(*[]OnchainItem)
}

func (g *readGateway) TokenURI(ctx context.Context, tokenID *big.Int) (string, error) {
	out, err := g.call(ctx, methodTokenURI, tokenID)
	if err != nil {
		return "", err
	}
	uri, ok := out[0].(string)
	if !ok {
		return "", model.Errorf(model.KindChain, methodTokenURI, "unexpected result type %T", out[0])
	}
	return uri, nil
}

// VerifyTransaction はトランザクションを検証
func (g *readGateway) VerifyTransaction(ctx context.Context, txHash string) (*model.TxReceipt, error) {
	txHashObj := common.HexToHash(txHash)
	if txHashObj.Big().Sign() == 0 {
		return nil, model.Errorf(model.KindValidation, "contract.verify_tx", "invalid transaction hash format")
	}

	tx, isPending, err := g.client.TransactionByHash(ctx, txHashObj)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, model.Errorf(model.KindChain, "contract.verify_tx", "transaction not found")
		}
		return nil, model.NewError(model.KindChain, "contract.verify_tx", err)
	}

	if isPending {
		return &model.TxReceipt{
			TxHash: txHash,
			Status: model.TxPending,
		}, nil
	}

	receipt, err := g.client.TransactionReceipt(ctx, txHashObj)
	if err != nil {
		return nil, model.NewError(model.KindChain, "contract.verify_tx", err)
	}

	verification := g.summarize(receipt)
	if tx.To() != nil && *tx.To() == g.contractAddress {
		verification.IsContractCall = true
	}
	return verification, nil
}

// summarize はレシートを TxReceipt に変換する
func (g *readGateway) summarize(receipt *types.Receipt) *model.TxReceipt {
	r := &model.TxReceipt{
		TxHash:  receipt.TxHash.Hex(),
		GasUsed: receipt.GasUsed,
		Success: receipt.Status == types.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		r.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if r.Success {
		r.Status = model.TxSuccess
	} else {
		r.Status = model.TxFailed
	}
	if tokenID := g.createdTokenID(receipt.Logs); tokenID != nil {
		r.TokenID = tokenID.String()
	}
	return r
}

// createdTokenID は出品イベントのログからトークンIDを取り出す
func (g *readGateway) createdTokenID(logs []*types.Log) *big.Int {
	event, ok := g.contractABI.Events[eventMarketItemCreated]
	if !ok {
		return nil
	}
	for _, vLog := range logs {
		if vLog.Address != g.contractAddress || len(vLog.Topics) < 2 || vLog.Topics[0] != event.ID {
			continue
		}
		return new(big.Int).SetBytes(vLog.Topics[1].Bytes())
	}
	return nil
}

// writeGateway は Writer の実装
type writeGateway struct {
	*readGateway
	opts  *bind.TransactOpts
	bound *bind.BoundContract
}

func (g *writeGateway) Account() common.Address {
	return g.opts.From
}

func (g *writeGateway) FetchItemsListed(ctx context.Context) ([]OnchainItem, error) {
	return g.fetchItems(ctx, methodFetchItemsListed)
}

func (g *writeGateway) FetchMyNFTs(ctx context.Context) ([]OnchainItem, error) {
	return g.fetchItems(ctx, methodFetchMyNFT)
}

func (g *writeGateway) CreateToken(ctx context.Context, tokenURI string, price, fee *big.Int) (*types.Transaction, error) {
	return g.transact(ctx, fee, methodCreateToken, tokenURI, price)
}

func (g *writeGateway) ReSellToken(ctx context.Context, tokenID, price, fee *big.Int) (*types.Transaction, error) {
	return g.transact(ctx, fee, methodReSellToken, tokenID, price)
}

func (g *writeGateway) CreateMarketSale(ctx context.Context, tokenID, value *big.Int) (*types.Transaction, error) {
	return g.transact(ctx, value, methodCreateMarketSale, tokenID)
}

func (g *writeGateway) transact(ctx context.Context, value *big.Int, method string, args ...any) (*types.Transaction, error) {
	opts := *g.opts
	opts.Context = ctx
	opts.Value = value

	tx, err := g.bound.Transact(&opts, method, args...)
	if err != nil {
		var typed *model.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, model.NewError(model.KindChain, method, err)
	}
	g.logger.Info("transaction submitted",
		slog.String("method", method),
		slog.String("tx_hash", tx.Hash().Hex()),
		slog.String("from", g.Account().Hex()),
		slog.String("value_wei", value.String()),
	)
	return tx, nil
}

func (g *writeGateway) WaitMined(ctx context.Context, tx *types.Transaction) (*model.TxReceipt, error) {
	receipt, err := bind.WaitMined(ctx, g.client, tx)
	if err != nil {
		return nil, model.NewError(model.KindChain, "contract.wait_mined", err)
	}
	summary := g.summarize(receipt)
	if !summary.Success {
		return summary, model.Errorf(model.KindChain, "contract.wait_mined", "transaction %s reverted", tx.Hash().Hex())
	}
	g.logger.Info("transaction mined",
		slog.String("tx_hash", summary.TxHash),
		slog.Uint64("block", summary.BlockNumber),
		slog.Uint64("gas_used", summary.GasUsed),
	)
	return summary, nil
}
