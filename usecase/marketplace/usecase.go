package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"nft-marketplace-onchain/gateway/contract"
	"nft-marketplace-onchain/gateway/wallet"
	"nft-marketplace-onchain/model"
)

// defaultConcurrency はメタデータを同時に取得する上限
const defaultConcurrency = 8

// MarketplaceUsecase はウォレット・コンテンツストア・コントラクトをつなぐアダプタ
type MarketplaceUsecase interface {
	// ConnectWallet はウォレットにアカウントへのアクセスを要求する
	ConnectWallet(ctx context.Context, current model.WalletSession) (model.WalletSession, error)

	// GetSession は承認済みのアカウントを確認する (ユーザーへの確認なし)
	GetSession(ctx context.Context) (model.WalletSession, error)

	// UploadContent はバイナリをコンテンツストアに保存してURIを返す
	UploadContent(ctx context.Context, r io.Reader) (string, error)

	// UploadMetadata はメタデータJSONを保存してURIを返す
	UploadMetadata(ctx context.Context, name, description, imageURI string) (string, error)

	// SubmitListing は新規出品または再出品し、マイニングを待つ
	SubmitListing(ctx context.Context, session model.WalletSession, req model.ListingRequest) (*model.TxReceipt, error)

	// CreateNFT はフォーム入力からメタデータを保存して新規出品する
	CreateNFT(ctx context.Context, session model.WalletSession, form model.NFTForm) (*model.TxReceipt, error)

	// FetchAllListings は出品中の全アイテムを取得する (ウォレット不要)
	FetchAllListings(ctx context.Context) (*model.ListingResult, error)

	// FetchOwnedOrListedItems は自分の所有/出品アイテムを取得する
	FetchOwnedOrListedItems(ctx context.Context, session model.WalletSession, kind model.ListingKind) (*model.ListingResult, error)

	// BuyItem はアイテムを購入し、マイニングを待つ
	BuyItem(ctx context.Context, session model.WalletSession, item model.MarketItem) (*model.TxReceipt, error)

	// ListingFee は出品手数料を取得する
	ListingFee(ctx context.Context) (*big.Int, error)

	// VerifyTransaction はトランザクションを検証
	VerifyTransaction(ctx context.Context, txHash string) (*model.TxReceipt, error)
}

// ContentStore はコンテンツの保存先
type ContentStore interface {
	Add(ctx context.Context, r io.Reader) (string, error)
}

// URLBuilder はストアのパスをURLにする
type URLBuilder interface {
	URL(path string) string
}

// MetadataFetcher はメタデータを取得する
type MetadataFetcher interface {
	Fetch(ctx context.Context, uri string) (model.Metadata, error)
}

// Option は usecase の設定
type Option func(*marketplaceUsecase)

// WithConcurrency はメタデータ取得の同時実行数を設定する
func WithConcurrency(n int) Option {
	return func(uc *marketplaceUsecase) {
		if n > 0 {
			uc.concurrency = n
		}
	}
}

// WithSessionListener は接続されたセッションが変わったときに呼ばれる関数を設定する
func WithSessionListener(fn func(model.WalletSession)) Option {
	return func(uc *marketplaceUsecase) {
		uc.onSession = fn
	}
}

type marketplaceUsecase struct {
	wallet      wallet.Provider
	handles     contract.Handles
	store       ContentStore
	urls        URLBuilder
	metadata    MetadataFetcher
	concurrency int
	onSession   func(model.WalletSession)
	logger      *slog.Logger
}

// NewMarketplaceUsecase は provider が nil ならウォレット未インストールとして扱う
func NewMarketplaceUsecase(
	provider wallet.Provider,
	handles contract.Handles,
	store ContentStore,
	urls URLBuilder,
	metadata MetadataFetcher,
	logger *slog.Logger,
	opts ...Option,
) *marketplaceUsecase {
	uc := &marketplaceUsecase{
		wallet:      provider,
		handles:     handles,
		store:       store,
		urls:        urls,
		metadata:    metadata,
		concurrency: defaultConcurrency,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

func (uc *marketplaceUsecase) ConnectWallet(ctx context.Context, current model.WalletSession) (model.WalletSession, error) {
	if current.Connected() {
		return current, nil
	}
	accounts, err := wallet.RequestAccounts(ctx, uc.wallet)
	if err != nil {
		return model.WalletSession{}, err
	}
	if len(accounts) == 0 {
		return model.WalletSession{}, model.Errorf(model.KindUserRejected, "marketplace.connect_wallet", "wallet authorized no accounts")
	}

	session := model.NewWalletSession(accounts[0].Hex())
	uc.logger.Info("wallet connected", slog.String("account", session.Address))
	if uc.onSession != nil {
		uc.onSession(session)
	}
	return session, nil
}

func (uc *marketplaceUsecase) GetSession(ctx context.Context) (model.WalletSession, error) {
	accounts, err := wallet.Accounts(ctx, uc.wallet)
	if err != nil {
		return model.WalletSession{}, err
	}
	if len(accounts) == 0 {
		return model.WalletSession{}, nil
	}
	return model.NewWalletSession(accounts[0].Hex()), nil
}

func (uc *marketplaceUsecase) UploadContent(ctx context.Context, r io.Reader) (string, error) {
	if r == nil {
		return "", model.Errorf(model.KindValidation, "marketplace.upload_content", "content is required")
	}
	path, err := uc.store.Add(ctx, r)
	if err != nil {
		uc.logger.Error("content upload failed", slog.String("error", err.Error()))
		return "", model.NewError(model.KindUpload, "marketplace.upload_content", err)
	}
	if path == "" {
		return "", model.Errorf(model.KindUpload, "marketplace.upload_content", "store returned an empty path")
	}
	return uc.urls.URL(path), nil
}

func (uc *marketplaceUsecase) UploadMetadata(ctx context.Context, name, description, imageURI string) (string, error) {
	if err := requireFields("marketplace.upload_metadata", map[string]string{
		"name":        name,
		"description": description,
		"image":       imageURI,
	}); err != nil {
		return "", err
	}
	data, err := json.Marshal(model.Metadata{Name: name, Description: description, Image: imageURI})
	if err != nil {
		return "", model.NewError(model.KindUpload, "marketplace.upload_metadata", err)
	}
	return uc.UploadContent(ctx, bytes.NewReader(data))
}

func (uc *marketplaceUsecase) SubmitListing(ctx context.Context, session model.WalletSession, req model.ListingRequest) (*model.TxReceipt, error) {
	const op = "marketplace.submit_listing"
	if err := validateListing(req); err != nil {
		return nil, err
	}
	if !session.Connected() {
		return nil, model.Errorf(model.KindNotConnected, op, "wallet is not connected")
	}

	w, err := uc.handles.Writer(ctx, session)
	if err != nil {
		return nil, err
	}
	fee, err := w.GetListingPrice(ctx)
	if err != nil {
		return nil, err
	}

	// 新規出品と再出品はどちらか一方だけを呼ぶ
	var tx *types.Transaction
	if req.IsResale {
		tx, err = w.ReSellToken(ctx, req.TokenID, req.PriceWei, fee)
	} else {
		tx, err = w.CreateToken(ctx, req.MetadataURI, req.PriceWei, fee)
	}
	if err != nil {
		return nil, err
	}
	uc.logger.Info("listing submitted",
		slog.String("account", w.Account().Hex()),
		slog.String("tx_hash", tx.Hash().Hex()),
		slog.Bool("resale", req.IsResale),
		slog.String("price_wei", req.PriceWei.String()),
	)
	return uc.wait(ctx, w, tx, op)
}

func (uc *marketplaceUsecase) CreateNFT(ctx context.Context, session model.WalletSession, form model.NFTForm) (*model.TxReceipt, error) {
	const op = "marketplace.create_nft"
	if err := requireFields(op, map[string]string{
		"name":        form.Name,
		"description": form.Description,
		"price":       form.Price,
		"image":       form.ImageURI,
	}); err != nil {
		return nil, err
	}
	price, err := model.ToWei(form.Price)
	if err != nil {
		return nil, err
	}
	if price.Sign() <= 0 {
		return nil, model.Errorf(model.KindValidation, op, "price must be greater than zero")
	}
	if !session.Connected() {
		return nil, model.Errorf(model.KindNotConnected, op, "wallet is not connected")
	}

	uri, err := uc.UploadMetadata(ctx, form.Name, form.Description, form.ImageURI)
	if err != nil {
		return nil, err
	}
	return uc.SubmitListing(ctx, session, model.ListingRequest{
		Name:        form.Name,
		Description: form.Description,
		MetadataURI: uri,
		PriceWei:    price,
	})
}

func (uc *marketplaceUsecase) FetchAllListings(ctx context.Context) (*model.ListingResult, error) {
	r := uc.handles.Reader()
	items, err := r.FetchMarketItems(ctx)
	if err != nil {
		return nil, err
	}
	return uc.join(ctx, r, items)
}

func (uc *marketplaceUsecase) FetchOwnedOrListedItems(ctx context.Context, session model.WalletSession, kind model.ListingKind) (*model.ListingResult, error) {
	const op = "marketplace.fetch_owned_or_listed"
	if !kind.Valid() {
		return nil, model.Errorf(model.KindValidation, op, "unknown listing kind %q", kind)
	}
	if !session.Connected() {
		return nil, model.Errorf(model.KindNotConnected, op, "wallet is not connected")
	}

	w, err := uc.handles.Writer(ctx, session)
	if err != nil {
		return nil, err
	}
	var items []contract.OnchainItem
	if kind == model.KindListed {
		items, err = w.FetchItemsListed(ctx)
	} else {
		items, err = w.FetchMyNFTs(ctx)
	}
	if err != nil {
		return nil, err
	}
	return uc.join(ctx, w, items)
}

func (uc *marketplaceUsecase) BuyItem(ctx context.Context, session model.WalletSession, item model.MarketItem) (*model.TxReceipt, error) {
	const op = "marketplace.buy_item"
	if item.TokenID == nil || item.TokenID.Sign() < 0 {
		return nil, model.Errorf(model.KindValidation, op, "token id is required")
	}
	if item.PriceWei == nil || item.PriceWei.Sign() < 0 {
		return nil, model.Errorf(model.KindValidation, op, "price is required")
	}
	if !session.Connected() {
		return nil, model.Errorf(model.KindNotConnected, op, "wallet is not connected")
	}

	w, err := uc.handles.Writer(ctx, session)
	if err != nil {
		return nil, err
	}
	tx, err := w.CreateMarketSale(ctx, item.TokenID, item.PriceWei)
	if err != nil {
		return nil, err
	}
	return uc.wait(ctx, w, tx, op)
}

func (uc *marketplaceUsecase) ListingFee(ctx context.Context) (*big.Int, error) {
	return uc.handles.Reader().GetListingPrice(ctx)
}

func (uc *marketplaceUsecase) VerifyTransaction(ctx context.Context, txHash string) (*model.TxReceipt, error) {
	return uc.handles.Reader().VerifyTransaction(ctx, txHash)
}

func (uc *marketplaceUsecase) wait(ctx context.Context, w contract.Writer, tx *types.Transaction, op string) (*model.TxReceipt, error) {
	receipt, err := w.WaitMined(ctx, tx)
	if err != nil {
		uc.logger.Error("transaction failed",
			slog.String("op", op),
			slog.String("tx_hash", tx.Hash().Hex()),
			slog.String("error", err.Error()),
		)
		return receipt, err
	}
	uc.logger.Info("transaction mined",
		slog.String("op", op),
		slog.String("tx_hash", receipt.TxHash),
		slog.Uint64("block", receipt.BlockNumber),
	)
	return receipt, nil
}

// join は各アイテムのメタデータを並列に取得して MarketItem にする
// 取得に失敗したアイテムは Failures に記録して除外する
func (uc *marketplaceUsecase) join(ctx context.Context, r contract.Reader, items []contract.OnchainItem) (*model.ListingResult, error) {
	slots := make([]*model.MarketItem, len(items))
	failures := make([]*model.Error, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.concurrency)
	for i, it := range items {
		i, it := i, it
		g.Go(func() error {
			item, err := uc.enrich(gctx, r, it)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				failure := model.NewError(model.KindMetadataFetch, "marketplace.fetch_metadata", err)
				failure.TokenID = it.TokenId
				failures[i] = failure
				uc.logger.Warn("skipping item",
					slog.String("token_id", it.TokenId.String()),
					slog.String("error", err.Error()),
				)
				return nil
			}
			slots[i] = &item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &model.ListingResult{Items: make([]model.MarketItem, 0, len(items))}
	for i := range items {
		if slots[i] != nil {
			result.Items = append(result.Items, *slots[i])
		}
		if failures[i] != nil {
			result.Failures = append(result.Failures, failures[i])
		}
	}
	return result, nil
}

func (uc *marketplaceUsecase) enrich(ctx context.Context, r contract.Reader, it contract.OnchainItem) (model.MarketItem, error) {
	uri, err := r.TokenURI(ctx, it.TokenId)
	if err != nil {
		return model.MarketItem{}, err
	}
	meta, err := uc.metadata.Fetch(ctx, uri)
	if err != nil {
		return model.MarketItem{}, err
	}
	price := it.Price
	if price == nil {
		price = new(big.Int)
	}
	return model.MarketItem{
		TokenID:     it.TokenId,
		Seller:      it.Seller.Hex(),
		Owner:       it.Owner.Hex(),
		PriceWei:    price,
		Price:       model.FromWei(price),
		Sold:        it.Sold,
		MetadataURI: uri,
		Name:        meta.Name,
		Description: meta.Description,
		ImageURI:    meta.Image,
	}, nil
}

// validateListing はネットワークに触れる前に入力を検証する
func validateListing(req model.ListingRequest) error {
	const op = "marketplace.submit_listing"
	if err := requireFields(op, map[string]string{
		"name":         req.Name,
		"description":  req.Description,
		"metadata_uri": req.MetadataURI,
	}); err != nil {
		return err
	}
	if req.PriceWei == nil || req.PriceWei.Sign() <= 0 {
		return model.Errorf(model.KindValidation, op, "price must be greater than zero")
	}
	if req.IsResale && (req.TokenID == nil || req.TokenID.Sign() < 0) {
		return model.Errorf(model.KindValidation, op, "token id is required for resale")
	}
	return nil
}

// requireFields は空のフィールドをまとめて報告する
func requireFields(op string, fields map[string]string) error {
	var missing []string
	for _, name := range []string{"name", "description", "price", "image", "metadata_uri"} {
		v, ok := fields[name]
		if ok && strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return model.Errorf(model.KindValidation, op, "missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
