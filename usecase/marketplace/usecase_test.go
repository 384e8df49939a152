package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nft-marketplace-onchain/gateway/contract"
	"nft-marketplace-onchain/gateway/wallet"
	"nft-marketplace-onchain/model"
)

const testAccount = "0x00000000000000000000000000000000000000Aa"

var oneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// --- fakes ---

type fakeWallet struct {
	accounts []string
	err      error
	requests []string
}

func (w *fakeWallet) Request(_ context.Context, method string, _ ...any) (json.RawMessage, error) {
	w.requests = append(w.requests, method)
	if w.err != nil {
		return nil, w.err
	}
	return json.Marshal(w.accounts)
}

func (w *fakeWallet) Transactor(context.Context, common.Address, *big.Int) (*bind.TransactOpts, error) {
	return nil, errors.New("not used")
}

type call struct {
	method string
	args   []*big.Int
	uri    string
}

type fakeChain struct {
	mu        sync.Mutex
	fee       *big.Int
	items     []contract.OnchainItem
	uris      map[int64]string
	uriErr    map[int64]error
	calls     []call
	writerErr error
	revert    bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		fee:    big.NewInt(25),
		uris:   map[int64]string{},
		uriErr: map[int64]error{},
	}
}

func (c *fakeChain) record(cl call) {
	c.mu.Lock()
	c.calls = append(c.calls, cl)
	c.mu.Unlock()
}

func (c *fakeChain) methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.calls))
	for _, cl := range c.calls {
		out = append(out, cl.method)
	}
	return out
}

func (c *fakeChain) find(method string) (call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.calls {
		if cl.method == method {
			return cl, true
		}
	}
	return call{}, false
}

func (c *fakeChain) Reader() contract.Reader { return c }

func (c *fakeChain) Writer(_ context.Context, session model.WalletSession) (contract.Writer, error) {
	c.record(call{method: "writer"})
	if c.writerErr != nil {
		return nil, c.writerErr
	}
	if !session.Connected() {
		return nil, model.ErrNotConnected
	}
	return c, nil
}

func (c *fakeChain) ContractAddress() string { return "0x0000000000000000000000000000000000000001" }

func (c *fakeChain) Account() common.Address { return common.HexToAddress(testAccount) }

func (c *fakeChain) GetListingPrice(context.Context) (*big.Int, error) {
	c.record(call{method: "getListingPrice"})
	return new(big.Int).Set(c.fee), nil
}

func (c *fakeChain) FetchMarketItems(context.Context) ([]contract.OnchainItem, error) {
	c.record(call{method: "fetchMarketItem"})
	return c.items, nil
}

func (c *fakeChain) FetchItemsListed(context.Context) ([]contract.OnchainItem, error) {
	c.record(call{method: "fetchItemsListed"})
	return c.items, nil
}

func (c *fakeChain) FetchMyNFTs(context.Context) ([]contract.OnchainItem, error) {
	c.record(call{method: "fetchMyNFT"})
	return c.items, nil
}

func (c *fakeChain) TokenURI(_ context.Context, tokenID *big.Int) (string, error) {
	c.record(call{method: "tokenURI", args: []*big.Int{tokenID}})
	if err, ok := c.uriErr[tokenID.Int64()]; ok {
		return "", err
	}
	return c.uris[tokenID.Int64()], nil
}

func (c *fakeChain) VerifyTransaction(_ context.Context, txHash string) (*model.TxReceipt, error) {
	c.record(call{method: "verify"})
	return &model.TxReceipt{TxHash: txHash, Status: model.TxSuccess, Success: true}, nil
}

func (c *fakeChain) CreateToken(_ context.Context, uri string, price, fee *big.Int) (*types.Transaction, error) {
	c.record(call{method: "createToken", uri: uri, args: []*big.Int{price, fee}})
	return types.NewTx(&types.LegacyTx{Nonce: 1, Value: fee}), nil
}

func (c *fakeChain) ReSellToken(_ context.Context, tokenID, price, fee *big.Int) (*types.Transaction, error) {
	c.record(call{method: "reSellToken", args: []*big.Int{tokenID, price, fee}})
	return types.NewTx(&types.LegacyTx{Nonce: 2, Value: fee}), nil
}

func (c *fakeChain) CreateMarketSale(_ context.Context, tokenID, value *big.Int) (*types.Transaction, error) {
	c.record(call{method: "createMarketSale", args: []*big.Int{tokenID, value}})
	return types.NewTx(&types.LegacyTx{Nonce: 3, Value: value}), nil
}

func (c *fakeChain) WaitMined(_ context.Context, tx *types.Transaction) (*model.TxReceipt, error) {
	c.record(call{method: "waitMined"})
	receipt := &model.TxReceipt{TxHash: tx.Hash().Hex(), Status: model.TxSuccess, Success: true, BlockNumber: 7}
	if c.revert {
		receipt.Status = model.TxFailed
		receipt.Success = false
		return receipt, model.Errorf(model.KindChain, "contract.wait_mined", "transaction reverted")
	}
	return receipt, nil
}

type fakeStore struct {
	mu      sync.Mutex
	err     error
	uploads []string
}

func (s *fakeStore) Add(_ context.Context, r io.Reader) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, string(data))
	return fmt.Sprintf("Qm%d", len(s.uploads)), nil
}

type fakeURLs struct{}

func (fakeURLs) URL(path string) string { return "https://gw.example/ipfs/" + path }

type fakeFetcher struct {
	docs map[string]model.Metadata
}

func (f *fakeFetcher) Fetch(_ context.Context, uri string) (model.Metadata, error) {
	m, ok := f.docs[uri]
	if !ok {
		return model.Metadata{}, fmt.Errorf("GET %s: 404", uri)
	}
	return m, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	uc      *marketplaceUsecase
	wallet  *fakeWallet
	chain   *fakeChain
	store   *fakeStore
	fetcher *fakeFetcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		wallet:  &fakeWallet{accounts: []string{testAccount}},
		chain:   newFakeChain(),
		store:   &fakeStore{},
		fetcher: &fakeFetcher{docs: map[string]model.Metadata{}},
	}
	f.uc = NewMarketplaceUsecase(f.wallet, f.chain, f.store, fakeURLs{}, f.fetcher, discardLogger())
	return f
}

func connected() model.WalletSession {
	return model.NewWalletSession(testAccount)
}

func validListing() model.ListingRequest {
	return model.ListingRequest{
		Name:        "Sunset",
		Description: "A sunset over the bay",
		MetadataURI: "https://gw.example/ipfs/QmMeta",
		PriceWei:    big.NewInt(1000),
	}
}

// --- wallet ---

func TestConnectWallet(t *testing.T) {
	f := newFixture(t)
	var notified []model.WalletSession
	f.uc = NewMarketplaceUsecase(f.wallet, f.chain, f.store, fakeURLs{}, f.fetcher, discardLogger(),
		WithSessionListener(func(s model.WalletSession) { notified = append(notified, s) }))

	s, err := f.uc.ConnectWallet(context.Background(), model.WalletSession{})
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(testAccount), s.Address)
	assert.Equal(t, []string{wallet.MethodRequestAccounts}, f.wallet.requests)
	assert.Len(t, notified, 1)

	// 接続済みなら何もしない
	again, err := f.uc.ConnectWallet(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, s, again)
	assert.Len(t, f.wallet.requests, 1)
	assert.Len(t, notified, 1)
}

func TestConnectWalletNoProvider(t *testing.T) {
	f := newFixture(t)
	uc := NewMarketplaceUsecase(nil, f.chain, f.store, fakeURLs{}, f.fetcher, discardLogger())

	_, err := uc.ConnectWallet(context.Background(), model.WalletSession{})
	assert.ErrorIs(t, err, model.ErrNoWallet)

	_, err = uc.GetSession(context.Background())
	assert.ErrorIs(t, err, model.ErrNoWallet)
}

func TestConnectWalletRejected(t *testing.T) {
	f := newFixture(t)
	f.wallet.err = model.Errorf(model.KindUserRejected, "wallet.request", "user rejected the request")

	s, err := f.uc.ConnectWallet(context.Background(), model.WalletSession{})
	assert.ErrorIs(t, err, model.ErrUserRejected)
	assert.False(t, s.Connected())
}

func TestConnectWalletNoAccounts(t *testing.T) {
	f := newFixture(t)
	f.wallet.accounts = nil

	_, err := f.uc.ConnectWallet(context.Background(), model.WalletSession{})
	assert.ErrorIs(t, err, model.ErrUserRejected)
}

func TestGetSession(t *testing.T) {
	f := newFixture(t)

	s, err := f.uc.GetSession(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Connected())
	assert.Equal(t, []string{wallet.MethodAccounts}, f.wallet.requests)

	f.wallet.accounts = []string{}
	s, err = f.uc.GetSession(context.Background())
	require.NoError(t, err)
	assert.False(t, s.Connected())
}

// --- uploads ---

func TestUploadContent(t *testing.T) {
	f := newFixture(t)

	uri, err := f.uc.UploadContent(context.Background(), strings.NewReader("png bytes"))
	require.NoError(t, err)
	assert.Equal(t, "https://gw.example/ipfs/Qm1", uri)
	assert.Equal(t, []string{"png bytes"}, f.store.uploads)
}

func TestUploadContentFailure(t *testing.T) {
	f := newFixture(t)
	f.store.err = errors.New("connection refused")

	_, err := f.uc.UploadContent(context.Background(), strings.NewReader("x"))
	assert.ErrorIs(t, err, model.ErrUpload)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestUploadMetadata(t *testing.T) {
	f := newFixture(t)

	uri, err := f.uc.UploadMetadata(context.Background(), "Sunset", "Orange sky", "https://gw.example/ipfs/QmImg")
	require.NoError(t, err)
	assert.Equal(t, "https://gw.example/ipfs/Qm1", uri)

	require.Len(t, f.store.uploads, 1)
	var doc map[string]string
	require.NoError(t, json.Unmarshal([]byte(f.store.uploads[0]), &doc))
	assert.Equal(t, map[string]string{
		"name":        "Sunset",
		"description": "Orange sky",
		"image":       "https://gw.example/ipfs/QmImg",
	}, doc)
}

func TestUploadMetadataRequiresFields(t *testing.T) {
	f := newFixture(t)

	_, err := f.uc.UploadMetadata(context.Background(), "", "desc", "")
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Contains(t, err.Error(), "name, image")
	assert.Empty(t, f.store.uploads)
}

// --- listings ---

func TestSubmitListingCreate(t *testing.T) {
	f := newFixture(t)

	receipt, err := f.uc.SubmitListing(context.Background(), connected(), validListing())
	require.NoError(t, err)
	assert.True(t, receipt.Success)

	assert.Equal(t, []string{"writer", "getListingPrice", "createToken", "waitMined"}, f.chain.methods())
	cl, _ := f.chain.find("createToken")
	assert.Equal(t, "https://gw.example/ipfs/QmMeta", cl.uri)
	assert.Equal(t, int64(1000), cl.args[0].Int64())
	assert.Equal(t, int64(25), cl.args[1].Int64(), "value must equal the listing fee")
}

func TestSubmitListingResale(t *testing.T) {
	f := newFixture(t)
	req := validListing()
	req.IsResale = true
	req.TokenID = big.NewInt(9)

	_, err := f.uc.SubmitListing(context.Background(), connected(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"writer", "getListingPrice", "reSellToken", "waitMined"}, f.chain.methods())
	cl, _ := f.chain.find("reSellToken")
	assert.Equal(t, int64(9), cl.args[0].Int64())
	assert.Equal(t, int64(1000), cl.args[1].Int64())
	assert.Equal(t, int64(25), cl.args[2].Int64())
}

func TestSubmitListingOneEtherZeroFee(t *testing.T) {
	f := newFixture(t)
	f.chain.fee = big.NewInt(0)

	_, err := f.uc.SubmitListing(context.Background(), connected(), model.ListingRequest{
		Name:        "A",
		Description: "d",
		PriceWei:    new(big.Int).Set(oneEther),
		MetadataURI: "ipfs://x",
	})
	require.NoError(t, err)

	cl, ok := f.chain.find("createToken")
	require.True(t, ok)
	assert.Equal(t, "ipfs://x", cl.uri)
	assert.Equal(t, 0, cl.args[0].Cmp(oneEther))
	assert.Equal(t, 0, cl.args[1].Sign())
	_, resold := f.chain.find("reSellToken")
	assert.False(t, resold)
}

func TestSubmitListingValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.ListingRequest)
		want   string
	}{
		{"missing name", func(r *model.ListingRequest) { r.Name = "" }, "name"},
		{"blank description", func(r *model.ListingRequest) { r.Description = "   " }, "description"},
		{"missing uri", func(r *model.ListingRequest) { r.MetadataURI = "" }, "metadata_uri"},
		{"nil price", func(r *model.ListingRequest) { r.PriceWei = nil }, "price"},
		{"zero price", func(r *model.ListingRequest) { r.PriceWei = big.NewInt(0) }, "price"},
		{"resale without token", func(r *model.ListingRequest) { r.IsResale = true }, "token id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := validListing()
			tt.mutate(&req)

			_, err := f.uc.SubmitListing(context.Background(), connected(), req)
			assert.ErrorIs(t, err, model.ErrValidation)
			assert.Contains(t, err.Error(), tt.want)
			assert.Empty(t, f.chain.methods(), "no contract call on invalid input")
		})
	}
}

func TestSubmitListingNotConnected(t *testing.T) {
	f := newFixture(t)

	_, err := f.uc.SubmitListing(context.Background(), model.WalletSession{}, validListing())
	assert.ErrorIs(t, err, model.ErrNotConnected)
	assert.Empty(t, f.chain.methods())
}

func TestSubmitListingNoWallet(t *testing.T) {
	f := newFixture(t)
	f.chain.writerErr = model.ErrNoWallet

	_, err := f.uc.SubmitListing(context.Background(), connected(), validListing())
	assert.ErrorIs(t, err, model.ErrNoWallet)
	assert.Equal(t, []string{"writer"}, f.chain.methods())
}

func TestSubmitListingReverted(t *testing.T) {
	f := newFixture(t)
	f.chain.revert = true

	receipt, err := f.uc.SubmitListing(context.Background(), connected(), validListing())
	assert.ErrorIs(t, err, model.ErrChain)
	require.NotNil(t, receipt)
	assert.Equal(t, model.TxFailed, receipt.Status)
}

func TestCreateNFTOneEther(t *testing.T) {
	f := newFixture(t)
	f.chain.fee = big.NewInt(0)

	_, err := f.uc.CreateNFT(context.Background(), connected(), model.NFTForm{
		Name:        "Sunset",
		Description: "Orange sky",
		Price:       "1",
		ImageURI:    "https://gw.example/ipfs/QmImg",
	})
	require.NoError(t, err)

	require.Len(t, f.store.uploads, 1)
	cl, ok := f.chain.find("createToken")
	require.True(t, ok)
	assert.Equal(t, "https://gw.example/ipfs/Qm1", cl.uri)
	assert.Equal(t, 0, cl.args[0].Cmp(oneEther))
	assert.Equal(t, int64(0), cl.args[1].Int64())
}

func TestCreateNFTInvalidPrice(t *testing.T) {
	f := newFixture(t)

	for _, price := range []string{"", "abc", "0", "-1"} {
		_, err := f.uc.CreateNFT(context.Background(), connected(), model.NFTForm{
			Name: "n", Description: "d", Price: price, ImageURI: "i",
		})
		assert.ErrorIs(t, err, model.ErrValidation, "price %q", price)
	}
	assert.Empty(t, f.store.uploads)
	assert.Empty(t, f.chain.methods())
}

// --- fetches ---

func seedItems(f *fixture, n int) {
	for i := 1; i <= n; i++ {
		uri := fmt.Sprintf("https://gw.example/ipfs/QmMeta%d", i)
		f.chain.items = append(f.chain.items, contract.OnchainItem{
			TokenId: big.NewInt(int64(i)),
			Seller:  common.HexToAddress(testAccount),
			Price:   new(big.Int).Mul(big.NewInt(int64(i)), oneEther),
		})
		f.chain.uris[int64(i)] = uri
		f.fetcher.docs[uri] = model.Metadata{
			Name:        fmt.Sprintf("nft %d", i),
			Description: "d",
			Image:       fmt.Sprintf("https://gw.example/ipfs/QmImg%d", i),
		}
	}
}

func TestFetchAllListings(t *testing.T) {
	f := newFixture(t)
	seedItems(f, 5)

	result, err := f.uc.FetchAllListings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Failures)
	require.Len(t, result.Items, 5)
	for i, item := range result.Items {
		assert.Equal(t, int64(i+1), item.TokenID.Int64(), "order follows the contract")
		assert.Equal(t, fmt.Sprintf("nft %d", i+1), item.Name)
		assert.Equal(t, fmt.Sprint(i+1), item.Price)
	}
}

func TestFetchAllListingsSkipsBrokenItem(t *testing.T) {
	f := newFixture(t)
	seedItems(f, 4)
	delete(f.fetcher.docs, f.chain.uris[2])

	result, err := f.uc.FetchAllListings(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Items, 3)
	require.Len(t, result.Failures, 1)

	failure := result.Failures[0]
	assert.ErrorIs(t, failure, model.ErrMetadataFetch)
	assert.Equal(t, int64(2), failure.TokenID.Int64())
	for _, item := range result.Items {
		assert.NotEqual(t, int64(2), item.TokenID.Int64())
	}
}

func TestFetchAllListingsTokenURIFailure(t *testing.T) {
	f := newFixture(t)
	seedItems(f, 3)
	f.chain.uriErr[3] = errors.New("execution reverted")

	result, err := f.uc.FetchAllListings(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Items, 2)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, int64(3), result.Failures[0].TokenID.Int64())
}

func TestFetchAllListingsEmpty(t *testing.T) {
	f := newFixture(t)

	result, err := f.uc.FetchAllListings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Items)
	assert.Empty(t, result.Failures)
}

func TestFetchAllListingsCancelled(t *testing.T) {
	f := newFixture(t)
	seedItems(f, 3)
	for k := range f.fetcher.docs {
		delete(f.fetcher.docs, k)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.uc.FetchAllListings(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchOwnedOrListedItems(t *testing.T) {
	f := newFixture(t)
	seedItems(f, 2)

	result, err := f.uc.FetchOwnedOrListedItems(context.Background(), connected(), model.KindListed)
	require.NoError(t, err)
	assert.Len(t, result.Items, 2)
	_, ok := f.chain.find("fetchItemsListed")
	assert.True(t, ok)

	_, err = f.uc.FetchOwnedOrListedItems(context.Background(), connected(), model.KindOwned)
	require.NoError(t, err)
	_, ok = f.chain.find("fetchMyNFT")
	assert.True(t, ok)
}

func TestFetchOwnedOrListedItemsRejects(t *testing.T) {
	f := newFixture(t)

	_, err := f.uc.FetchOwnedOrListedItems(context.Background(), connected(), model.ListingKind("sold"))
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.uc.FetchOwnedOrListedItems(context.Background(), model.WalletSession{}, model.KindOwned)
	assert.ErrorIs(t, err, model.ErrNotConnected)
	assert.Empty(t, f.chain.methods())
}

// --- purchases ---

func TestBuyItem(t *testing.T) {
	f := newFixture(t)

	receipt, err := f.uc.BuyItem(context.Background(), connected(), model.MarketItem{
		TokenID:  big.NewInt(3),
		PriceWei: big.NewInt(500),
	})
	require.NoError(t, err)
	assert.True(t, receipt.Success)

	assert.Equal(t, []string{"writer", "createMarketSale", "waitMined"}, f.chain.methods())
	cl, _ := f.chain.find("createMarketSale")
	assert.Equal(t, int64(3), cl.args[0].Int64())
	assert.Equal(t, int64(500), cl.args[1].Int64())
}

func TestBuyItemValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.uc.BuyItem(context.Background(), connected(), model.MarketItem{PriceWei: big.NewInt(1)})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.uc.BuyItem(context.Background(), connected(), model.MarketItem{TokenID: big.NewInt(1)})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.uc.BuyItem(context.Background(), model.WalletSession{}, model.MarketItem{TokenID: big.NewInt(1), PriceWei: big.NewInt(1)})
	assert.ErrorIs(t, err, model.ErrNotConnected)
	assert.Empty(t, f.chain.methods())
}

func TestListingFeeAndVerify(t *testing.T) {
	f := newFixture(t)

	fee, err := f.uc.ListingFee(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(25), fee.Int64())

	receipt, err := f.uc.VerifyTransaction(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", receipt.TxHash)
}
