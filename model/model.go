package model

import (
	"math/big"
	"strings"
)

// WalletSession は接続中のウォレットアカウントを表す
// Address が空文字のときは未接続
type WalletSession struct {
	Address string `json:"address,omitempty"`
}

// NewWalletSession はアドレスを小文字の 0x 形式に正規化してセッションを作る
func NewWalletSession(addr string) WalletSession {
	return WalletSession{Address: strings.ToLower(addr)}
}

// Connected はセッションが存在するかを返す
func (s WalletSession) Connected() bool {
	return s.Address != ""
}

// ListingRequest は出品 (新規 or 再出品) のリクエスト
type ListingRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	MetadataURI string   `json:"metadata_uri"`
	PriceWei    *big.Int `json:"price_wei"`
	IsResale    bool     `json:"is_resale"`
	TokenID     *big.Int `json:"token_id,omitempty"` // 再出品のみ
}

// NFTForm はUIのフォーム入力 (価格は人間向けの単位)
type NFTForm struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       string `json:"price"`
	ImageURI    string `json:"image_uri"`
}

// MarketItem はオンチェーンの出品情報とオフチェーンのメタデータを結合したもの
type MarketItem struct {
	TokenID     *big.Int `json:"token_id"`
	Seller      string   `json:"seller"`
	Owner       string   `json:"owner"`
	PriceWei    *big.Int `json:"price_wei"`
	Price       string   `json:"price"` // 表示用 (ETH)
	Sold        bool     `json:"sold"`
	MetadataURI string   `json:"metadata_uri"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	ImageURI    string   `json:"image_uri"`
}

// Metadata はコンテンツストアに置かれるメタデータJSON
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Image       string `json:"image"`
}

// ListingKind は自分に関係するアイテムの種類
type ListingKind string

const (
	KindOwned  ListingKind = "owned"  // fetchMyNFT
	KindListed ListingKind = "listed" // fetchItemsListed
)

// Valid は既知の種類かどうか
func (k ListingKind) Valid() bool {
	return k == KindOwned || k == KindListed
}

// ListingResult は一括取得の結果
// メタデータ取得に失敗したアイテムは Items から除外され Failures に記録される
type ListingResult struct {
	Items    []MarketItem `json:"items"`
	Failures []*Error     `json:"failures,omitempty"`
}

// TxStatus はトランザクションの状態
type TxStatus string

const (
	TxPending TxStatus = "pending"
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
)

// TxReceipt はマイニング済み (または検証した) トランザクションの要約
type TxReceipt struct {
	TxHash         string   `json:"tx_hash"`
	Status         TxStatus `json:"status"`
	BlockNumber    uint64   `json:"block_number,omitempty"`
	GasUsed        uint64   `json:"gas_used,omitempty"`
	Success        bool     `json:"success"`
	IsContractCall bool     `json:"is_contract_call"`
	TokenID        string   `json:"token_id,omitempty"` // 出品イベントから取得できた場合のみ
}
