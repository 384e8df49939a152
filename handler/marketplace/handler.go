package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"nft-marketplace-onchain/gateway/session"
	"nft-marketplace-onchain/model"
	"nft-marketplace-onchain/usecase/marketplace"
)

// SessionHeader はタブごとのセッションIDを運ぶヘッダ
const SessionHeader = "X-Session-ID"

// maxUploadBytes はアップロードできるコンテンツの上限
const maxUploadBytes = 32 << 20

type MarketplaceHandler struct {
	marketplaceUC usecase.MarketplaceUsecase
	sessions      session.Store
	logger        *slog.Logger
}

func NewMarketplaceHandler(uc usecase.MarketplaceUsecase, sessions session.Store, logger *slog.Logger) *MarketplaceHandler {
	return &MarketplaceHandler{marketplaceUC: uc, sessions: sessions, logger: logger}
}

// Register はルートを登録する
func (h *MarketplaceHandler) Register(router *mux.Router) {
	router.HandleFunc("/health", h.HandleHealth).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/wallet/connect", h.HandleConnectWallet).Methods("POST")
	api.HandleFunc("/wallet/session", h.HandleGetSession).Methods("GET")
	api.HandleFunc("/wallet/session", h.HandleDisconnect).Methods("DELETE")
	api.HandleFunc("/content", h.HandleUploadContent).Methods("POST")
	api.HandleFunc("/metadata", h.HandleUploadMetadata).Methods("POST")
	api.HandleFunc("/listings", h.HandleSubmitListing).Methods("POST")
	api.HandleFunc("/listings", h.HandleFetchAllListings).Methods("GET")
	api.HandleFunc("/nfts", h.HandleCreateNFT).Methods("POST")
	api.HandleFunc("/me/{kind}", h.HandleFetchMine).Methods("GET")
	api.HandleFunc("/purchases", h.HandleBuyItem).Methods("POST")
	api.HandleFunc("/listing-fee", h.HandleListingFee).Methods("GET")
	api.HandleFunc("/tx/verify", h.HandleVerifyTransaction).Methods("POST")
}

// HandleHealth はヘルスチェック
func (h *MarketplaceHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// HandleConnectWallet はウォレットを接続し、セッションIDを発行する
func (h *MarketplaceHandler) HandleConnectWallet(w http.ResponseWriter, r *http.Request) {
	id, current := h.session(r)
	if id == "" {
		id = uuid.NewString()
	}

	s, err := h.marketplaceUC.ConnectWallet(r.Context(), current)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.sessions.Put(r.Context(), id, s); err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set(SessionHeader, id)
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: id, Address: s.Address, Connected: true})
}

// HandleGetSession はウォレットに承認済みアカウントを問い合わせる
func (h *MarketplaceHandler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id, _ := h.session(r)

	s, err := h.marketplaceUC.GetSession(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if id != "" {
		if s.Connected() {
			err = h.sessions.Put(r.Context(), id, s)
		} else {
			err = h.sessions.Delete(r.Context(), id)
		}
		if err != nil {
			h.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: id, Address: s.Address, Connected: s.Connected()})
}

// HandleDisconnect はセッションを破棄する
func (h *MarketplaceHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	if id != "" {
		if err := h.sessions.Delete(r.Context(), id); err != nil {
			h.writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUploadContent は画像などのバイナリを保存する
// multipart の場合は file フィールド、それ以外はボディ全体を保存する
func (h *MarketplaceHandler) HandleUploadContent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	var body io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			h.writeError(w, model.Errorf(model.KindValidation, "handler.upload_content", "file is required: %v", err))
			return
		}
		defer file.Close()
		body = file
	}

	uri, err := h.marketplaceUC.UploadContent(r.Context(), body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"uri": uri})
}

type metadataRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Image       string `json:"image"`
}

// HandleUploadMetadata はメタデータJSONを保存する
func (h *MarketplaceHandler) HandleUploadMetadata(w http.ResponseWriter, r *http.Request) {
	var req metadataRequest
	if !h.decode(w, r, &req) {
		return
	}
	uri, err := h.marketplaceUC.UploadMetadata(r.Context(), req.Name, req.Description, req.Image)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"uri": uri})
}

// listingRequest の金額は文字列で受け取る (wei は JSON の数値に収まらない)
type listingRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	MetadataURI string `json:"metadata_uri"`
	PriceWei    string `json:"price_wei"`
	Price       string `json:"price"` // ETH 単位、price_wei が空のときに使う
	IsResale    bool   `json:"is_resale"`
	TokenID     string `json:"token_id"`
}

// HandleSubmitListing は新規出品または再出品する
func (h *MarketplaceHandler) HandleSubmitListing(w http.ResponseWriter, r *http.Request) {
	var req listingRequest
	if !h.decode(w, r, &req) {
		return
	}

	price, err := parseAmount(req.PriceWei, req.Price)
	if err != nil {
		h.writeError(w, err)
		return
	}
	listing := model.ListingRequest{
		Name:        req.Name,
		Description: req.Description,
		MetadataURI: req.MetadataURI,
		PriceWei:    price,
		IsResale:    req.IsResale,
	}
	if req.TokenID != "" {
		if listing.TokenID, err = parseInt("token_id", req.TokenID); err != nil {
			h.writeError(w, err)
			return
		}
	}

	_, s := h.session(r)
	receipt, err := h.marketplaceUC.SubmitListing(r.Context(), s, listing)
	h.writeReceipt(w, receipt, err)
}

// HandleCreateNFT はフォーム入力から新規出品する
func (h *MarketplaceHandler) HandleCreateNFT(w http.ResponseWriter, r *http.Request) {
	var form model.NFTForm
	if !h.decode(w, r, &form) {
		return
	}
	_, s := h.session(r)
	receipt, err := h.marketplaceUC.CreateNFT(r.Context(), s, form)
	h.writeReceipt(w, receipt, err)
}

// HandleFetchAllListings は出品中の全アイテムを返す
func (h *MarketplaceHandler) HandleFetchAllListings(w http.ResponseWriter, r *http.Request) {
	result, err := h.marketplaceUC.FetchAllListings(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newListingResponse(result))
}

// HandleFetchMine は自分が所有/出品しているアイテムを返す
func (h *MarketplaceHandler) HandleFetchMine(w http.ResponseWriter, r *http.Request) {
	kind := model.ListingKind(mux.Vars(r)["kind"])
	_, s := h.session(r)

	result, err := h.marketplaceUC.FetchOwnedOrListedItems(r.Context(), s, kind)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newListingResponse(result))
}

type purchaseRequest struct {
	TokenID  string `json:"token_id"`
	PriceWei string `json:"price_wei"`
}

// HandleBuyItem はアイテムを購入する
func (h *MarketplaceHandler) HandleBuyItem(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	tokenID, err := parseInt("token_id", req.TokenID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	price, err := parseInt("price_wei", req.PriceWei)
	if err != nil {
		h.writeError(w, err)
		return
	}

	_, s := h.session(r)
	receipt, err := h.marketplaceUC.BuyItem(r.Context(), s, model.MarketItem{TokenID: tokenID, PriceWei: price})
	h.writeReceipt(w, receipt, err)
}

// HandleListingFee は出品手数料を返す
func (h *MarketplaceHandler) HandleListingFee(w http.ResponseWriter, r *http.Request) {
	fee, err := h.marketplaceUC.ListingFee(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"fee_wei": fee.String(),
		"fee":     model.FromWei(fee),
	})
}

// VerifyTxRequest はトランザクション検証リクエスト
type VerifyTxRequest struct {
	TxHash string `json:"tx_hash"`
}

// HandleVerifyTransaction はトランザクションを検証
func (h *MarketplaceHandler) HandleVerifyTransaction(w http.ResponseWriter, r *http.Request) {
	var req VerifyTxRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.TxHash == "" {
		h.writeError(w, model.Errorf(model.KindValidation, "handler.verify_tx", "tx_hash is required"))
		return
	}

	receipt, err := h.marketplaceUC.VerifyTransaction(r.Context(), req.TxHash)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// session はヘッダのセッションIDと保存済みのセッションを返す
// 見つからなければ未接続のセッション
func (h *MarketplaceHandler) session(r *http.Request) (string, model.WalletSession) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		return "", model.WalletSession{}
	}
	s, ok, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		h.logger.Warn("session lookup failed", slog.String("session_id", id), slog.String("error", err.Error()))
		return id, model.WalletSession{}
	}
	if !ok {
		return id, model.WalletSession{}
	}
	return id, s
}

func (h *MarketplaceHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, model.Errorf(model.KindValidation, "handler.decode", "invalid request body: %v", err))
		return false
	}
	return true
}

func (h *MarketplaceHandler) writeReceipt(w http.ResponseWriter, receipt *model.TxReceipt, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    model.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

func (h *MarketplaceHandler) writeError(w http.ResponseWriter, err error) {
	detail := errorDetail{Kind: model.KindOf(err), Message: err.Error()}
	var me *model.Error
	if errors.As(err, &me) {
		detail.Message = me.Message()
	}
	if detail.Kind == "" {
		detail.Kind = "internal"
	}

	status := statusFor(detail.Kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.String("kind", string(detail.Kind)), slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func statusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindNotConnected:
		return http.StatusUnauthorized
	case model.KindUserRejected:
		return http.StatusForbidden
	case model.KindNoWallet:
		return http.StatusPreconditionFailed
	case model.KindUpload, model.KindChain, model.KindMetadataFetch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type sessionResponse struct {
	SessionID string `json:"session_id,omitempty"`
	Address   string `json:"address,omitempty"`
	Connected bool   `json:"connected"`
}

// itemResponse は金額を文字列にした MarketItem
type itemResponse struct {
	TokenID     string `json:"token_id"`
	Seller      string `json:"seller"`
	Owner       string `json:"owner"`
	PriceWei    string `json:"price_wei"`
	Price       string `json:"price"`
	Sold        bool   `json:"sold"`
	MetadataURI string `json:"metadata_uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ImageURI    string `json:"image_uri"`
}

type listingResponse struct {
	Items    []itemResponse `json:"items"`
	Failures []*model.Error `json:"failures,omitempty"`
}

func newListingResponse(result *model.ListingResult) listingResponse {
	resp := listingResponse{Items: make([]itemResponse, 0, len(result.Items)), Failures: result.Failures}
	for _, it := range result.Items {
		resp.Items = append(resp.Items, itemResponse{
			TokenID:     it.TokenID.String(),
			Seller:      it.Seller,
			Owner:       it.Owner,
			PriceWei:    it.PriceWei.String(),
			Price:       it.Price,
			Sold:        it.Sold,
			MetadataURI: it.MetadataURI,
			Name:        it.Name,
			Description: it.Description,
			ImageURI:    it.ImageURI,
		})
	}
	return resp
}

// parseAmount は wei (10進整数) か ETH 単位の金額を wei にする
func parseAmount(wei, ether string) (*big.Int, error) {
	if wei != "" {
		return parseInt("price_wei", wei)
	}
	if ether != "" {
		return model.ToWei(ether)
	}
	return nil, model.Errorf(model.KindValidation, "handler.parse_amount", "price_wei or price is required")
}

func parseInt(field, s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || n.Sign() < 0 {
		return nil, model.Errorf(model.KindValidation, "handler.parse", "invalid %s %q", field, s)
	}
	return n, nil
}
