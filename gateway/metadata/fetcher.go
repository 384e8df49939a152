// Package metadata はトークンURIが指すオフチェーンのメタデータJSONを取得する
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"nft-marketplace-onchain/model"
)

// maxDocumentSize はメタデータJSONの上限サイズ
const maxDocumentSize = 1 << 20

// Resolver は ipfs:// などのURIを取得可能なURLに変換する
type Resolver interface {
	Resolve(uri string) string
}

// Fetcher はメタデータの取得を担当
type Fetcher struct {
	client   *http.Client
	resolver Resolver
	logger   *slog.Logger
}

func NewFetcher(timeout time.Duration, resolver Resolver, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		resolver: resolver,
		logger:   logger,
	}
}

// Fetch はURIからメタデータを取得・検証する
func (f *Fetcher) Fetch(ctx context.Context, uri string) (model.Metadata, error) {
	if uri == "" {
		return model.Metadata{}, errors.New("empty metadata uri")
	}
	url := uri
	if f.resolver != nil {
		url = f.resolver.Resolve(uri)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.Metadata{}, fmt.Errorf("build request for %s: %w", uri, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Debug("metadata request failed", slog.String("uri", uri), slog.String("error", err.Error()))
		return model.Metadata{}, fmt.Errorf("fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return model.Metadata{}, fmt.Errorf("fetch %s: status %d", uri, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return model.Metadata{}, fmt.Errorf("read %s: %w", uri, err)
	}
	if len(body) > maxDocumentSize {
		return model.Metadata{}, fmt.Errorf("metadata %s exceeds %d bytes", uri, maxDocumentSize)
	}

	return Decode(body)
}

// Decode はメタデータJSONを検証しながらデコードする
// name, description, image のキーが必須。name と image は空文字を許さない
func Decode(body []byte) (model.Metadata, error) {
	var doc struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Image       *string `json:"image"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return model.Metadata{}, fmt.Errorf("malformed metadata: %w", err)
	}
	switch {
	case doc.Name == nil || *doc.Name == "":
		return model.Metadata{}, errors.New("malformed metadata: missing name")
	case doc.Image == nil || *doc.Image == "":
		return model.Metadata{}, errors.New("malformed metadata: missing image")
	case doc.Description == nil:
		return model.Metadata{}, errors.New("malformed metadata: missing description")
	}
	return model.Metadata{
		Name:        *doc.Name,
		Description: *doc.Description,
		Image:       *doc.Image,
	}, nil
}
