// Package content はコンテンツアドレス型ストア (IPFS / S3) への書き込みと
// ゲートウェイURLの組み立てを担当する
package content

import (
	"context"
	"io"
	"strings"
)

// Store は書き込み専用のコンテンツアドレス型ストア
type Store interface {
	// Add はコンテンツを保存し、ハッシュから導出されたパスを返す
	Add(ctx context.Context, r io.Reader) (string, error)
}

const ipfsScheme = "ipfs://"

// Gateway はストアのパスを取得可能なURLに変換する
type Gateway struct {
	prefix string
}

// NewGateway は "https://ipfs.io/ipfs/" のようなURLプレフィックスを受け取る
func NewGateway(prefix string) *Gateway {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Gateway{prefix: prefix}
}

// URL はパスをゲートウェイURLに埋め込む
func (g *Gateway) URL(path string) string {
	return g.prefix + strings.TrimPrefix(path, "/")
}

// Resolve は ipfs:// 形式のURIをゲートウェイURLに変換する。それ以外はそのまま返す
func (g *Gateway) Resolve(uri string) string {
	if rest, ok := strings.CutPrefix(uri, ipfsScheme); ok {
		return g.URL(strings.TrimPrefix(rest, "ipfs/"))
	}
	return uri
}
