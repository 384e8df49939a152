package content

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
)

// IPFSStore は IPFS HTTP API (/api/v0/add) を使うストア
type IPFSStore struct {
	sh     *shell.Shell
	logger *slog.Logger
}

// NewIPFSStore は APIのURL ("https://ipfs.infura.io:5001" 等) からストアを作る
func NewIPFSStore(apiURL string, timeout time.Duration, logger *slog.Logger) *IPFSStore {
	client := &http.Client{Timeout: timeout}
	return &IPFSStore{
		sh:     shell.NewShellWithClient(apiURL, client),
		logger: logger,
	}
}

// Add はコンテンツをピン留めして追加し、CIDを返す
func (s *IPFSStore) Add(ctx context.Context, r io.Reader) (string, error) {
	var out struct {
		Hash string
	}
	if err := s.sh.Request("add").Option("pin", true).FileBody(r).Exec(ctx, &out); err != nil {
		return "", fmt.Errorf("ipfs: add: %w", err)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("ipfs: add: empty hash in response")
	}
	s.logger.Debug("content added to ipfs", slog.String("cid", out.Hash))
	return out.Hash, nil
}
