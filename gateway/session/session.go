// Package session はタブごとの WalletSession を保持する
package session

import (
	"context"
	"sync"

	"nft-marketplace-onchain/model"
)

// Store はセッションIDごとの WalletSession を保持する
// セッションは丸ごと置き換えられ、部分的に更新されることはない
type Store interface {
	Get(ctx context.Context, id string) (model.WalletSession, bool, error)
	Put(ctx context.Context, id string, s model.WalletSession) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore はプロセス内のストア
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]model.WalletSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]model.WalletSession)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (model.WalletSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, id string, s model.WalletSession) error {
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}
