package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/types"
)

// MemoryStorage is an in-memory implementation of the Store interface.
type MemoryStorage struct {
	configs   map[types.DocumentType]types.WorkflowConfig
	instances map[string]types.ApprovalInstance
	mu        sync.RWMutex
}

var _ Store = (*MemoryStorage)(nil)

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		configs:   make(map[types.DocumentType]types.WorkflowConfig),
		instances: make(map[string]types.ApprovalInstance),
	}
}

// SaveConfig stores the config of a document type.
func (s *MemoryStorage) SaveConfig(ctx context.Context, cfg types.WorkflowConfig) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.configs[cfg.DocumentType] = cloneConfig(cfg)
		return nil
	})
}

// SaveConfigs stores multiple configs in a single lock.
func (s *MemoryStorage) SaveConfigs(ctx context.Context, cfgs []types.WorkflowConfig) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, cfg := range cfgs {
			s.configs[cfg.DocumentType] = cloneConfig(cfg)
		}
		return nil
	})
}

// GetConfig retrieves the config of a document type.
func (s *MemoryStorage) GetConfig(ctx context.Context, docType types.DocumentType) (types.WorkflowConfig, error) {
	return withContext(ctx, func() (types.WorkflowConfig, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		cfg, ok := s.configs[docType]
		if !ok {
			return types.WorkflowConfig{}, fmt.Errorf("%w: document_type=%s", ErrConfigNotFound, docType)
		}
		return cloneConfig(cfg), nil
	})
}

// CreateInstance stores a new instance with version 1.
func (s *MemoryStorage) CreateInstance(ctx context.Context, inst *types.ApprovalInstance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.instances[inst.DocumentID]; ok {
			return fmt.Errorf("%w: document_id=%s", ErrAlreadyExists, inst.DocumentID)
		}
		inst.Version = 1
		s.instances[inst.DocumentID] = inst.Clone()
		return nil
	})
}

// GetInstance retrieves a copy of the instance of a document.
func (s *MemoryStorage) GetInstance(ctx context.Context, documentID string) (types.ApprovalInstance, error) {
	return withContext(ctx, func() (types.ApprovalInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		inst, ok := s.instances[documentID]
		if !ok {
			return types.ApprovalInstance{}, fmt.Errorf("%w: document_id=%s", ErrInstanceNotFound, documentID)
		}
		return inst.Clone(), nil
	})
}

// UpdateInstance replaces the stored instance if its version is expectedVersion.
func (s *MemoryStorage) UpdateInstance(ctx context.Context, inst *types.ApprovalInstance, expectedVersion int64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		stored, ok := s.instances[inst.DocumentID]
		if !ok {
			return fmt.Errorf("%w: document_id=%s", ErrInstanceNotFound, inst.DocumentID)
		}
		if stored.Version != expectedVersion {
			return fmt.Errorf("%w: document_id=%s stored=%d expected=%d",
				ErrVersionConflict, inst.DocumentID, stored.Version, expectedVersion)
		}
		inst.Version = expectedVersion + 1
		s.instances[inst.DocumentID] = inst.Clone()
		return nil
	})
}

// DeleteInstance removes the instance of a retired document.
func (s *MemoryStorage) DeleteInstance(ctx context.Context, documentID string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.instances[documentID]; !ok {
			return fmt.Errorf("%w: document_id=%s", ErrInstanceNotFound, documentID)
		}
		delete(s.instances, documentID)
		return nil
	})
}

// ListInstances returns the instances matching filter, ordered by document ID.
func (s *MemoryStorage) ListInstances(ctx context.Context, filter InstanceFilter) ([]types.ApprovalInstance, error) {
	return withContext(ctx, func() ([]types.ApprovalInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.ApprovalInstance
		for _, inst := range s.instances {
			if filter.match(inst) {
				out = append(out, inst.Clone())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
		return out, nil
	})
}

// ClearTerminal removes decided instances last updated before the cutoff.
func (s *MemoryStorage) ClearTerminal(ctx context.Context, before time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		removed := 0
		for id, inst := range s.instances {
			if clearable(inst, before) {
				delete(s.instances, id)
				removed++
			}
		}
		return removed, nil
	})
}
