package memory

import (
	"context"
	"sync"

	"github.com/Comfie/property-crm-sub001/internal/common/apperror"
	"github.com/Comfie/property-crm-sub001/internal/model"
	"github.com/Comfie/property-crm-sub001/internal/repository"
)

// PropertyStore はメモリ上で repository.PropertyRepository を実装します
type PropertyStore struct {
	mu         sync.RWMutex
	properties map[string]model.Property
}

var _ repository.PropertyRepository = (*PropertyStore)(nil)

func NewPropertyStore(properties ...model.Property) *PropertyStore {
	s := &PropertyStore{properties: make(map[string]model.Property, len(properties))}
	for _, p := range properties {
		s.properties[p.ID] = p
	}
	return s
}

// Put は物件を登録または置き換えます
func (s *PropertyStore) Put(p model.Property) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.properties[p.ID] = p
}

func (s *PropertyStore) GetByID(ctx context.Context, propertyID string) (*model.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.properties[propertyID]
	if !ok {
		return nil, apperror.NotFoundf("property %s not found", propertyID)
	}
	return &p, nil
}
