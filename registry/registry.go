// Package registry exposes the service-offering catalog consumed by the phase
// engine. The engine only reads offerings; registration is an administrative
// surface.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// ErrOfferingNotFound reports an unknown offering id.
var ErrOfferingNotFound = errors.New("registry: offering not found")

// Offering describes a provider's listed service.
type Offering struct {
	ID           string
	Title        string
	ProviderID   string
	ProviderAddr string
	BaseFee      *big.Int
}

// Clone returns a deep copy of the offering.
func (o *Offering) Clone() *Offering {
	if o == nil {
		return nil
	}
	clone := *o
	if o.BaseFee != nil {
		clone.BaseFee = new(big.Int).Set(o.BaseFee)
	}
	return &clone
}

func (o *Offering) validate() error {
	if o == nil {
		return fmt.Errorf("registry: nil offering")
	}
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("registry: offering id required")
	}
	if strings.TrimSpace(o.ProviderAddr) == "" {
		return fmt.Errorf("registry: provider address required")
	}
	if o.BaseFee == nil || o.BaseFee.Sign() < 0 {
		return fmt.Errorf("registry: base fee must be non-negative")
	}
	return nil
}

// Reader is the read-only view the phase engine consumes.
type Reader interface {
	GetOffering(ctx context.Context, id string) (*Offering, error)
}

// MemoryRegistry is an in-process offering catalog. Suitable for tests and
// single-node deployments; durable catalogs use the SQLite registry.
type MemoryRegistry struct {
	mu        sync.RWMutex
	offerings map[string]*Offering
}

// NewMemoryRegistry returns an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{offerings: make(map[string]*Offering)}
}

// Register stores or replaces an offering.
func (r *MemoryRegistry) Register(ctx context.Context, offering *Offering) error {
	if err := offering.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offerings[offering.ID] = offering.Clone()
	return nil
}

// GetOffering returns a copy of the offering or ErrOfferingNotFound.
func (r *MemoryRegistry) GetOffering(ctx context.Context, id string) (*Offering, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	offering, ok := r.offerings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOfferingNotFound, id)
	}
	return offering.Clone(), nil
}
