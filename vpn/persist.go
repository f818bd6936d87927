// Package vpn provides the VPN connection orchestration engine.
// This file contains the SQLite-backed ParamsStore.
package vpn

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/store"
)

// StoredParams persists ConnectionParams as JSON under one key.
type StoredParams struct {
	Store *store.Store
	// Key is usually the session id.
	Key string
	Log common.Logger
}

// SaveParams implements ParamsStore.
func (s *StoredParams) SaveParams(ctx context.Context, params ConnectionParams) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return s.Store.Put(ctx, store.NamespaceConnection, s.Key, data)
}

// LoadParams implements ParamsStore. Undecodable data is logged and
// reported as absent.
func (s *StoredParams) LoadParams(ctx context.Context) (ConnectionParams, bool, error) {
	data, err := s.Store.Get(ctx, store.NamespaceConnection, s.Key)
	if errors.Is(err, store.ErrNotFound) {
		return ConnectionParams{}, false, nil
	}
	if err != nil {
		return ConnectionParams{}, false, err
	}

	var params ConnectionParams
	if err := json.Unmarshal(data, &params); err != nil {
		if s.Log != nil {
			s.Log.Warn("Discarding unreadable connection params: %v", err)
		}
		return ConnectionParams{}, false, nil
	}
	return params, true, nil
}

// ClearParams implements ParamsStore.
func (s *StoredParams) ClearParams(ctx context.Context) error {
	return s.Store.Delete(ctx, store.NamespaceConnection, s.Key)
}
