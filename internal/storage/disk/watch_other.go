//go:build !linux

package disk

import "pkt.systems/brokerd/internal/storage"

func watchSupported(string) bool { return false }

// SubscribeChanges is unavailable off Linux; the resource watch falls back to
// polling.
func (s *Store) SubscribeChanges(string) (storage.ChangeSubscription, error) {
	return nil, storage.ErrNotImplemented
}
