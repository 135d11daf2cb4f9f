package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveTransfer(t *testing.T, store *Store, transferID, direction, filename string) {
	t.Helper()

	err := store.SaveTransfer(Transfer{
		TransferID:  transferID,
		Direction:   direction,
		PeerAddress: "127.0.0.1:9000",
		Filename:    filename,
		ChunkSize:   1024,
	})
	if err != nil {
		t.Fatalf("save transfer %q: %v", transferID, err)
	}
}
