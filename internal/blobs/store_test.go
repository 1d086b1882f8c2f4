package blobs

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	filesystem, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem store: %v", err)
	}
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	encrypted, err := NewEncryptedStore(NewRedisStore(client, "enc:"), "correct horse battery staple")
	if err != nil {
		t.Fatalf("encrypted store: %v", err)
	}
	return map[string]Store{
		"filesystem": filesystem,
		"redis":      NewRedisStore(client, "test:"),
		"encrypted":  encrypted,
	}
}

func TestStoresRoundTripAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			key := Key("documents", "doc-1", "original.pdf")
			payload := []byte("%PDF-1.4 payload")
			if err := store.Put(ctx, key, payload); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := store.Get(ctx, key)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("unexpected payload %q", got)
			}
			if err := store.Put(ctx, key, []byte("replaced")); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			if got, _ := store.Get(ctx, key); string(got) != "replaced" {
				t.Fatalf("overwrite not visible, got %q", got)
			}
			if err := store.Delete(ctx, key); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
			if err := store.Delete(ctx, key); err != nil {
				t.Fatalf("deleting a missing key must succeed, got %v", err)
			}
		})
	}
}

func TestStoresRejectEscapingKeys(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "/abs", "../outside", "a/../../b", "a//b", "a\\b"} {
				if err := store.Put(ctx, key, []byte("x")); !errors.Is(err, ErrInvalidKey) {
					t.Fatalf("expected ErrInvalidKey for %q, got %v", key, err)
				}
			}
		})
	}
}

func TestEncryptedStoreKeepsCiphertextAtRest(t *testing.T) {
	ctx := context.Background()
	inner, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem store: %v", err)
	}
	store, err := NewEncryptedStore(inner, "passphrase")
	if err != nil {
		t.Fatalf("encrypted store: %v", err)
	}
	plain := []byte("%PDF-1.7 confidential")
	if err := store.Put(ctx, "doc/a.pdf", plain); err != nil {
		t.Fatalf("put: %v", err)
	}
	raw, err := inner.Get(ctx, "doc/a.pdf")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if bytes.Contains(raw, []byte("confidential")) {
		t.Fatalf("plaintext leaked to the wrapped store")
	}

	if err := inner.Put(ctx, "doc/b.pdf", raw); err != nil {
		t.Fatalf("replay put: %v", err)
	}
	if _, err := store.Get(ctx, "doc/b.pdf"); !errors.Is(err, ErrCorruptEnvelope) {
		t.Fatalf("expected ciphertext bound to its key, got %v", err)
	}

	other, err := NewEncryptedStore(inner, "other passphrase")
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	if _, err := other.Get(ctx, "doc/a.pdf"); !errors.Is(err, ErrCorruptEnvelope) {
		t.Fatalf("expected wrong passphrase to fail, got %v", err)
	}
}

func TestNewEncryptedStoreRequiresPassphrase(t *testing.T) {
	if _, err := NewEncryptedStore(nil, ""); !errors.Is(err, ErrMissingPassphrase) {
		t.Fatalf("expected ErrMissingPassphrase, got %v", err)
	}
}
