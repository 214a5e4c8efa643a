package blockindex

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestStore_PutAndGet(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "blockindex"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	txid := "0000000000000000000000000000000000000000000000000000000000000001"

	if err := store.Put(ctx, txid, 7); err != nil {
		t.Fatalf("Put: %v", err)
	}

	height, ok, err := store.Get(ctx, txid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("entry not found after Put")
	}
	if height != 7 {
		t.Errorf("height = %d, want 7", height)
	}
}

func TestStore_GetMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "blockindex"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	_, ok, err := store.Get(context.Background(), "000000000000000000000000000000000000000000000000000000000000000f")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get reported success for a missing txid")
	}
}

func TestStore_PutRejectsBadTxID(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "blockindex"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if err := store.Put(context.Background(), "short", 1); err == nil {
		t.Error("Put accepted a txid of the wrong length")
	}
}

func TestStore_PutRejectsNegativeHeight(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "blockindex"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	txid := "0000000000000000000000000000000000000000000000000000000000000002"
	if err := store.Put(context.Background(), txid, -1); err == nil {
		t.Error("Put accepted a negative height")
	}
}

func TestStore_Delete(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "blockindex"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	txid := "0000000000000000000000000000000000000000000000000000000000000003"
	_ = store.Put(ctx, txid, 1)

	if err := store.Delete(ctx, txid); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	_, ok, _ := store.Get(ctx, txid)
	if ok {
		t.Error("entry still present after Delete")
	}
}
