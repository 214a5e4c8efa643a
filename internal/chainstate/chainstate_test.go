package chainstate

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/heliumproject/heliumd/internal/tx"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestStore_PutAndGetFragment(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "chainstate.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	fragment := &tx.Fragment{PKHash: "abc123", Value: 500, Spent: false}
	if err := store.PutFragment("txid_0", fragment); err != nil {
		t.Fatalf("PutFragment: %v", err)
	}

	got, ok, err := store.GetFragment("txid_0")
	if err != nil {
		t.Fatalf("GetFragment: %v", err)
	}
	if !ok {
		t.Fatal("fragment not found after PutFragment")
	}
	if got.Value != 500 || got.PKHash != "abc123" {
		t.Errorf("fragment = %+v, want value=500 pkhash=abc123", got)
	}
}

func TestStore_GetMissingFragment(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "chainstate.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	_, ok, err := store.GetFragment("nonexistent_0")
	if err != nil {
		t.Fatalf("GetFragment: %v", err)
	}
	if ok {
		t.Error("GetFragment reported success for a missing key")
	}
}

func TestStore_PutOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "chainstate.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	_ = store.PutFragment("txid_0", &tx.Fragment{PKHash: "a", Value: 1})
	_ = store.PutFragment("txid_0", &tx.Fragment{PKHash: "b", Value: 2})

	got, ok, err := store.GetFragment("txid_0")
	if err != nil || !ok {
		t.Fatalf("GetFragment: ok=%v err=%v", ok, err)
	}
	if got.PKHash != "b" || got.Value != 2 {
		t.Errorf("fragment = %+v, want the second write to win", got)
	}
}

func TestStore_DeleteFragment(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "chainstate.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	_ = store.PutFragment("txid_0", &tx.Fragment{PKHash: "a", Value: 1})

	existed, err := store.DeleteFragment("txid_0")
	if err != nil {
		t.Fatalf("DeleteFragment: %v", err)
	}
	if !existed {
		t.Error("DeleteFragment reported the key did not exist")
	}

	_, ok, _ := store.GetFragment("txid_0")
	if ok {
		t.Error("fragment still present after DeleteFragment")
	}
}

func TestStore_ApplyTransactionSpendsAndCreatesFragments(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "chainstate.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	_ = store.PutFragment("prevtx_0", &tx.Fragment{PKHash: "spender", Value: 1000, Spent: false})

	trans := &tx.Transaction{
		TransactionID: "0000000000000000000000000000000000000000000000000000000000000a",
		Vin: []tx.Input{
			{TxID: "prevtx", VoutIndex: 0, ScriptSig: []string{"sig", "pub"}},
		},
		Vout: []tx.Output{
			{Value: 900, ScriptPubKey: tx.MakeLockScript("recipient")},
		},
	}

	if err := store.ApplyTransaction(trans); err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}

	spent, ok, err := store.GetFragment("prevtx_0")
	if err != nil || !ok {
		t.Fatalf("GetFragment(prevtx_0): ok=%v err=%v", ok, err)
	}
	if !spent.Spent {
		t.Error("input fragment was not marked spent")
	}
	if spent.TxChain == "" {
		t.Error("input fragment tx_chain was not set")
	}

	created, ok, err := store.GetFragment(tx.FragmentKey(trans.TransactionID, 0))
	if err != nil || !ok {
		t.Fatalf("GetFragment(output): ok=%v err=%v", ok, err)
	}
	if created.Value != 900 || created.PKHash != "recipient" {
		t.Errorf("created fragment = %+v, want value=900 pkhash=recipient", created)
	}
}

func TestStore_ApplyTransactionRejectsDoubleSpend(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "chainstate.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	_ = store.PutFragment("prevtx_0", &tx.Fragment{PKHash: "spender", Value: 1000, Spent: true})

	trans := &tx.Transaction{
		TransactionID: "0000000000000000000000000000000000000000000000000000000000000b",
		Vin: []tx.Input{
			{TxID: "prevtx", VoutIndex: 0, ScriptSig: []string{"sig", "pub"}},
		},
		Vout: []tx.Output{
			{Value: 900, ScriptPubKey: tx.MakeLockScript("recipient")},
		},
	}

	if err := store.ApplyTransaction(trans); err == nil {
		t.Error("ApplyTransaction accepted a double spend")
	}

	if _, ok, _ := store.GetFragment(tx.FragmentKey(trans.TransactionID, 0)); ok {
		t.Error("ApplyTransaction left a partial output fragment behind after failure")
	}
}

func TestStore_PersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "chainstate.db")

	{
		store, err := Open(dbPath, testLogger())
		if err != nil {
			t.Fatalf("Open (phase 1): %v", err)
		}
		if err := store.PutFragment("txid_0", &tx.Fragment{PKHash: "a", Value: 42}); err != nil {
			t.Fatalf("PutFragment: %v", err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	{
		store, err := Open(dbPath, testLogger())
		if err != nil {
			t.Fatalf("Open (phase 2): %v", err)
		}
		defer store.Close()

		got, ok, err := store.GetFragment("txid_0")
		if err != nil || !ok {
			t.Fatalf("GetFragment after reopen: ok=%v err=%v", ok, err)
		}
		if got.Value != 42 {
			t.Errorf("value after reopen = %d, want 42", got.Value)
		}
	}
}
