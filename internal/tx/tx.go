// Package tx defines the Helium transaction data model and validates
// transactions against the chainstate fragments they reference.
package tx

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/heliumproject/heliumd/internal/config"
	"github.com/heliumproject/heliumd/internal/crypt"
)

// Lock-script token positions for a pay-to-pubkey-hash output.
const (
	ScriptOpDup         = "<DUP>"
	ScriptOpHash160     = "<HASH-160>"
	ScriptOpEqualVerify = "<EQ-VERIFY>"
	ScriptOpCheckSig    = "<CHECK-SIG>"
)

// Input references a prior transaction's output by identifier and index,
// and carries the unlock script that proves ownership.
type Input struct {
	TxID      string   `json:"txid"`
	VoutIndex int      `json:"vout_index"`
	ScriptSig []string `json:"ScriptSig"`
}

// Output carries a value and a pay-to-pubkey-hash lock script.
type Output struct {
	Value        int64    `json:"value"`
	ScriptPubKey []string `json:"ScriptPubKey"`
}

// Transaction is the unit of value transfer in Helium.
type Transaction struct {
	TransactionID string   `json:"transactionid"`
	Version       string   `json:"version"`
	LockTime      int64    `json:"locktime"`
	Vin           []Input  `json:"vin"`
	Vout          []Output `json:"vout"`
}

// Canonical returns the deterministic serialized form of the transaction
// used as a Merkle leaf input. Field order is fixed by struct tag order, so
// json.Marshal already produces a stable encoding.
func (t *Transaction) Canonical() ([]byte, error) {
	return json.Marshal(t)
}

// MakeLockScript builds a pay-to-pubkey-hash lock script for pkhash.
func MakeLockScript(pkhash string) []string {
	return []string{ScriptOpDup, ScriptOpHash160, pkhash, ScriptOpEqualVerify, ScriptOpCheckSig}
}

// Fragment is the chainstate projection of a single spendable output.
type Fragment struct {
	PKHash  string `json:"pkhash"`
	Value   int64  `json:"value"`
	Spent   bool   `json:"spent"`
	TxChain string `json:"tx_chain"`
}

// FragmentStore is the subset of the chainstate store transaction
// validation needs: a read-only lookup of a fragment by key.
type FragmentStore interface {
	GetFragment(key string) (*Fragment, bool, error)
}

// FragmentKey builds the chainstate key for a given previous transaction id
// and output index.
func FragmentKey(txid string, voutIndex int) string {
	return fmt.Sprintf("%s_%d", txid, voutIndex)
}

// Validator validates transactions against a configuration and a fragment
// store.
type Validator struct {
	cfg   *config.Config
	store FragmentStore
}

// NewValidator builds a Validator over cfg and store.
func NewValidator(cfg *config.Config, store FragmentStore) *Validator {
	return &Validator{cfg: cfg, store: store}
}

// ValidationError reports why a transaction failed validation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid transaction: " + e.Reason
}

func fail(reason string) error {
	return &ValidationError{Reason: reason}
}

// Validate checks trans against every invariant in the transaction
// validation contract. zeroInputs is true for genesis-block transactions
// and coinbase transactions, which carry no inputs. On success it returns
// the transaction fee (0 when zeroInputs is true).
func (v *Validator) Validate(trans *Transaction, zeroInputs bool) (int64, error) {
	if trans.TransactionID == "" {
		return 0, fail("missing transaction id")
	}
	if trans.Vin == nil {
		return 0, fail("missing vin")
	}
	if trans.Vout == nil {
		return 0, fail("missing vout")
	}

	if !crypt.ValidateSHA256Hex(trans.TransactionID) {
		return 0, fail("transaction id is not a valid SHA-256 hash")
	}

	if trans.Version != v.cfg.VersionNo {
		return 0, fail("improper version number")
	}

	if trans.LockTime < 0 {
		return 0, fail("invalid locktime")
	}

	if zeroInputs && len(trans.Vin) > 0 {
		return 0, fail("zero-input transaction cannot have inputs")
	}

	if len(trans.Vin) > v.cfg.MaxInputs {
		return 0, fail("vin list too long")
	}

	fragments := make([]*Fragment, 0, len(trans.Vin))
	for _, vin := range trans.Vin {
		if err := validateVin(&vin); err != nil {
			return 0, err
		}

		key := FragmentKey(vin.TxID, vin.VoutIndex)
		fragment, err := v.prevTxValue(key)
		if err != nil {
			return 0, err
		}
		fragments = append(fragments, fragment)
	}

	if len(trans.Vout) <= 0 || len(trans.Vout) > v.cfg.MaxOutputs {
		return 0, fail("vout list length error")
	}

	for _, vout := range trans.Vout {
		if err := validateVout(&vout); err != nil {
			return 0, err
		}
	}

	var fee int64
	if !zeroInputs {
		var err error
		fee, err = transactionFee(trans, fragments)
		if err != nil {
			return 0, err
		}
	}

	for i, vin := range trans.Vin {
		if err := unlockTransactionFragment(&vin, fragments[i]); err != nil {
			return 0, err
		}
	}

	return fee, nil
}

func validateVin(vin *Input) error {
	if vin.VoutIndex < 0 {
		return fail("negative vout_index")
	}
	if len(vin.ScriptSig) != 2 {
		return fail("ScriptSig must have exactly two elements")
	}
	if vin.ScriptSig[0] == "" || vin.ScriptSig[1] == "" {
		return fail("ScriptSig element is empty")
	}
	if !crypt.ValidateSHA256Hex(vin.TxID) {
		return fail("vin txid is not a valid SHA-256 hash")
	}
	return nil
}

func validateVout(vout *Output) error {
	if vout.Value <= 0 {
		return fail("vout value must be positive")
	}
	if len(vout.ScriptPubKey) != 5 {
		return fail("ScriptPubKey length error")
	}
	if vout.ScriptPubKey[0] != ScriptOpDup {
		return fail("ScriptPubKey missing <DUP>")
	}
	if vout.ScriptPubKey[1] != ScriptOpHash160 {
		return fail("ScriptPubKey missing <HASH-160>")
	}
	if vout.ScriptPubKey[3] != ScriptOpEqualVerify {
		return fail("ScriptPubKey missing <EQ-VERIFY>")
	}
	if vout.ScriptPubKey[4] != ScriptOpCheckSig {
		return fail("ScriptPubKey missing <CHECK-SIG>")
	}
	if vout.ScriptPubKey[2] == "" {
		return fail("ScriptPubKey pkhash is empty")
	}
	return nil
}

func (v *Validator) prevTxValue(key string) (*Fragment, error) {
	fragment, ok, err := v.store.GetFragment(key)
	if err != nil {
		return nil, fmt.Errorf("cannot get fragment from chainstate: %w", err)
	}
	if !ok {
		return nil, fail("referenced fragment does not exist: " + key)
	}
	if fragment.Spent {
		return nil, fail("cannot respend fragment in chainstate: " + key)
	}
	if fragment.Value <= 0 {
		return nil, fail("fragment value is not positive")
	}
	return fragment, nil
}

// transactionFee computes sum(fragment values) - sum(output values). There
// is no fee for the genesis block or coinbase transactions; callers must
// not invoke this when zeroInputs is true.
func transactionFee(trans *Transaction, fragments []*Fragment) (int64, error) {
	var spendable, spent int64
	for _, f := range fragments {
		spendable += f.Value
	}
	for _, out := range trans.Vout {
		spent += out.Value
	}

	if spendable <= 0 {
		return 0, fail("spendable value is not positive")
	}
	if spent <= 0 {
		return 0, fail("spent value is not positive")
	}
	if spendable < spent {
		return 0, fail("spendable value less than spent value")
	}

	return spendable - spent, nil
}

// unlockTransactionFragment runs the pay-to-pubkey-hash unlock script: the
// hash of the input's public key must match the fragment's pkhash, and the
// signature in the script must verify over the public-key string.
func unlockTransactionFragment(vin *Input, fragment *Fragment) error {
	sig := vin.ScriptSig[0]
	pubkey := vin.ScriptSig[1]

	hash160 := crypt.RIPEMD160Hex(crypt.SHA256Hex(pubkey))
	if hash160 != fragment.PKHash {
		return fail("public key hash mismatch")
	}

	if !crypt.Verify(pubkey, pubkey, sig) {
		return fail("signature verification failed")
	}

	return nil
}

// SortByTxID returns a copy of txs sorted by transaction id, for callers
// that need a deterministic ordering.
func SortByTxID(txs []*Transaction) []*Transaction {
	out := make([]*Transaction, len(txs))
	copy(out, txs)
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out
}
