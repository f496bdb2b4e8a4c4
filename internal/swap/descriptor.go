package swap

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/klingon-exchange/subswap/pkg/helpers"
)

// SwapTree is the two leaf Taproot script tree of a swap output.
type SwapTree struct {
	ClaimLeaf  txscript.TapLeaf
	RefundLeaf txscript.TapLeaf

	tree *txscript.IndexedTapScriptTree
}

// NewSwapTree assembles a tree from raw claim and refund leaf scripts
// using the base leaf version.
func NewSwapTree(claimScript, refundScript []byte) *SwapTree {
	return newSwapTree(
		txscript.NewBaseTapLeaf(claimScript),
		txscript.NewBaseTapLeaf(refundScript),
	)
}

func newSwapTree(claim, refund txscript.TapLeaf) *SwapTree {
	return &SwapTree{
		ClaimLeaf:  claim,
		RefundLeaf: refund,
		tree:       txscript.AssembleTaprootScriptTree(claim, refund),
	}
}

// MerkleRoot returns the tapscript merkle root used to tweak the internal key.
func (t *SwapTree) MerkleRoot() []byte {
	root := t.tree.RootNode.TapHash()
	return root[:]
}

// OutputKey returns the Taproot output key committing to this tree.
func (t *SwapTree) OutputKey(internalKey *btcec.PublicKey) *btcec.PublicKey {
	return txscript.ComputeTaprootOutputKey(internalKey, t.MerkleRoot())
}

// ControlBlock returns the serialized control block proving leaf is part
// of the tree under internalKey.
func (t *SwapTree) ControlBlock(internalKey *btcec.PublicKey, leaf txscript.TapLeaf) ([]byte, error) {
	idx, ok := t.tree.LeafProofIndex[leaf.TapHash()]
	if !ok {
		return nil, fmt.Errorf("%w: leaf not in tree", ErrInvalidSwapTree)
	}

	ctrl := t.tree.LeafMerkleProofs[idx].ToControlBlock(internalKey)
	return ctrl.ToBytes()
}

// ClaimTerms parses the claim leaf.
func (t *SwapTree) ClaimTerms() (*ClaimTerms, error) {
	return ParseClaimLeaf(t.ClaimLeaf.Script)
}

// RefundTerms parses the refund leaf.
func (t *SwapTree) RefundTerms() (*RefundTerms, error) {
	return ParseRefundLeaf(t.RefundLeaf.Script)
}

type leafJSON struct {
	Version uint8  `json:"version"`
	Output  string `json:"output"`
}

type swapTreeJSON struct {
	ClaimLeaf  leafJSON `json:"claimLeaf"`
	RefundLeaf leafJSON `json:"refundLeaf"`
}

func (l leafJSON) decode() (txscript.TapLeaf, error) {
	script, err := helpers.HexToBytes(l.Output)
	if err != nil {
		return txscript.TapLeaf{}, fmt.Errorf("%w: leaf output: %v", ErrInvalidSwapTree, err)
	}
	if len(script) == 0 {
		return txscript.TapLeaf{}, fmt.Errorf("%w: empty leaf", ErrInvalidSwapTree)
	}
	return txscript.NewTapLeaf(txscript.TapscriptLeafVersion(l.Version), script), nil
}

// MarshalJSON encodes the tree in the swap service wire format.
func (t *SwapTree) MarshalJSON() ([]byte, error) {
	return json.Marshal(swapTreeJSON{
		ClaimLeaf: leafJSON{
			Version: uint8(t.ClaimLeaf.LeafVersion),
			Output:  helpers.BytesToHex(t.ClaimLeaf.Script),
		},
		RefundLeaf: leafJSON{
			Version: uint8(t.RefundLeaf.LeafVersion),
			Output:  helpers.BytesToHex(t.RefundLeaf.Script),
		},
	})
}

// UnmarshalJSON decodes the swap service wire format.
func (t *SwapTree) UnmarshalJSON(data []byte) error {
	var raw swapTreeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSwapTree, err)
	}

	claim, err := raw.ClaimLeaf.decode()
	if err != nil {
		return err
	}
	refund, err := raw.RefundLeaf.decode()
	if err != nil {
		return err
	}

	*t = *newSwapTree(claim, refund)
	return nil
}

// SwapDescriptor is the immutable description of a swap as returned by the
// swap service when the swap was created.
type SwapDescriptor struct {
	ID string

	// CounterpartyPubKey is the service's key: the refund key of a reverse
	// swap, the claim key of a submarine swap.
	CounterpartyPubKey *btcec.PublicKey

	Tree *SwapTree

	// LockupAddress, when set, is checked against the tweaked key.
	LockupAddress string

	TimeoutBlockHeight uint32

	// BlindingKey is only present on confidential-asset chains.
	BlindingKey []byte
}

type descriptorJSON struct {
	ID                 string    `json:"id"`
	RefundPublicKey    string    `json:"refundPublicKey,omitempty"`
	ClaimPublicKey     string    `json:"claimPublicKey,omitempty"`
	SwapTree           *SwapTree `json:"swapTree"`
	LockupAddress      string    `json:"lockupAddress,omitempty"`
	Address            string    `json:"address,omitempty"`
	TimeoutBlockHeight uint32    `json:"timeoutBlockHeight,omitempty"`
	BlindingKey        string    `json:"blindingKey,omitempty"`
}

// UnmarshalJSON accepts both the reverse swap shape (refundPublicKey,
// lockupAddress) and the submarine swap shape (claimPublicKey, address).
func (d *SwapDescriptor) UnmarshalJSON(data []byte) error {
	var raw descriptorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.ID == "" {
		return fmt.Errorf("swap descriptor has no id")
	}
	if raw.SwapTree == nil {
		return fmt.Errorf("%w: swap %s has no swap tree", ErrInvalidSwapTree, raw.ID)
	}

	keyHex := raw.RefundPublicKey
	if keyHex == "" {
		keyHex = raw.ClaimPublicKey
	}
	key, err := ParsePubKey(keyHex)
	if err != nil {
		return fmt.Errorf("swap %s counterparty key: %w", raw.ID, err)
	}

	var blinding []byte
	if raw.BlindingKey != "" {
		if blinding, err = helpers.HexToBytes(raw.BlindingKey); err != nil {
			return fmt.Errorf("swap %s blinding key: %w", raw.ID, err)
		}
	}

	lockup := raw.LockupAddress
	if lockup == "" {
		lockup = raw.Address
	}

	*d = SwapDescriptor{
		ID:                 raw.ID,
		CounterpartyPubKey: key,
		Tree:               raw.SwapTree,
		LockupAddress:      lockup,
		TimeoutBlockHeight: raw.TimeoutBlockHeight,
		BlindingKey:        blinding,
	}
	return nil
}

// MarshalJSON encodes the descriptor in the reverse swap shape.
func (d *SwapDescriptor) MarshalJSON() ([]byte, error) {
	raw := descriptorJSON{
		ID:                 d.ID,
		SwapTree:           d.Tree,
		LockupAddress:      d.LockupAddress,
		TimeoutBlockHeight: d.TimeoutBlockHeight,
	}
	if d.CounterpartyPubKey != nil {
		raw.RefundPublicKey = helpers.BytesToHex(d.CounterpartyPubKey.SerializeCompressed())
	}
	if len(d.BlindingKey) > 0 {
		raw.BlindingKey = helpers.BytesToHex(d.BlindingKey)
	}
	return json.Marshal(raw)
}

// ExpectedOutputKey returns the Taproot output key encoded in the lockup
// address, or nil when the descriptor carries no address.
func (d *SwapDescriptor) ExpectedOutputKey(net *chaincfg.Params) (*btcec.PublicKey, error) {
	if d.LockupAddress == "" {
		return nil, nil
	}

	addr, err := btcutil.DecodeAddress(d.LockupAddress, net)
	if err != nil {
		return nil, fmt.Errorf("lockup address: %w", err)
	}
	taproot, ok := addr.(*btcutil.AddressTaproot)
	if !ok {
		return nil, fmt.Errorf("lockup address %s is not a taproot address", d.LockupAddress)
	}

	return schnorr.ParsePubKey(taproot.WitnessProgram())
}

// ParsePubKey parses a hex encoded compressed public key. Key aggregation
// depends on the parity byte, so x-only keys are rejected.
func ParsePubKey(s string) (*btcec.PublicKey, error) {
	raw, err := helpers.HexToFixed(s, btcec.PubKeyBytesLenCompressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}

	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	return key, nil
}

// ParsePrivKey parses a hex encoded 32 byte private key.
func ParsePrivKey(s string) (*btcec.PrivateKey, error) {
	raw, err := helpers.HexToFixed(s, btcec.PrivKeyBytesLen)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	defer helpers.Zero(raw)
	if helpers.IsZeroBytes(raw) {
		return nil, fmt.Errorf("private key is zero")
	}

	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}
