package intent

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"

	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

// The type strings below are the single source of truth for the struct-hash
// schema. Field order and types must stay byte-for-byte in lockstep with the
// on-chain verifier; a silent mismatch produces intents the backend rejects.
const (
	domainType = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"

	metaType = "IntentMeta(bytes32 requestId,address signer,address executor,uint8 action,bytes32 payloadHash,uint256 nonce,uint256 requestedAt,uint256 expiresAt)"

	reservationType = "ReservationIntent(address executor,string schacHomeOrganization,string puc,bytes32 assertionHash,uint256 labId,uint256 start,uint256 end,uint256 price,bytes32 reservationKey)"

	adminType = "AdminIntent(address executor,string schacHomeOrganization,string puc,bytes32 assertionHash,uint8 action,uint256 labId,string uri,uint256 price,string auth,string accessURI,string accessKey,string tokenURI,uint256 maxBatch)"
)

// Domain identifies the signing domain separating this marketplace's
// intents from any other EIP-712 consumer.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract models.Address
}

// TypedDataDescriptor tells the co-signer (and any independent verifier)
// exactly what schema a meta hash was computed over.
type TypedDataDescriptor struct {
	Domain      Domain `json:"domain"`
	PrimaryType string `json:"primaryType"`
	TypeString  string `json:"typeString"`
}

func Keccak256(data ...[]byte) models.Hash32 {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out models.Hash32
	h.Sum(out[:0])
	return out
}

// abi-encoding atoms: every field occupies one 32-byte word.

func wordUint64(v uint64) []byte {
	var w [32]byte
	binary.BigEndian.PutUint64(w[24:], v)
	return w[:]
}

func wordInt64(v int64) []byte {
	// Timestamps are non-negative unix seconds; encode as uint256.
	return wordUint64(uint64(v))
}

func wordAddress(a models.Address) []byte {
	var w [32]byte
	copy(w[12:], a[:])
	return w[:]
}

func wordHash(h models.Hash32) []byte {
	out := make([]byte, 32)
	copy(out, h[:])
	return out
}

func wordString(s string) []byte {
	// Dynamic types are encoded as the keccak hash of their contents.
	h := Keccak256([]byte(s))
	return h[:]
}

func (d Domain) Separator() models.Hash32 {
	typeHash := Keccak256([]byte(domainType))
	return Keccak256(
		typeHash[:],
		wordString(d.Name),
		wordString(d.Version),
		wordUint64(d.ChainID),
		wordAddress(d.VerifyingContract),
	)
}

// HashMeta computes hashStruct(meta) for the IntentMeta schema.
func HashMeta(meta models.IntentMeta) models.Hash32 {
	typeHash := Keccak256([]byte(metaType))
	return Keccak256(
		typeHash[:],
		wordHash(meta.RequestID),
		wordAddress(meta.Signer),
		wordAddress(meta.Executor),
		wordUint64(uint64(meta.Action)),
		wordHash(meta.PayloadHash),
		wordUint64(meta.Nonce),
		wordInt64(meta.RequestedAt),
		wordInt64(meta.ExpiresAt),
	)
}

// HashPayload computes hashStruct(payload) under the schema selected by the
// payload's action.
func HashPayload(p models.IntentPayload) models.Hash32 {
	if p.Action.IsReservation() {
		typeHash := Keccak256([]byte(reservationType))
		return Keccak256(
			typeHash[:],
			wordAddress(p.Executor),
			wordString(p.SchacHomeOrganization),
			wordString(p.PUC),
			wordHash(p.AssertionHash),
			wordUint64(p.LabID),
			wordInt64(p.Start),
			wordInt64(p.End),
			wordUint64(p.Price),
			wordHash(p.ReservationKey),
		)
	}

	typeHash := Keccak256([]byte(adminType))
	return Keccak256(
		typeHash[:],
		wordAddress(p.Executor),
		wordString(p.SchacHomeOrganization),
		wordString(p.PUC),
		wordHash(p.AssertionHash),
		wordUint64(uint64(p.Action)),
		wordUint64(p.LabID),
		wordString(p.URI),
		wordUint64(p.Price),
		wordString(p.Auth),
		wordString(p.AccessURI),
		wordString(p.AccessKey),
		wordString(p.TokenURI),
		wordUint64(p.MaxBatch),
	)
}

// SigningDigest is the final EIP-712 digest the co-signer's key signs:
// keccak256(0x19 0x01 ‖ domainSeparator ‖ hashStruct(meta)).
func SigningDigest(d Domain, meta models.IntentMeta) models.Hash32 {
	sep := d.Separator()
	structHash := HashMeta(meta)
	return Keccak256([]byte{0x19, 0x01}, sep[:], structHash[:])
}

// Descriptor returns the typed-data descriptor for meta signatures under d.
func Descriptor(d Domain) TypedDataDescriptor {
	return TypedDataDescriptor{
		Domain:      d,
		PrimaryType: "IntentMeta",
		TypeString:  metaType,
	}
}
