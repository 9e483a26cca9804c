package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/deployments
type EIP712Domain struct {
	Name              string         // e.g. "HarvestChainEscrow"
	Version           string         // e.g. "1"
	ChainID           *big.Int       // 31337 for a local hardhat-style chain
	VerifyingContract common.Address // escrow custody address, or zero for off-chain
}

// DefaultDomain returns the domain used when none is configured
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "HarvestChainEscrow",
		Version:           "1",
		ChainID:           big.NewInt(31337),
		VerifyingContract: common.Address{},
	}
}

// Call is a state-changing request to the escrow node, signed by Caller.
// BodyHash is keccak256 of the exact request body bytes, so the signature
// covers every parameter without a typed struct per method.
type Call struct {
	Method   string         // e.g. "acceptOrder"
	OrderID  uint64         // 0 when the call does not target an order
	BodyHash common.Hash    // keccak256(body)
	Nonce    uint64         // strictly increasing per caller
	Caller   common.Address // account the call acts for
}

// BodyHash hashes a raw request body for Call.BodyHash
func BodyHash(body []byte) common.Hash {
	return crypto.Keccak256Hash(body)
}

var callTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Call": []apitypes.Type{
		{Name: "method", Type: "string"},
		{Name: "orderId", Type: "uint256"},
		{Name: "bodyHash", Type: "bytes32"},
		{Name: "nonce", Type: "uint256"},
		{Name: "caller", Type: "address"},
	},
}

// CallSigner handles EIP-712 hashing, signing and recovery for Calls
type CallSigner struct {
	domain EIP712Domain
}

func NewCallSigner(domain EIP712Domain) *CallSigner {
	return &CallSigner{domain: domain}
}

func (c *CallSigner) Domain() EIP712Domain { return c.domain }

func (c *CallSigner) typedData(call *Call) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       callTypes,
		PrimaryType: "Call",
		Domain: apitypes.TypedDataDomain{
			Name:              c.domain.Name,
			Version:           c.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(c.domain.ChainID),
			VerifyingContract: c.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"method":   call.Method,
			"orderId":  strconv.FormatUint(call.OrderID, 10),
			"bodyHash": call.BodyHash.Hex(),
			"nonce":    strconv.FormatUint(call.Nonce, 10),
			"caller":   call.Caller.Hex(),
		},
	}
}

// HashCall returns the EIP-712 digest to sign
func (c *CallSigner) HashCall(call *Call) ([]byte, error) {
	typedData := c.typedData(call)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

// SignCall signs a call with signer's key
func (c *CallSigner) SignCall(signer *Signer, call *Call) ([]byte, error) {
	hash, err := c.HashCall(call)
	if err != nil {
		return nil, fmt.Errorf("failed to hash call: %w", err)
	}
	return signer.Sign(hash)
}

// RecoverCallSigner recovers the address that signed call
func (c *CallSigner) RecoverCallSigner(call *Call, signature []byte) (common.Address, error) {
	hash, err := c.HashCall(call)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash call: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// VerifyCall reports whether signature was made by call.Caller
func (c *CallSigner) VerifyCall(call *Call, signature []byte) (bool, error) {
	addr, err := c.RecoverCallSigner(call, signature)
	if err != nil {
		return false, err
	}
	return addr == call.Caller, nil
}

// CallToJSON renders the typed data in the eth_signTypedData_v4 shape, so a
// wallet can sign the same digest
func (c *CallSigner) CallToJSON(call *Call) (string, error) {
	td := c.typedData(call)
	out, err := json.MarshalIndent(map[string]interface{}{
		"types":       td.Types,
		"primaryType": td.PrimaryType,
		"domain": map[string]interface{}{
			"name":              c.domain.Name,
			"version":           c.domain.Version,
			"chainId":           c.domain.ChainID.String(),
			"verifyingContract": c.domain.VerifyingContract.Hex(),
		},
		"message": td.Message,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(out), nil
}
