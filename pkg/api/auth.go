package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/harvestchain/pkg/crypto"
	"github.com/uhyunpark/harvestchain/pkg/storage"
)

// Request headers carrying the caller identity and, when signatures are
// required, the EIP-712 proof.
const (
	HeaderCaller    = "X-Caller"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

var (
	ErrMissingCaller = errors.New("missing or invalid caller")
	ErrBadSignature  = errors.New("invalid signature")
	ErrStaleNonce    = errors.New("nonce already used")
)

type nonceEntry struct {
	Caller common.Address `json:"caller"`
	Nonce  uint64         `json:"nonce"`
}

// authenticator resolves the caller of a state-changing request. Without
// signatures the X-Caller header is trusted (devnet). With signatures the
// request must carry a Call signed by X-Caller over the exact body, with a
// nonce above the caller's last one.
type authenticator struct {
	require bool
	signer  *crypto.CallSigner

	mu      sync.Mutex
	nonces  map[common.Address]uint64
	backend storage.Backend
}

func newAuthenticator(require bool, domain crypto.EIP712Domain, backend storage.Backend) (*authenticator, error) {
	a := &authenticator{
		require: require,
		signer:  crypto.NewCallSigner(domain),
		nonces:  make(map[common.Address]uint64),
		backend: backend,
	}
	if backend != nil {
		err := backend.Each(func(key string, raw []byte) error {
			var e nonceEntry
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("failed to unmarshal nonce %s: %w", key, err)
			}
			a.nonces[e.Caller] = e.Nonce
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *authenticator) authenticate(r *http.Request, method string, orderID uint64, body []byte) (common.Address, error) {
	raw := r.Header.Get(HeaderCaller)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrMissingCaller, raw)
	}
	caller := common.HexToAddress(raw)
	if !a.require {
		return caller, nil
	}

	nonce, err := strconv.ParseUint(r.Header.Get(HeaderNonce), 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: bad nonce: %v", ErrBadSignature, err)
	}
	sig, err := crypto.DecodeSignature(r.Header.Get(HeaderSignature))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	call := &crypto.Call{
		Method:   method,
		OrderID:  orderID,
		BodyHash: crypto.BodyHash(body),
		Nonce:    nonce,
		Caller:   caller,
	}
	ok, err := a.signer.VerifyCall(call, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return common.Address{}, fmt.Errorf("%w: not signed by %s", ErrBadSignature, caller.Hex())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if last, seen := a.nonces[caller]; seen && nonce <= last {
		return common.Address{}, fmt.Errorf("%w: %d <= %d", ErrStaleNonce, nonce, last)
	}
	if a.backend != nil {
		if err := a.backend.Put("nonce/"+caller.Hex(), nonceEntry{Caller: caller, Nonce: nonce}); err != nil {
			return common.Address{}, err
		}
	}
	a.nonces[caller] = nonce
	return caller, nil
}

// lastNonce is the highest nonce accepted from caller, for clients picking
// the next one.
func (a *authenticator) lastNonce(caller common.Address) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.nonces[caller]
	return n, ok
}
