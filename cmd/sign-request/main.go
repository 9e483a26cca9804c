// Command sign-request signs an escrow API call with EIP-712 and prints the
// auth headers, or sends the request when -send is given.
//
//	sign-request -key $BUYER_KEY -method acceptOrder -order 1 -nonce 4 \
//	    -body '{"agreedUnitPrice":"3.60"}' -send http://localhost:8080/api/v1/orders/1/accept
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/harvestchain/params"
	"github.com/uhyunpark/harvestchain/pkg/api"
	"github.com/uhyunpark/harvestchain/pkg/crypto"
)

func main() {
	var (
		keyHex   = flag.String("key", os.Getenv("SIGNER_KEY"), "hex private key (default $SIGNER_KEY); a fresh key is generated when empty")
		method   = flag.String("method", "", "API method name, e.g. createOrder, acceptOrder, fundRemainder, cancelOrder, mint")
		orderID  = flag.Uint64("order", 0, "order id the call targets (0 for none)")
		nonce    = flag.Uint64("nonce", uint64(time.Now().UnixNano()), "strictly increasing per caller")
		body     = flag.String("body", "", "exact JSON request body")
		bodyFile = flag.String("body-file", "", "read the body from a file instead")
		chainID  = flag.Int64("chain-id", 0, "override CHAIN_ID from the environment")
		send     = flag.String("send", "", "URL to send the signed request to")
		verb     = flag.String("X", http.MethodPost, "HTTP method used with -send")
	)
	flag.Parse()

	if *method == "" {
		fail("missing -method")
	}

	cfg, err := params.LoadFromEnv("")
	if err != nil {
		fail("config: %v", err)
	}
	if *chainID != 0 {
		cfg.Node.ChainID = *chainID
	}

	var signer *crypto.Signer
	if *keyHex == "" {
		if signer, err = crypto.GenerateKey(); err != nil {
			fail("generate key: %v", err)
		}
		fmt.Fprintf(os.Stderr, "Generated key %s for %s (KEEP SECRET!)\n", signer.PrivateKeyHex(), signer.Address().Hex())
	} else if signer, err = crypto.FromPrivateKeyHex(*keyHex); err != nil {
		fail("load key: %v", err)
	}

	raw := []byte(*body)
	if *bodyFile != "" {
		if raw, err = os.ReadFile(*bodyFile); err != nil {
			fail("read body: %v", err)
		}
	}

	call := &crypto.Call{
		Method:   *method,
		OrderID:  *orderID,
		BodyHash: crypto.BodyHash(raw),
		Nonce:    *nonce,
		Caller:   signer.Address(),
	}
	callSigner := crypto.NewCallSigner(cfg.Domain())
	sig, err := callSigner.SignCall(signer, call)
	if err != nil {
		fail("sign: %v", err)
	}

	headers := map[string]string{
		api.HeaderCaller:    signer.Address().Hex(),
		api.HeaderNonce:     fmt.Sprint(*nonce),
		api.HeaderSignature: hexutil.Encode(sig),
	}

	if *send == "" {
		typed, err := callSigner.CallToJSON(call)
		if err != nil {
			fail("typed data: %v", err)
		}
		fmt.Fprintln(os.Stderr, typed)
		for _, k := range []string{api.HeaderCaller, api.HeaderNonce, api.HeaderSignature} {
			fmt.Printf("%s: %s\n", k, headers[k])
		}
		return
	}

	req, err := http.NewRequest(*verb, *send, bytes.NewReader(raw))
	if err != nil {
		fail("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fail("send: %v", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s\n%s\n", resp.Status, out)
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(2)
}
