package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPKeyService is the default KeyService: a JSON-RPC-ish HTTP client
// calling the two external RPCs (public_key, sign). It is an opaque
// external collaborator — the key-management service itself is out of
// scope; this is stdlib net/http because the contract is "call two named
// RPCs", not a protocol the ecosystem has a dedicated client for.
type HTTPKeyService struct {
	baseURL string
	client  *http.Client
}

func NewHTTPKeyService(baseURL string, client *http.Client) *HTTPKeyService {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPKeyService{baseURL: baseURL, client: client}
}

type keyServiceRequest struct {
	DerivationPath []string `json:"derivation_path"`
	Message        []byte   `json:"message,omitempty"`
}

type keyServiceResponse struct {
	Result []byte `json:"result"`
}

var signProxyTokenPath = []string{"sign_proxy_token"}

func (k *HTTPKeyService) PublicKey(ctx context.Context) ([]byte, error) {
	return k.call(ctx, "public_key", keyServiceRequest{DerivationPath: signProxyTokenPath})
}

func (k *HTTPKeyService) Sign(ctx context.Context, message []byte) ([]byte, error) {
	return k.call(ctx, "sign", keyServiceRequest{DerivationPath: signProxyTokenPath, Message: message})
}

func (k *HTTPKeyService) call(ctx context.Context, rpc string, body keyServiceRequest) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+"/"+rpc, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/json")

	res, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signer: key service %s: status %d: %s", rpc, res.StatusCode, data)
	}

	var out keyServiceResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}
