// SPDX-License-Identifier: ice License 1.0

// Package paywall implements per-instance Lightning-gated access: a
// pubkey whitelist with extend-only expiry, populated by watching invoice
// settlement over a Nostr Wallet Connect (NIP-47) session.
package paywall

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
)

const (
	kindNWCRequest      = 23194
	kindNWCResponse     = 23195
	nwcSendTimeout      = 30 * time.Second
	nwcRelayConnectWait = 10 * time.Second
)

// InvoiceStatus is the terminal or interim state of one invoice being
// watched for settlement.
type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusExpired InvoiceStatus = "expired"
)

// InvoiceResponse is the result of a make_invoice NWC call.
type InvoiceResponse struct {
	Invoice     string
	PaymentHash string
}

// NWCClient speaks NIP-47 over one wallet-designated relay.
type NWCClient struct {
	relayURL     string
	walletPubkey string
	clientSecret string
}

// ParseConnectionString parses a `nostr+walletconnect://<pubkey>?relay=..&secret=..` URI.
func ParseConnectionString(s string) (*NWCClient, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.Wrap(err, "invalid nwc connection string")
	}
	if u.Scheme != "nostr+walletconnect" && u.Scheme != "nostrwalletconnect" {
		return nil, errors.Newf("unsupported nwc scheme %q", u.Scheme)
	}

	walletPubkey := u.Host
	if walletPubkey == "" {
		walletPubkey = strings.TrimPrefix(u.Opaque, "//")
	}
	if len(walletPubkey) != 64 {
		return nil, errors.Newf("invalid wallet pubkey in nwc string")
	}

	relay := u.Query().Get("relay")
	secret := u.Query().Get("secret")
	if relay == "" || secret == "" {
		return nil, errors.New("nwc connection string missing relay or secret")
	}

	return &NWCClient{relayURL: relay, walletPubkey: walletPubkey, clientSecret: secret}, nil
}

type nwcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type nwcResponse struct {
	ResultType string          `json:"result_type"`
	Error      *nwcError       `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type nwcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *NWCClient) sendAndWait(ctx context.Context, method string, params any, timeout time.Duration) (*nwcResponse, error) {
	reqBody, err := json.Marshal(nwcRequest{Method: method, Params: params})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal nwc request")
	}

	clientPub, err := nostr.GetPublicKey(c.clientSecret)
	if err != nil {
		return nil, errors.Wrap(err, "invalid nwc client secret")
	}

	ss, err := nip04.ComputeSharedSecret(c.walletPubkey, c.clientSecret)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive nwc shared secret")
	}

	encrypted, err := nip04.Encrypt(string(reqBody), ss)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encrypt nwc request")
	}

	ev := nostr.Event{
		PubKey:    clientPub,
		CreatedAt: nostr.Now(),
		Kind:      kindNWCRequest,
		Tags:      nostr.Tags{{"p", c.walletPubkey}},
		Content:   encrypted,
	}
	if err := ev.Sign(c.clientSecret); err != nil {
		return nil, errors.Wrap(err, "failed to sign nwc request event")
	}

	connCtx, cancel := context.WithTimeout(ctx, nwcRelayConnectWait)
	defer cancel()

	relay, err := nostr.RelayConnect(connCtx, c.relayURL)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to nwc relay %v", c.relayURL)
	}
	defer relay.Close()

	subCtx, subCancel := context.WithTimeout(ctx, timeout)
	defer subCancel()

	sub, err := relay.Subscribe(subCtx, nostr.Filters{{
		Kinds: []int{kindNWCResponse},
		Tags:  nostr.TagMap{"p": []string{clientPub}, "e": []string{ev.ID}},
		Limit: 1,
	}})
	if err != nil {
		return nil, errors.Wrap(err, "failed to subscribe for nwc response")
	}
	defer sub.Unsub()

	if err := relay.Publish(ctx, ev); err != nil {
		return nil, errors.Wrap(err, "failed to publish nwc request")
	}

	for {
		select {
		case respEv, ok := <-sub.Events:
			if !ok {
				return nil, errors.New("nwc relay closed connection without response")
			}
			plain, err := nip04.Decrypt(respEv.Content, ss)
			if err != nil {
				continue
			}
			var resp nwcResponse
			if err := json.Unmarshal([]byte(plain), &resp); err != nil {
				continue
			}
			if resp.Error != nil {
				return nil, errors.Newf("nwc wallet error %v: %v", resp.Error.Code, resp.Error.Message)
			}

			return &resp, nil
		case <-subCtx.Done():
			return nil, errors.Newf("timeout waiting for nwc %v response", method)
		}
	}
}

// MakeInvoice requests an invoice for amountMsats with the given memo.
func (c *NWCClient) MakeInvoice(ctx context.Context, amountMsats int64, memo string) (*InvoiceResponse, error) {
	resp, err := c.sendAndWait(ctx, "make_invoice", map[string]any{
		"amount":      amountMsats,
		"description": memo,
	}, nwcSendTimeout)
	if err != nil {
		return nil, err
	}

	var result struct {
		Invoice     string `json:"invoice"`
		PaymentHash string `json:"payment_hash"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, errors.Wrap(err, "failed to parse make_invoice result")
	}

	return &InvoiceResponse{Invoice: result.Invoice, PaymentHash: result.PaymentHash}, nil
}

// LookupInvoice checks the settlement state of one invoice by payment hash.
func (c *NWCClient) LookupInvoice(ctx context.Context, paymentHash string) (InvoiceStatus, error) {
	resp, err := c.sendAndWait(ctx, "lookup_invoice", map[string]any{
		"payment_hash": paymentHash,
	}, nwcSendTimeout)
	if err != nil {
		return "", err
	}

	var result struct {
		SettledAt *int64 `json:"settled_at"`
		Preimage  string `json:"preimage"`
		ExpiresAt *int64 `json:"expires_at"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", errors.Wrap(err, "failed to parse lookup_invoice result")
	}

	if result.SettledAt != nil || result.Preimage != "" {
		return InvoiceStatusPaid, nil
	}
	if result.ExpiresAt != nil && time.Now().Unix() > *result.ExpiresAt {
		return InvoiceStatusExpired, nil
	}

	return InvoiceStatusPending, nil
}

// GetInfo verifies the connection string speaks NWC to a reachable wallet.
func (c *NWCClient) GetInfo(ctx context.Context) error {
	_, err := c.sendAndWait(ctx, "get_info", map[string]any{}, nwcSendTimeout)

	return err
}
