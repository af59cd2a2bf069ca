package relayer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/veil-labs/veilpool/pkg/spentset"
)

// spentCheckBatch is the maximum number of nullifiers per /nullifiers/check
// request.
const spentCheckBatch = 100

// FetchRange fetches the encrypted-output stream slice [start, end).
func (c *Client) FetchRange(ctx context.Context, start, end uint32) (*RangeResult, error) {
	if end < start {
		return nil, fmt.Errorf("invalid range [%d, %d)", start, end)
	}
	var raw json.RawMessage
	path := fmt.Sprintf("/utxos/range?start=%d&end=%d", start, end)
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}
	return parseRangeResponse(raw)
}

// CheckNullifiers queries the spent-set for a batch of nullifiers, in
// groups of at most 100. The result maps each nullifier's hex form to
// whether a marker account exists for it.
func (c *Client) CheckNullifiers(ctx context.Context, nullifiers []*big.Int) (map[string]bool, error) {
	result := make(map[string]bool, len(nullifiers))

	hexes := make([]string, 0, len(nullifiers))
	for _, nf := range nullifiers {
		h, err := spentset.NullifierHex(nf)
		if err != nil {
			return nil, fmt.Errorf("nullifier encoding: %w", err)
		}
		hexes = append(hexes, h)
	}

	for start := 0; start < len(hexes); start += spentCheckBatch {
		end := start + spentCheckBatch
		if end > len(hexes) {
			end = len(hexes)
		}

		req := struct {
			Nullifiers []string `json:"nullifiers"`
		}{Nullifiers: hexes[start:end]}
		var resp struct {
			Nullifiers map[string]bool `json:"nullifiers"`
		}
		if err := c.postJSON(ctx, "/nullifiers/check", &req, &resp); err != nil {
			return nil, err
		}
		for k, v := range resp.Nullifiers {
			result[k] = v
		}
	}
	return result, nil
}

// SubmitDeposit forwards a signed deposit transaction. spl selects the
// fungible-token endpoint.
func (c *Client) SubmitDeposit(ctx context.Context, signedTxBase64 string, spl bool) (*SubmitResponse, error) {
	path := "/deposit"
	if spl {
		path = "/deposit/spl"
	}
	req := struct {
		SignedTransaction string `json:"signedTransaction"`
	}{SignedTransaction: signedTxBase64}
	var resp SubmitResponse
	if err := c.postJSON(ctx, path, &req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitWithdraw forwards a withdrawal.
func (c *Client) SubmitWithdraw(ctx context.Context, params *WithdrawParams, spl bool) (*SubmitResponse, error) {
	path := "/withdraw"
	if spl {
		path = "/withdraw/spl"
	}
	var resp SubmitResponse
	if err := c.postJSON(ctx, path, params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitDelayedWithdraw schedules a withdrawal for later execution.
// params.DelayMinutes must be set.
func (c *Client) SubmitDelayedWithdraw(ctx context.Context, params *WithdrawParams, spl bool) (*DelayedWithdrawResponse, error) {
	path := "/withdraw/delayed"
	if spl {
		path = "/withdraw/spl/delayed"
	}
	var resp DelayedWithdrawResponse
	if err := c.postJSON(ctx, path, params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Info fetches the relayer's identity (fee recipient public key).
func (c *Client) Info(ctx context.Context) (*RelayerInfo, error) {
	var resp RelayerInfo
	if err := c.getJSON(ctx, "/relayer", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
