package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPLedger talks to a remote anchoring service:
//
//	POST {base}/anchors       {"hash": "..."}  -> {"anchorId": "..."}
//	GET  {base}/anchors/{id}                   -> {"hash": "..."}
type HTTPLedger struct {
	baseURL string
	client  *http.Client
}

func NewHTTPLedger(baseURL string, timeout time.Duration) *HTTPLedger {
	return &HTTPLedger{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type anchorRequest struct {
	Hash string `json:"hash"`
}

type anchorResponse struct {
	AnchorID string `json:"anchorId"`
}

type retrieveResponse struct {
	Hash string `json:"hash"`
}

func (h *HTTPLedger) Anchor(ctx context.Context, hash string) (string, error) {
	body, err := json.Marshal(anchorRequest{Hash: hash})
	if err != nil {
		return "", fmt.Errorf("ledger: encode anchor request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/anchors", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ledger: build anchor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", unavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", unavailable(statusError(resp))
	}

	var out anchorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", unavailable(fmt.Errorf("decode anchor response: %w", err))
	}
	if out.AnchorID == "" {
		return "", unavailable(fmt.Errorf("anchor response missing anchorId"))
	}
	return out.AnchorID, nil
}

func (h *HTTPLedger) Retrieve(ctx context.Context, ref string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/anchors/"+url.PathEscape(ref), nil)
	if err != nil {
		return "", fmt.Errorf("ledger: build retrieve request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", unavailable(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrAnchorNotFound
	case resp.StatusCode != http.StatusOK:
		return "", unavailable(statusError(resp))
	}

	var out retrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", unavailable(fmt.Errorf("decode retrieve response: %w", err))
	}
	if out.Hash == "" {
		return "", unavailable(fmt.Errorf("retrieve response missing hash"))
	}
	return out.Hash, nil
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("anchoring service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}
