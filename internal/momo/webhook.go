package momo

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw callback body.
const SignatureHeader = "X-Momo-Signature"

// Callback is the gateway's asynchronous outcome for a previously initiated request.
type Callback struct {
	Reference             string `json:"reference"`
	Status                string `json:"status"`
	ProviderTransactionID string `json:"provider_transaction_id"`
	Reason                string `json:"reason"`
}

// Succeeded reports whether the provider completed the movement.
func (c Callback) Succeeded() bool {
	switch strings.ToUpper(c.Status) {
	case StatusSuccessful, "SUCCESS", "COMPLETED":
		return true
	}
	return false
}

// Terminal is false for interim PENDING notifications.
func (c Callback) Terminal() bool {
	return !strings.EqualFold(c.Status, StatusPending)
}

// ParseCallback verifies the signature and decodes the payload.
func ParseCallback(secret string, body []byte, signature string) (*Callback, error) {
	if err := VerifySignature(secret, body, signature); err != nil {
		return nil, err
	}
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("decode callback: %w", err)
	}
	if cb.Reference == "" {
		return nil, errors.New("callback reference is required")
	}
	if cb.Status == "" {
		return nil, errors.New("callback status is required")
	}
	return &cb, nil
}
