package domain

import (
	"strings"
	"time"
)

// TransactionContext is the immutable input to every rule and signal
// evaluation. It is constructed once from the inbound request and never
// mutated afterwards.
type TransactionContext struct {
	TransactionID string `json:"transactionId"`
	UserID        string `json:"userId"`
	OrderID       string `json:"orderId"`

	Amount float64 `json:"amount"`

	IPAddress         string `json:"ipAddress"`
	UserAgent         string `json:"userAgent"`
	DeviceFingerprint string `json:"deviceFingerprint"`
	Email             string `json:"email,omitempty"`

	Shipping ShippingInfo `json:"shipping"`
	Payment  PaymentInfo  `json:"payment"`

	Timestamp time.Time `json:"timestamp"`

	// Metadata carries optional extension fields usable by THRESHOLD and
	// EXPRESSION rules.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ShippingInfo is the destination of the order.
type ShippingInfo struct {
	Country    string  `json:"country,omitempty"`
	City       string  `json:"city,omitempty"`
	PostalCode string  `json:"postalCode,omitempty"`
	Latitude   float64 `json:"latitude,omitempty"`
	Longitude  float64 `json:"longitude,omitempty"`
}

// PaymentInfo carries card metadata only. The engine never sees a PAN.
type PaymentInfo struct {
	Method       string `json:"method"`
	CardBIN      string `json:"cardBin,omitempty"`
	CardLastFour string `json:"cardLastFour,omitempty"`
}

// NumericField resolves a named numeric field for THRESHOLD rules.
// Built-in fields are checked first, then the metadata map.
func (c *TransactionContext) NumericField(name string) (float64, bool) {
	switch name {
	case "amount":
		return c.Amount, true
	case "hour":
		return float64(c.Timestamp.Hour()), true
	}

	if v, ok := c.Metadata[name]; ok {
		switch n := v.(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		}
	}
	return 0, false
}

// EmailDomain returns the domain part of the buyer email, or "".
func (c *TransactionContext) EmailDomain() string {
	if i := strings.LastIndexByte(c.Email, '@'); i >= 0 && i < len(c.Email)-1 {
		return strings.ToLower(c.Email[i+1:])
	}
	return ""
}

// ScopedValue returns the transaction attribute a blacklist scope refers to.
func (c *TransactionContext) ScopedValue(scope BlacklistType) string {
	switch scope {
	case BlacklistIP:
		return c.IPAddress
	case BlacklistEmailDomain:
		return c.EmailDomain()
	case BlacklistCardBIN:
		return c.Payment.CardBIN
	case BlacklistUserID:
		return c.UserID
	}
	return ""
}

// VelocityKey returns the counter key attribute for a velocity scope.
func (c *TransactionContext) VelocityKey(scope VelocityScope) string {
	switch scope {
	case ScopeIP:
		return c.IPAddress
	case ScopeUser:
		return c.UserID
	case ScopeCard:
		return c.Payment.CardBIN + c.Payment.CardLastFour
	}
	return ""
}

// EvaluateRequest is the API request payload for transaction evaluation.
type EvaluateRequest struct {
	TransactionID     string         `json:"transactionId"`
	UserID            string         `json:"userId"`
	OrderID           string         `json:"orderId"`
	Amount            float64        `json:"amount"`
	IPAddress         string         `json:"ipAddress"`
	UserAgent         string         `json:"userAgent,omitempty"`
	DeviceFingerprint string         `json:"deviceFingerprint,omitempty"`
	Email             string         `json:"email,omitempty"`
	Shipping          ShippingInfo   `json:"shipping"`
	Payment           PaymentInfo    `json:"payment"`
	Timestamp         *time.Time     `json:"timestamp,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// ToContext converts a request to an immutable TransactionContext.
func (r *EvaluateRequest) ToContext() *TransactionContext {
	ts := time.Now().UTC()
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}
	return &TransactionContext{
		TransactionID:     r.TransactionID,
		UserID:            r.UserID,
		OrderID:           r.OrderID,
		Amount:            r.Amount,
		IPAddress:         r.IPAddress,
		UserAgent:         r.UserAgent,
		DeviceFingerprint: r.DeviceFingerprint,
		Email:             r.Email,
		Shipping:          r.Shipping,
		Payment:           r.Payment,
		Timestamp:         ts,
		Metadata:          r.Metadata,
	}
}
