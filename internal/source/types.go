// Package source defines the boundary types shared by every transaction
// source: the raw record shapes the normalizer consumes, the page envelope
// returned by the paginated feed, and the error taxonomy callers use to
// decide between retrying and surfacing.
package source

import "time"

// MaxPageSize is the feed's documented per-request record cap. Requests
// asking for more are clamped before they leave the client.
const MaxPageSize = 500

// RawRecord is one transaction as reported by a source, before
// normalization. Amount keeps the source's own sign convention; the
// normalizer owns converting it to the canonical one.
type RawRecord struct {
	ExternalID        string  `json:"transaction_id"`
	AccountExternalID string  `json:"account_id"`
	Amount            float64 `json:"amount"`
	Date              string  `json:"date"` // YYYY-MM-DD
	Name              string  `json:"name"`
	MerchantName      string  `json:"merchant_name"`
	Category          string  `json:"category"`
	Network           string  `json:"network"` // "", "venmo", "zelle"
	Pending           bool    `json:"pending"`
}

// RawAccount is one account as reported by the feed's accounts listing.
type RawAccount struct {
	ExternalID   string `json:"account_id"`
	Name         string `json:"name"`
	OfficialName string `json:"official_name"`
	Type         string `json:"type"`
	Mask         string `json:"mask"`
	Institution  string `json:"institution"`
}

// PageRequest asks the feed for one page of records.
type PageRequest struct {
	Credential        string
	AccountExternalID string
	Start             time.Time
	End               time.Time
	PageSize          int
	// Token is the continuation token from the previous page, empty for the
	// first page of a window.
	Token string
}

// Page is one batch of raw records plus pagination state.
type Page struct {
	Records   []RawRecord
	NextToken string
	HasMore   bool
}

// UploadBatch is a manually uploaded tabular batch, treated as a single
// page with no continuation.
type UploadBatch struct {
	AccountID string
	Records   []RawRecord
}
