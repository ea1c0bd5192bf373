package models

// Price is one row of the price table, keyed by (model_key, option_key).
// Rows are written by pricing admins; the billing core only reads them.
// PriceCredits is what the account is charged; ProviderCredits is what the
// upstream provider charges us for the same selection, when known.
type Price struct {
	ID              int64  `json:"id"`
	ModelKey        string `json:"model_key"`
	OptionKey       string `json:"option_key"`
	PriceCredits    int64  `json:"price_credits"`
	ProviderCredits *int64 `json:"provider_credits,omitempty"`
	Active          bool   `json:"active"`
}
