// Package modelspec is the in-code catalog of generation models: the options
// each model exposes, how options map to price-table keys, and how a prompt
// plus validated options become a provider input payload.
package modelspec

// OptionValue is one selectable value of an option. PriceKey names the
// price-table row carrying this value's additive cost; a free value has an
// empty PriceKey.
type OptionValue struct {
	Value    string
	Label    string
	PriceKey string
}

// Option is one configurable knob of a model.
type Option struct {
	Key     string
	Label   string
	Values  []OptionValue
	Default string
}

// Spec describes one generation model.
//
// BundleKey, when set, maps an option selection to a flat-price row that
// overrides additive per-option pricing. Providers charge some feature
// combinations non-additively (e.g. high resolution together with reference
// images), so those combinations resolve to a single bundle row instead.
type Spec struct {
	Key                    string
	Provider               string
	ModelID                string
	DisplayName            string
	Options                []Option
	SupportsReferenceInput bool
	RequiresReferenceInput bool
	BundleKey              func(options map[string]string) string
}

// Option returns the option with the given key, or nil.
func (s *Spec) Option(key string) *Option {
	for i := range s.Options {
		if s.Options[i].Key == key {
			return &s.Options[i]
		}
	}
	return nil
}

// ValidateOptions returns a copy of options with every unknown or
// out-of-range value replaced by the option's default, and every missing
// option filled in.
func (s *Spec) ValidateOptions(options map[string]string) map[string]string {
	validated := make(map[string]string, len(s.Options))
	for _, opt := range s.Options {
		value, ok := options[opt.Key]
		if !ok {
			value = opt.Default
		}
		allowed := false
		for _, v := range opt.Values {
			if v.Value == value {
				allowed = true
				break
			}
		}
		if !allowed {
			value = opt.Default
		}
		validated[opt.Key] = value
	}
	return validated
}

// PriceKeyFor returns the price key of the selected value for the given
// option, or "" when the selection carries no cost.
func (s *Spec) PriceKeyFor(optKey, value string) string {
	opt := s.Option(optKey)
	if opt == nil {
		return ""
	}
	for _, v := range opt.Values {
		if v.Value == value {
			return v.PriceKey
		}
	}
	return ""
}

// BuildInput assembles the provider payload for one sub-task.
// reference_images is a pricing toggle, not a provider field, so it is
// never forwarded; actual reference URLs go in image_input.
func (s *Spec) BuildInput(prompt string, options map[string]string, referenceURLs []string) map[string]any {
	payload := map[string]any{"prompt": prompt}
	for _, opt := range s.Options {
		if opt.Key == "reference_images" {
			continue
		}
		value, ok := options[opt.Key]
		if !ok {
			value = opt.Default
		}
		payload[opt.Key] = value
	}
	if s.SupportsReferenceInput && len(referenceURLs) > 0 {
		payload["image_input"] = referenceURLs
	}
	return payload
}
