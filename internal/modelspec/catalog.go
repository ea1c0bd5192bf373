package modelspec

import "strings"

// NanoBanana is the base image model: additive pricing only.
var NanoBanana = Spec{
	Key:         "nano_banana",
	Provider:    "kie",
	ModelID:     "google/nano-banana",
	DisplayName: "Nano Banana",
	Options: []Option{
		{
			Key:     "output_format",
			Label:   "Format",
			Default: "png",
			Values: []OptionValue{
				{Value: "png", Label: "PNG"},
				{Value: "jpeg", Label: "JPEG"},
			},
		},
		{
			Key:     "image_size",
			Label:   "Aspect ratio",
			Default: "1:1",
			Values: []OptionValue{
				{Value: "1:1", Label: "1:1 (square)"},
				{Value: "3:4", Label: "3:4 (portrait)"},
				{Value: "4:3", Label: "4:3 (landscape)"},
				{Value: "9:16", Label: "9:16 (portrait)"},
				{Value: "16:9", Label: "16:9 (landscape)"},
				{Value: "auto", Label: "Auto"},
			},
		},
	},
}

// NanoBananaEdit edits user-supplied photos; reference images are mandatory.
var NanoBananaEdit = Spec{
	Key:         "nano_banana_edit",
	Provider:    "kie",
	ModelID:     "google/nano-banana-edit",
	DisplayName: "Nano Banana Edit",
	Options: []Option{
		{
			Key:     "output_format",
			Label:   "Format",
			Default: "png",
			Values: []OptionValue{
				{Value: "png", Label: "PNG"},
				{Value: "jpeg", Label: "JPEG"},
			},
		},
		{
			Key:     "image_size",
			Label:   "Aspect ratio",
			Default: "1:1",
			Values: []OptionValue{
				{Value: "1:1", Label: "1:1 (square)"},
				{Value: "2:3", Label: "2:3 (portrait)"},
				{Value: "3:2", Label: "3:2 (landscape)"},
				{Value: "9:16", Label: "9:16 (portrait)"},
				{Value: "16:9", Label: "16:9 (landscape)"},
				{Value: "auto", Label: "Auto"},
			},
		},
	},
	SupportsReferenceInput: true,
	RequiresReferenceInput: true,
}

// NanoBananaPro charges resolution and reference images as a bundle: the
// provider prices those two features together, so the (refs, resolution)
// pair resolves to a flat bundle row instead of summing modifiers.
var NanoBananaPro = Spec{
	Key:         "nano_banana_pro",
	Provider:    "kie",
	ModelID:     "nano-banana-pro",
	DisplayName: "Nano Banana Pro",
	Options: []Option{
		{
			Key:     "output_format",
			Label:   "Format",
			Default: "png",
			Values: []OptionValue{
				{Value: "png", Label: "PNG"},
				{Value: "jpg", Label: "JPG"},
			},
		},
		{
			Key:     "aspect_ratio",
			Label:   "Aspect ratio",
			Default: "1:1",
			Values: []OptionValue{
				{Value: "1:1", Label: "1:1 (square)"},
				{Value: "3:4", Label: "3:4 (portrait)"},
				{Value: "4:3", Label: "4:3 (landscape)"},
				{Value: "9:16", Label: "9:16 (portrait)"},
				{Value: "16:9", Label: "16:9 (landscape)"},
			},
		},
		{
			Key:     "resolution",
			Label:   "Resolution",
			Default: "1K",
			Values: []OptionValue{
				{Value: "1K", Label: "1K", PriceKey: "resolution_1k"},
				{Value: "2K", Label: "2K", PriceKey: "resolution_2k"},
				{Value: "4K", Label: "4K", PriceKey: "resolution_4k"},
			},
		},
		{
			Key:     "reference_images",
			Label:   "References",
			Default: "none",
			Values: []OptionValue{
				{Value: "none", Label: "No references"},
				{Value: "has", Label: "With references", PriceKey: "ref_has"},
			},
		},
	},
	SupportsReferenceInput: true,
	BundleKey: func(options map[string]string) string {
		resolution := strings.ToLower(options["resolution"])
		if resolution == "" {
			resolution = "1k"
		}
		if options["reference_images"] == "has" {
			return "bundle_refs_" + resolution
		}
		return "bundle_no_refs_" + resolution
	},
}

var catalog = map[string]*Spec{
	NanoBanana.Key:     &NanoBanana,
	NanoBananaEdit.Key: &NanoBananaEdit,
	NanoBananaPro.Key:  &NanoBananaPro,
}

// Get returns the spec registered under key, or nil.
func Get(key string) *Spec {
	return catalog[key]
}

// List returns every registered spec.
func List() []*Spec {
	out := make([]*Spec, 0, len(catalog))
	for _, s := range catalog {
		out = append(out, s)
	}
	return out
}
