package services

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"gpu-price-tracker/models"
	"gpu-price-tracker/utils"
)

var (
	// vendorRegexp strips a leading vendor name from GPU models
	vendorRegexp = regexp.MustCompile(`(?i)^(nvidia|amd|intel)\s+`)
	// memorySuffixRegexp drops trailing memory sizes such as "80GB" or "-40G"
	memorySuffixRegexp = regexp.MustCompile(`(?i)[\s-]+\d+\s*gb?$`)
)

// knownProviders maps catalog spellings to the short provider ids we store.
var knownProviders = map[string]string{
	"aws":         "aws",
	"amazon":      "aws",
	"gcp":         "gcp",
	"google":      "gcp",
	"azure":       "azure",
	"lambda":      "lambda",
	"lambdalabs":  "lambda",
	"runpod":      "runpod",
	"tensordock":  "tensordock",
	"vastai":      "vastai",
	"vast.ai":     "vastai",
	"datacrunch":  "datacrunch",
	"cudo":        "cudo",
	"cudocompute": "cudo",
	"nebius":      "nebius",
}

// Cleaner transforms RawOffers into normalized PriceRecords.
type Cleaner struct {
	logger *utils.Logger
}

// NewCleaner creates a Cleaner with the given logger.
func NewCleaner(logger *utils.Logger) *Cleaner {
	return &Cleaner{logger: logger}
}

// Clean converts raw offers into records ready for the price store. Offers
// the store would reject (no provider, negative or non-finite price) are
// dropped here with a warning; the store itself never skips records.
func (c *Cleaner) Clean(raw []*models.RawOffer) []models.PriceRecord {
	result := make([]models.PriceRecord, 0, len(raw))

	for _, r := range raw {
		if r == nil {
			continue
		}
		provider := normaliseProvider(r.Provider)
		if provider == "" {
			c.logger.Warn("[cleaner] Dropping offer without provider: %s", r.InstanceName)
			continue
		}
		if r.Price < 0 || math.IsNaN(r.Price) || math.IsInf(r.Price, 0) {
			c.logger.Warn("[cleaner] Dropping %s/%s with invalid price %v", provider, r.InstanceName, r.Price)
			continue
		}

		gpuCount := r.GPUCount
		if gpuCount <= 0 {
			gpuCount = 1
		}
		instances := 1
		if r.Available != nil {
			instances = *r.Available
			if instances < 0 {
				instances = 0
			}
		}

		result = append(result, models.PriceRecord{
			Provider:      provider,
			InstanceType:  normaliseText(r.InstanceName),
			GPUType:       normaliseGPU(r.GPUName),
			GPUCount:      gpuCount,
			GPUMemoryGB:   wholeNumber(r.GPUMemory),
			CPUCount:      wholeNumber(r.CPU),
			RAMGB:         math.Max(r.Memory, 0),
			Region:        normaliseText(r.Location),
			PricePerHour:  r.Price,
			InstanceCount: instances,
			Spot:          r.Spot,
		})
	}

	c.logger.Info("[cleaner] Cleaned %d → %d offers (dropped %d)",
		len(raw), len(result), len(raw)-len(result))
	return result
}

// normaliseGPU turns catalog GPU names into a stable model id.
// Examples:
//
//	"NVIDIA H100 80GB" → "H100"
//	"a100-40g"         → "A100"
//	""                 → "Unknown"
func normaliseGPU(raw string) string {
	name := normaliseText(raw)
	if name == "" || strings.EqualFold(name, "unknown") {
		return models.UnknownGPU
	}
	name = vendorRegexp.ReplaceAllString(name, "")
	if trimmed := memorySuffixRegexp.ReplaceAllString(name, ""); trimmed != "" {
		name = trimmed
	}
	name = strings.ToUpper(strings.ReplaceAll(name, " ", ""))
	if name == "" {
		return models.UnknownGPU
	}
	return name
}

func wholeNumber(v *float64) *int {
	if v == nil || *v < 0 || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	n := int(math.Round(*v))
	return &n
}

// normaliseText strips leading/trailing whitespace and collapses internal whitespace.
func normaliseText(s string) string {
	s = strings.TrimSpace(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	return strings.Join(fields, " ")
}

func normaliseProvider(s string) string {
	p := strings.ToLower(strings.TrimSpace(s))
	if mapped, ok := knownProviders[p]; ok {
		return mapped
	}
	return p
}
