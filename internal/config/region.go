package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalidRegion is returned for a region code outside Regions.
var ErrInvalidRegion = errors.New("invalid region")

// Regions lists the region codes the InsightIDR platform serves.
var Regions = []string{"us", "us2", "us3", "eu", "ca", "au", "ap"}

// NormalizeRegion lowercases and trims a region code.
func NormalizeRegion(region string) string {
	return strings.ToLower(strings.TrimSpace(region))
}

// ValidateRegion returns ErrInvalidRegion unless region is one of Regions.
func ValidateRegion(region string) error {
	if !slices.Contains(Regions, region) {
		return fmt.Errorf("%w %q (valid: %s)", ErrInvalidRegion, region, strings.Join(Regions, ", "))
	}
	return nil
}
