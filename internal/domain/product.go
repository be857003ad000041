package domain

import (
	"fmt"
	"strings"
	"time"
)

// Product is one ingested row and its images. Position is the 0-based row
// order within the batch file. OutputImageURLs[i] is the
// processed counterpart of InputImageURLs[i] once set.
type Product struct {
	ID              string
	BatchID         string
	Position        int
	SerialNumber    string
	ProductName     string
	InputImageURLs  []string
	OutputImageURLs []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (p *Product) Validate() error {
	if strings.TrimSpace(p.SerialNumber) == "" {
		return fmt.Errorf("%w: serial number is required", ErrValidation)
	}
	if strings.TrimSpace(p.ProductName) == "" {
		return fmt.Errorf("%w: product name is required", ErrValidation)
	}
	if len(p.InputImageURLs) == 0 {
		return fmt.Errorf("%w: at least one input image url is required", ErrValidation)
	}
	if len(p.OutputImageURLs) > 0 && len(p.OutputImageURLs) != len(p.InputImageURLs) {
		return fmt.Errorf("%w: output image urls must match input length (%d != %d)",
			ErrValidation, len(p.OutputImageURLs), len(p.InputImageURLs))
	}
	return nil
}

// HasOutputs reports whether a previous run already persisted this product's outputs.
func (p *Product) HasOutputs() bool {
	return len(p.OutputImageURLs) > 0 && len(p.OutputImageURLs) == len(p.InputImageURLs)
}
