package csvfile

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kursadbilgin/image-batch-processor/internal/domain"
)

var imageURLPattern = regexp.MustCompile(`^(http|https)://[^ "]+$`)

// Validator applies the per-row rules of a batch file, stopping at the first
// violation.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		return field.Tag.Get("csv")
	})
	_ = v.RegisterValidation("imageurls", func(fl validator.FieldLevel) bool {
		_, err := SplitURLs(fl.Field().String())
		return err == nil
	})

	return &Validator{validate: v}
}

// Products validates rows in order and converts them to products. The
// returned error is a *domain.RowError for the first offending row.
func (v *Validator) Products(rows []Row) ([]domain.Product, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: file contains no product rows", domain.ErrValidation)
	}

	products := make([]domain.Product, 0, len(rows))
	for i := range rows {
		p, err := v.Product(i+1, rows[i])
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, nil
}

// Product validates a single row; index is the 1-based data row number.
func (v *Validator) Product(index int, row Row) (domain.Product, error) {
	if err := v.validate.Struct(row); err != nil {
		return domain.Product{}, toRowError(index, row, err)
	}

	urls, err := SplitURLs(row.InputImageURLs)
	if err != nil {
		return domain.Product{}, &domain.RowError{Row: index, Field: HeaderInputImageURLs, Reason: err.Error()}
	}

	return domain.Product{
		SerialNumber:   row.SerialNumber,
		ProductName:    row.ProductName,
		InputImageURLs: urls,
	}, nil
}

// SplitURLs splits a comma separated URL cell and checks every entry. Empty
// entries such as a trailing comma are ignored.
func SplitURLs(cell string) ([]string, error) {
	if strings.TrimSpace(cell) == "" {
		return nil, errors.New("at least one image url is required")
	}

	parts := strings.Split(cell, urlListSeparator)
	urls := make([]string, 0, len(parts))
	for _, part := range parts {
		u := strings.TrimSpace(part)
		if u == "" {
			continue
		}
		if !imageURLPattern.MatchString(u) {
			return nil, fmt.Errorf("invalid url %q", u)
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return nil, errors.New("at least one image url is required")
	}
	return urls, nil
}

func toRowError(index int, row Row, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &domain.RowError{Row: index, Field: "row", Reason: err.Error()}
	}

	first := verrs[0]
	reason := "invalid value"
	switch first.Tag() {
	case "required":
		reason = "is required"
	case "imageurls":
		if _, splitErr := SplitURLs(row.InputImageURLs); splitErr != nil {
			reason = splitErr.Error()
		}
	}
	return &domain.RowError{Row: index, Field: first.Field(), Reason: reason}
}
