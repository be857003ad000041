// Package csvfile parses and validates product batch files.
package csvfile

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kursadbilgin/image-batch-processor/internal/domain"
)

const (
	HeaderSerialNumber    = "S. No."
	HeaderSerialNumberAlt = "Serial Number"
	HeaderProductName     = "Product Name"
	HeaderInputImageURLs  = "Input Image Urls"

	utf8BOM          = "\ufeff"
	urlListSeparator = ","
)

// Row is one data row of a batch file. Cells are trimmed but not validated.
type Row struct {
	SerialNumber   string `csv:"S. No." validate:"required"`
	ProductName    string `csv:"Product Name" validate:"required"`
	InputImageURLs string `csv:"Input Image Urls" validate:"required,imageurls"`
}

type columns struct {
	serial int
	name   int
	urls   int
}

// Parse reads a batch file into ordered rows. It fails with a validation
// error when the header is incomplete, the file is malformed, or there are
// no data rows.
func Parse(data []byte) ([]Row, error) {
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte(utf8BOM))))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: file is empty", domain.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: malformed csv header: %v", domain.ErrValidation, err)
	}

	cols, err := resolveColumns(header)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: malformed csv: %v", domain.ErrValidation, err)
		}
		if isBlank(record) {
			continue
		}

		rows = append(rows, Row{
			SerialNumber:   cell(record, cols.serial),
			ProductName:    cell(record, cols.name),
			InputImageURLs: cell(record, cols.urls),
		})
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: file contains no product rows", domain.ErrValidation)
	}
	return rows, nil
}

func resolveColumns(header []string) (columns, error) {
	cols := columns{serial: -1, name: -1, urls: -1}
	for i, raw := range header {
		name := strings.TrimSpace(raw)
		switch name {
		case HeaderSerialNumber, HeaderSerialNumberAlt:
			if cols.serial < 0 {
				cols.serial = i
			}
		case HeaderProductName:
			cols.name = i
		case HeaderInputImageURLs:
			cols.urls = i
		}
	}

	switch {
	case cols.serial < 0:
		return cols, &domain.RowError{Field: HeaderSerialNumber, Reason: fmt.Sprintf("missing column (or %q)", HeaderSerialNumberAlt)}
	case cols.name < 0:
		return cols, &domain.RowError{Field: HeaderProductName, Reason: "missing column"}
	case cols.urls < 0:
		return cols, &domain.RowError{Field: HeaderInputImageURLs, Reason: "missing column"}
	}
	return cols, nil
}

func cell(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
