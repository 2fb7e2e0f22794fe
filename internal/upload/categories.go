package upload

import (
	"sort"
	"strings"
)

const MiB = 1024 * 1024

// FileType describes one accepted extension.
type FileType struct {
	Extension  string
	MIMETypes  []string // declared Content-Type allow-list
	Signatures []string // detected types accepted for the content
	MaxBytes   int64
}

// Category groups the file types accepted for one upload target.
type Category struct {
	Name     string
	MaxBytes int64 // zero means no category-specific ceiling
	Types    map[string]FileType
}

// Extensions returns the accepted extensions in sorted order.
func (c Category) Extensions() []string {
	exts := make([]string, 0, len(c.Types))
	for ext := range c.Types {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

var (
	csvType = FileType{
		Extension:  ".csv",
		MIMETypes:  []string{"text/csv", "application/csv", "text/plain", "application/vnd.ms-excel"},
		Signatures: []string{"text/csv", "text/plain"},
		MaxBytes:   50 * MiB,
	}
	xlsxType = FileType{
		Extension:  ".xlsx",
		MIMETypes:  []string{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
		Signatures: []string{"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "application/zip"},
		MaxBytes:   100 * MiB,
	}
	xlsType = FileType{
		Extension:  ".xls",
		MIMETypes:  []string{"application/vnd.ms-excel"},
		Signatures: []string{"application/vnd.ms-excel", "application/x-ole-storage"},
		MaxBytes:   100 * MiB,
	}
)

// Category names served by default.
const (
	CategorySpreadsheet    = "spreadsheet"
	CategoryAssembly       = "assembly"
	CategoryPurchaseOrders = "purchase_orders"
)

func spreadsheetCategory(name string) Category {
	return Category{
		Name: name,
		Types: map[string]FileType{
			csvType.Extension:  csvType,
			xlsxType.Extension: xlsxType,
			xlsType.Extension:  xlsType,
		},
	}
}

// DefaultCategories returns the spreadsheet categories used by the
// assembly and purchase order modules.
func DefaultCategories() []Category {
	return []Category{
		spreadsheetCategory(CategorySpreadsheet),
		spreadsheetCategory(CategoryAssembly),
		spreadsheetCategory(CategoryPurchaseOrders),
	}
}

// NormalizeCategory maps URL spellings such as "purchase-orders" to the
// registered category name.
func NormalizeCategory(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
}
