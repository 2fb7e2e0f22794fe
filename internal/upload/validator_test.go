package upload

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marianozunino/opshub/internal/apperr"
)

const (
	csvMIME  = "text/csv"
	xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	xlsMIME  = "application/vnd.ms-excel"
)

var csvContent = []byte("sku,description,qty\nA-100,Widget,3\nB-200,Gadget,5\nC-300,Doohickey,7\n")

// unreadable fails the test if the validator touches its content.
type unreadable struct{ t *testing.T }

func (u unreadable) Read([]byte) (int, error) {
	u.t.Fatal("content read before extension check")
	return 0, errors.New("unreachable")
}

func (u unreadable) Seek(int64, int) (int64, error) {
	u.t.Fatal("content seeked before extension check")
	return 0, errors.New("unreachable")
}

func xlsxContent(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"[Content_Types].xml", "_rels/.rels", "xl/workbook.xml", "xl/worksheets/sheet1.xml"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><root/>`))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func xlsContent() []byte {
	content := make([]byte, 1024)
	copy(content, []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1})
	return content
}

func pngContent() []byte {
	content := make([]byte, 256)
	copy(content, []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	return content
}

func request(content []byte, filename, contentType, category string) Request {
	return Request{
		Content:     bytes.NewReader(content),
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(content)),
		Category:    category,
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok, "expected application error, got %v", err)
	assert.Equal(t, apperr.KindValidation, appErr.Kind)
	assert.Equal(t, code, appErr.Code)
}

func TestValidateAcceptsSpreadsheets(t *testing.T) {
	v := NewValidator(100 * MiB)

	tests := []struct {
		name        string
		content     []byte
		filename    string
		contentType string
	}{
		{"csv", csvContent, "inventory.csv", csvMIME},
		{"csv with charset", csvContent, "inventory.csv", "text/csv; charset=utf-8"},
		{"csv as excel mime", csvContent, "inventory.csv", xlsMIME},
		{"xlsx", xlsxContent(t), "orders.XLSX", xlsxMIME},
		{"xls", xlsContent(), "legacy.xls", xlsMIME},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(tt.content, tt.filename, tt.contentType, CategoryAssembly)
			vf, err := v.Validate(req)
			require.NoError(t, err)

			assert.Equal(t, CategoryAssembly, vf.Category)
			assert.Equal(t, int64(len(tt.content)), vf.Size)
			assert.Len(t, vf.SHA256, 64)
			assert.True(t, strings.HasPrefix(vf.StoredName, "assembly_"))

			pos, err := req.Content.Seek(0, io.SeekCurrent)
			require.NoError(t, err)
			assert.Zero(t, pos, "content must be rewound")
		})
	}
}

func TestValidateRejectsExtensionBeforeReadingContent(t *testing.T) {
	v := NewValidator(0)
	_, err := v.Validate(Request{
		Content:     unreadable{t},
		Filename:    "payload.exe",
		ContentType: "application/octet-stream",
		Category:    CategorySpreadsheet,
	})
	requireCode(t, err, apperr.CodeUnsupportedFileType)
}

func TestValidateRejectsDeclaredMIMEType(t *testing.T) {
	v := NewValidator(0)
	_, err := v.Validate(request(csvContent, "inventory.csv", "application/pdf", CategorySpreadsheet))
	requireCode(t, err, apperr.CodeInvalidMIMEType)

	_, err = v.Validate(request(csvContent, "inventory.csv", "image/png", CategorySpreadsheet))
	requireCode(t, err, apperr.CodeInvalidMIMEType)
}

func TestValidateFallsBackToExtensionForGenericMIMEType(t *testing.T) {
	v := NewValidator(0)
	for _, ct := range []string{"", "application/octet-stream", "Application/Octet-Stream; charset=binary", "binary/octet-stream"} {
		vf, err := v.Validate(request(csvContent, "inventory.csv", ct, CategorySpreadsheet))
		require.NoError(t, err, ct)
		assert.Equal(t, "text/csv", vf.DeclaredType, ct)
	}

	_, err := v.Validate(request(xlsxContent(t), "report.xlsx", "application/octet-stream", CategorySpreadsheet))
	require.NoError(t, err)

	// The extension decides the type, the content must still match it.
	_, err = v.Validate(request(pngContent(), "image.csv", "application/octet-stream", CategorySpreadsheet))
	requireCode(t, err, apperr.CodeContentMismatch)
}

func TestValidateRejectsSignatureMismatch(t *testing.T) {
	v := NewValidator(0)

	tests := []struct {
		name        string
		content     []byte
		filename    string
		contentType string
	}{
		{"png renamed to csv", pngContent(), "image.csv", csvMIME},
		{"text renamed to xlsx", csvContent, "report.xlsx", xlsxMIME},
		{"zip renamed to csv", xlsxContent(t), "archive.csv", csvMIME},
		{"text renamed to xls", csvContent, "legacy.xls", xlsMIME},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(request(tt.content, tt.filename, tt.contentType, CategorySpreadsheet))
			requireCode(t, err, apperr.CodeContentMismatch)
		})
	}
}

func TestValidateSize(t *testing.T) {
	v := NewValidator(0)
	_, err := v.Validate(request(nil, "empty.csv", csvMIME, CategorySpreadsheet))
	requireCode(t, err, apperr.CodeEmptyFile)

	small := NewValidator(int64(len(csvContent) - 1))
	_, err = small.Validate(request(csvContent, "inventory.csv", csvMIME, CategorySpreadsheet))
	requireCode(t, err, apperr.CodeFileSizeExceeded)

	exact := NewValidator(int64(len(csvContent)))
	_, err = exact.Validate(request(csvContent, "inventory.csv", csvMIME, CategorySpreadsheet))
	assert.NoError(t, err)
}

func TestValidateCategoryCeiling(t *testing.T) {
	c := spreadsheetCategory("tiny")
	c.MaxBytes = 16
	v := NewValidator(100*MiB, c)

	_, err := v.Validate(request(csvContent, "inventory.csv", csvMIME, "tiny"))
	requireCode(t, err, apperr.CodeFileSizeExceeded)
}

func TestValidateUnknownCategoryAndMissingFile(t *testing.T) {
	v := NewValidator(0)
	_, err := v.Validate(request(csvContent, "inventory.csv", csvMIME, "payroll"))
	requireCode(t, err, apperr.CodeUnknownCategory)

	_, err = v.Validate(Request{Filename: "inventory.csv", Category: CategorySpreadsheet})
	requireCode(t, err, apperr.CodeNoFile)

	_, err = v.Validate(Request{Content: unreadable{t}, Filename: "uploads/", Category: CategorySpreadsheet})
	requireCode(t, err, apperr.CodeEmptyFilename)
}

func TestValidateAcceptsURLCategorySpelling(t *testing.T) {
	v := NewValidator(0)
	vf, err := v.Validate(request(csvContent, "po.csv", csvMIME, "purchase-orders"))
	require.NoError(t, err)
	assert.Equal(t, CategoryPurchaseOrders, vf.Category)
}

func TestValidateStripsDirectoryComponents(t *testing.T) {
	v := NewValidator(0)

	for _, name := range []string{
		"../../etc/inventory.csv",
		"/var/lib/inventory.csv",
		`..\..\windows\inventory.csv`,
		`C:\Users\ops\inventory.csv`,
	} {
		vf, err := v.Validate(request(csvContent, name, csvMIME, CategorySpreadsheet))
		require.NoError(t, err, name)
		assert.Equal(t, "inventory.csv", vf.SafeName)
		assert.NotContains(t, vf.StoredName, "/")
		assert.NotContains(t, vf.StoredName, `\`)
		assert.NotContains(t, vf.StoredName, "..")
	}
}

func TestCheckFilename(t *testing.T) {
	valid := []string{"inventory.csv", "Q3 orders.xlsx", "po-2024_v2.xls", "CONSOLE.csv"}
	for _, name := range valid {
		assert.NoError(t, CheckFilename(name), name)
	}

	requireCode(t, CheckFilename("   "), apperr.CodeEmptyFilename)

	invalid := []string{
		"a..b.csv",
		"report<1>.csv",
		`say"hi".csv`,
		"what?.csv",
		"pipe|name.csv",
		"tab\tname.csv",
		" leading.csv",
		"trailing.csv ",
		".hidden.csv",
		"CON.csv",
		"lpt1.xlsx",
		"nul",
	}
	for _, name := range invalid {
		requireCode(t, CheckFilename(name), apperr.CodeInvalidFilename)
	}
}

func TestStoredNamesDifferForIdenticalUploadsInSameSecond(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)
	v := NewValidator(0).WithNamer(NewNamer(func() time.Time { return fixed }))

	a, err := v.Validate(request(csvContent, "inventory.csv", csvMIME, CategorySpreadsheet))
	require.NoError(t, err)
	b, err := v.Validate(request(csvContent, "inventory.csv", csvMIME, CategorySpreadsheet))
	require.NoError(t, err)

	assert.Equal(t, a.SHA256, b.SHA256)
	assert.NotEqual(t, a.StoredName, b.StoredName)
	assert.True(t, strings.HasPrefix(a.StoredName, "spreadsheet_20240501T123045_"))
	assert.True(t, strings.HasSuffix(a.StoredName, "_inventory.csv"))
}

func TestCategoriesSorted(t *testing.T) {
	names := []string{}
	for _, c := range NewValidator(0).Categories() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{CategoryAssembly, CategoryPurchaseOrders, CategorySpreadsheet}, names)
}
