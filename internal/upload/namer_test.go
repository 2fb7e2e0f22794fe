package upload

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var storedNamePattern = regexp.MustCompile(`^([a-z_]+)_(\d{8}T\d{6})_([0-9a-f]{8})_(.+)$`)

func TestStoredNameFormat(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("EST", -5*3600))
	n := NewNamer(func() time.Time { return at })

	name := n.StoredName("assembly", "Bill Of Materials.XLSX", []byte("digest"))
	m := storedNamePattern.FindStringSubmatch(name)
	if assert.NotNil(t, m, name) {
		assert.Equal(t, "assembly", m[1])
		assert.Equal(t, "20240102T080405", m[2], "timestamp must be UTC")
		assert.Equal(t, "Bill_Of_Materials.xlsx", m[4])
	}
}

func TestStoredNameUsesNonce(t *testing.T) {
	n := NewNamer(nil)
	nonces := []string{"a", "b"}
	n.nonce = func() string {
		v := nonces[0]
		nonces = nonces[1:]
		return v
	}
	first := n.StoredName("spreadsheet", "x.csv", []byte("same"))
	second := n.StoredName("spreadsheet", "x.csv", []byte("same"))
	assert.NotEqual(t, first[len("spreadsheet_20240102T080405_"):][:8], second[len("spreadsheet_20240102T080405_"):][:8])
}

func TestSanitizeStem(t *testing.T) {
	assert.Equal(t, "Q3_report", sanitizeStem("Q3 report"))
	assert.Equal(t, "file", sanitizeStem("Ωμέγα"))
	assert.Equal(t, "a-b_c.d", sanitizeStem("a-b_c.d"))
}
