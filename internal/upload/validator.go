// Package upload validates spreadsheet uploads before they reach storage.
//
// Checks run in a fixed order and stop at the first failure: extension,
// declared MIME type, content signature, size, filename. No content is read
// until the extension has been accepted.
package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"

	"github.com/marianozunino/opshub/internal/apperr"
	"github.com/marianozunino/opshub/internal/utils"
)

// sniffLen matches mimetype's default read limit.
const sniffLen = 3072

// Request is a single upload awaiting validation.
type Request struct {
	Content     io.ReadSeeker
	Filename    string
	ContentType string
	Size        int64 // as declared by the client, informational only
	Category    string
}

// ValidatedFile is the outcome of a successful validation.
type ValidatedFile struct {
	OriginalName string `json:"original_name"`
	SafeName     string `json:"safe_name"`
	StoredName   string `json:"stored_name"`
	Extension    string `json:"extension"`
	Category     string `json:"category"`
	DetectedType string `json:"detected_type"`
	DeclaredType string `json:"declared_type"`
	Size         int64  `json:"size"`
	SHA256       string `json:"sha256"`
}

// Validator checks uploads against a set of categories.
type Validator struct {
	categories map[string]Category
	maxBytes   int64
	namer      *Namer
}

// NewValidator builds a validator. maxBytes is the global ceiling applied on
// top of every per-type limit; zero disables it.
func NewValidator(maxBytes int64, categories ...Category) *Validator {
	if len(categories) == 0 {
		categories = DefaultCategories()
	}
	v := &Validator{
		categories: make(map[string]Category, len(categories)),
		maxBytes:   maxBytes,
		namer:      NewNamer(time.Now),
	}
	for _, c := range categories {
		v.categories[c.Name] = c
	}
	return v
}

// WithNamer replaces the stored-name generator.
func (v *Validator) WithNamer(n *Namer) *Validator {
	v.namer = n
	return v
}

// Category looks up a category by name, accepting URL spellings.
func (v *Validator) Category(name string) (Category, bool) {
	c, ok := v.categories[NormalizeCategory(name)]
	return c, ok
}

// Categories returns the registered categories sorted by name.
func (v *Validator) Categories() []Category {
	out := make([]Category, 0, len(v.categories))
	for _, c := range v.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate runs every check and returns the validated file. The content
// reader is rewound to its start before returning.
func (v *Validator) Validate(req Request) (*ValidatedFile, error) {
	if req.Content == nil {
		return nil, apperr.Validation(apperr.CodeNoFile, "No file provided")
	}

	category, ok := v.Category(req.Category)
	if !ok {
		return nil, apperr.Validation(apperr.CodeUnknownCategory, "Unknown upload category: %s", req.Category).
			WithDetail("category", req.Category)
	}

	base := BaseName(req.Filename)
	if strings.TrimSpace(base) == "" {
		return nil, apperr.Validation(apperr.CodeEmptyFilename, "Filename cannot be empty")
	}

	ext := strings.ToLower(filepath.Ext(base))
	fileType, ok := category.Types[ext]
	if !ok {
		return nil, apperr.Validation(apperr.CodeUnsupportedFileType,
			"File type not allowed: %s. Allowed types: %s", base, strings.Join(category.Extensions(), ", ")).
			WithDetail("allowed_extensions", category.Extensions())
	}

	declared := normalizeMediaType(req.ContentType)
	if genericMediaTypes[declared] && len(fileType.MIMETypes) > 0 {
		// The client did not name a type; the extension already did.
		declared = fileType.MIMETypes[0]
	}
	if !contains(fileType.MIMETypes, declared) {
		return nil, apperr.Validation(apperr.CodeInvalidMIMEType,
			"Invalid MIME type %q for %s files", declared, ext).
			WithDetail("allowed_mime_types", fileType.MIMETypes)
	}

	detected, err := sniff(req.Content)
	if err != nil {
		return nil, err
	}
	if detected == nil {
		return nil, apperr.Validation(apperr.CodeEmptyFile, "File is empty")
	}
	if !matchesSignature(detected, fileType.Signatures) {
		return nil, apperr.Validation(apperr.CodeContentMismatch,
			"File content does not match the %s format", ext).
			WithDetail("detected_type", detected.String())
	}

	limit := v.limitFor(category, fileType)
	size, digest, err := measure(req.Content, limit)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, apperr.Validation(apperr.CodeEmptyFile, "File is empty")
	}
	if size > limit {
		return nil, apperr.Validation(apperr.CodeFileSizeExceeded,
			"File too large: %s exceeds maximum %s", base, utils.FormatFileSize(limit)).
			WithDetail("max_size", limit)
	}

	if err := CheckFilename(base); err != nil {
		return nil, err
	}

	if _, err := req.Content.Seek(0, io.SeekStart); err != nil {
		return nil, apperr.FileOperation(err, "rewind upload", base)
	}

	return &ValidatedFile{
		OriginalName: req.Filename,
		SafeName:     base,
		StoredName:   v.namer.StoredName(category.Name, base, digest),
		Extension:    ext,
		Category:     category.Name,
		DetectedType: detected.String(),
		DeclaredType: declared,
		Size:         size,
		SHA256:       hex.EncodeToString(digest),
	}, nil
}

func (v *Validator) limitFor(c Category, t FileType) int64 {
	limit := t.MaxBytes
	for _, other := range []int64{c.MaxBytes, v.maxBytes} {
		if other > 0 && (limit <= 0 || other < limit) {
			limit = other
		}
	}
	return limit
}

// sniff detects the content type from the first bytes. It returns nil for
// empty content, which carries no signature at all.
func sniff(r io.ReadSeeker) (*mimetype.MIME, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, apperr.FileOperation(err, "rewind upload", "")
	}
	header := make([]byte, sniffLen)
	n, err := io.ReadFull(r, header)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, apperr.FileOperation(err, "read upload header", "")
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, apperr.FileOperation(err, "rewind upload", "")
	}
	if n == 0 {
		return nil, nil
	}
	return mimetype.Detect(header[:n]), nil
}

// matchesSignature accepts the detected type or any of its ancestors, except
// the generic root every type descends from.
func matchesSignature(detected *mimetype.MIME, allowed []string) bool {
	for m := detected; m != nil; m = m.Parent() {
		if m.Is("application/octet-stream") {
			return false
		}
		for _, a := range allowed {
			if m.Is(a) {
				return true
			}
		}
	}
	return false
}

// measure hashes at most limit+1 bytes so oversized uploads are detected
// without reading them whole.
func measure(r io.ReadSeeker, limit int64) (int64, []byte, error) {
	h := sha256.New()
	n, err := io.Copy(h, io.LimitReader(r, limit+1))
	if err != nil {
		return 0, nil, apperr.FileOperation(err, "read upload", "")
	}
	return n, h.Sum(nil), nil
}

// genericMediaTypes are sent by clients that do not know the file's type,
// e.g. curl -F and most scripted uploaders.
var genericMediaTypes = map[string]bool{
	"":                         true,
	"application/octet-stream": true,
	"binary/octet-stream":      true,
}

func normalizeMediaType(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// BaseName strips any directory component, whichever separator the client used.
func BaseName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return name
}

var (
	reservedChars = `<>:"|?*`
	reservedNames = regexp.MustCompile(`(?i)^(CON|PRN|AUX|NUL|COM[1-9]|LPT[1-9])(\.|$)`)
)

// CheckFilename rejects names that are unsafe to store or display.
func CheckFilename(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperr.Validation(apperr.CodeEmptyFilename, "Filename cannot be empty")
	}

	invalid := func(reason string) error {
		return apperr.Validation(apperr.CodeInvalidFilename,
			"Filename contains invalid characters or patterns: %s", name).
			WithDetail("reason", reason)
	}

	switch {
	case strings.Contains(name, ".."):
		return invalid("parent directory reference")
	case strings.ContainsAny(name, reservedChars):
		return invalid("reserved character")
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		return invalid("control character")
	case strings.TrimSpace(name) != name:
		return invalid("leading or trailing whitespace")
	case strings.HasPrefix(name, "."):
		return invalid("hidden file")
	case reservedNames.MatchString(name):
		return invalid("reserved device name")
	}
	return nil
}

// String implements fmt.Stringer for log fields.
func (f *ValidatedFile) String() string {
	return fmt.Sprintf("%s (%s, %s)", f.StoredName, f.DetectedType, utils.FormatFileSize(f.Size))
}
