package model

import "time"

// StoredFile is the registry record of an accepted upload.
type StoredFile struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	StoredName   string    `json:"stored_name"`
	OriginalName string    `json:"original_name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	SHA256       string    `json:"sha256"`
	CreatedAt    time.Time `json:"created_at"`
}

// Age returns how long ago the file was stored.
func (f *StoredFile) Age(now time.Time) time.Duration {
	return now.Sub(f.CreatedAt)
}

// StoredFileView is the JSON shape returned to API clients.
type StoredFileView struct {
	StoredFile
	SizeHuman string `json:"size_human"`
}
