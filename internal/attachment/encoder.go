// Package attachment prepares user-supplied files for upload.
package attachment

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/user/morgan/internal/transcript"
)

var (
	// ErrRead wraps any I/O failure while reading the source file.
	ErrRead = errors.New("attachment: read failed")
	// ErrUnsupportedType is returned for files whose type is not allowed.
	ErrUnsupportedType = errors.New("attachment: unsupported file type")
	// ErrTooLarge is returned when the file exceeds the configured limit.
	ErrTooLarge = errors.New("attachment: file too large")
	// ErrMalformed is returned for a payload that is not valid base64.
	ErrMalformed = errors.New("attachment: malformed base64 payload")
)

// PDF is the only type the backend's document analysis accepts.
const PDF = "application/pdf"

// File is an encoded attachment ready to be embedded in a message and
// uploaded.
type File struct {
	Name     string
	MimeType string
	Data     []byte
	Base64   string
}

// Attachment converts f to a transcript attachment carrying inline data.
func (f *File) Attachment() transcript.Attachment {
	return transcript.Attachment{
		Name:       f.Name,
		MimeType:   f.MimeType,
		InlineData: f.Base64,
	}
}

// Encoder reads and encodes files subject to a size limit and a type
// allow-list.
type Encoder struct {
	MaxSize int64
	Allowed []string
}

// NewEncoder returns an Encoder accepting PDFs up to maxSize bytes. A
// maxSize of zero disables the limit.
func NewEncoder(maxSize int64) *Encoder {
	return &Encoder{MaxSize: maxSize, Allowed: []string{PDF}}
}

// Encode returns the base64 encoding of everything read from r.
func Encode(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRead, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// StripDataURL removes a "data:<mime>;base64," prefix, if present.
func StripDataURL(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if _, payload, ok := strings.Cut(s, ","); ok {
		return payload
	}
	return s
}

// EncodeFile reads the file at path, checks its type and size, and
// encodes it.
func (e *Encoder) EncodeFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	defer f.Close()
	return e.EncodeReader(filepath.Base(path), f)
}

// EncodeReader is EncodeFile for an already open source.
func (e *Encoder) EncodeReader(name string, r io.Reader) (*File, error) {
	src := r
	if e.MaxSize > 0 {
		src = io.LimitReader(r, e.MaxSize+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	if e.MaxSize > 0 && int64(len(data)) > e.MaxSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, name, e.MaxSize)
	}

	mimeType := DetectType(name, data)
	if len(e.Allowed) > 0 && !slices.Contains(e.Allowed, mimeType) {
		return nil, fmt.Errorf("%w: %s is %s", ErrUnsupportedType, name, mimeType)
	}

	encoded, err := Encode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return &File{
		Name:     name,
		MimeType: mimeType,
		Data:     data,
		Base64:   encoded,
	}, nil
}

// DecodeBase64 accepts a file that arrived base64 encoded, with or
// without a data URL prefix, and applies the same checks as EncodeFile.
func (e *Encoder) DecodeBase64(name, payload string) (*File, error) {
	data, err := base64.StdEncoding.DecodeString(StripDataURL(strings.TrimSpace(payload)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, name, err)
	}
	return e.EncodeReader(name, bytes.NewReader(data))
}

// DetectType sniffs the content type of data, falling back to the file
// extension when sniffing is inconclusive.
func DetectType(name string, data []byte) string {
	sniffed := http.DetectContentType(data)
	if base, _, err := mime.ParseMediaType(sniffed); err == nil {
		sniffed = base
	}
	if sniffed != "application/octet-stream" && sniffed != "text/plain" {
		return sniffed
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
		if base, _, err := mime.ParseMediaType(byExt); err == nil {
			return base
		}
	}
	return sniffed
}
