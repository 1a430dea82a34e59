package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

// ErrFileCount is returned when a job creation form carries no file or more than one
var ErrFileCount = errors.New("invalid number of files sent to job/create route")

// ErrMultipart is returned for bodies which are not valid multipart/form-data
var ErrMultipart = errors.New("invalid multipart form")

// Form is a re-encoded multipart body ready to be sent upstream
type Form struct {
	Body        *bytes.Buffer
	ContentType string
	Fields      []string // names of text fields, in incoming order
	FileField   string
	FileName    string
	FileSize    int64
}

// RepackMultipart parses the multipart body of r and writes a new multipart body with the same
// text fields (all values, same order) and exactly one file, whose bytes are copied unmodified.
// Incoming body is limited to maxBytes, zero means no limit.
func RepackMultipart(r *http.Request, maxBytes int64) (*Form, error) {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(nil, r.Body, maxBytes)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMultipart, err)
	}

	form := &Form{Body: &bytes.Buffer{}}
	mw := multipart.NewWriter(form.Body)
	files := 0
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMultipart, err)
		}
		if err := form.copyPart(mw, part, &files); err != nil {
			return nil, err
		}
	}
	if files != 1 {
		return nil, fmt.Errorf("%w: got %d", ErrFileCount, files)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	form.ContentType = mw.FormDataContentType()
	return form, nil
}

func (f *Form) copyPart(mw *multipart.Writer, part *multipart.Part, files *int) error {
	defer part.Close()
	name := part.FormName()
	if name == "" {
		return nil // not a form-data part
	}

	if part.FileName() == "" {
		value, err := io.ReadAll(part)
		if err != nil {
			return fmt.Errorf("%w: field %q: %w", ErrMultipart, name, err)
		}
		if err := mw.WriteField(name, string(value)); err != nil {
			return fmt.Errorf("failed to write field %q: %w", name, err)
		}
		f.Fields = append(f.Fields, name)
		return nil
	}

	*files++
	if *files > 1 {
		return fmt.Errorf("%w: more than one file", ErrFileCount)
	}
	contentType := part.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="%s"; filename="%s"`, escapeQuotes(name), escapeQuotes(part.FileName())))
	h.Set("Content-Type", contentType)
	dst, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create file part %q: %w", name, err)
	}
	n, err := io.Copy(dst, part)
	if err != nil {
		return fmt.Errorf("%w: file %q: %w", ErrMultipart, name, err)
	}
	f.FileField, f.FileName, f.FileSize = name, part.FileName(), n
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// IsMultipart reports whether request content type is multipart/form-data
func IsMultipart(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "multipart/form-data")
}
