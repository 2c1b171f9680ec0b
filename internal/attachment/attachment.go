// Package attachment turns uploaded text-like resources into attachments that are inlined into a user
// turn. A batch is accepted or rejected as a whole.
package attachment

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/MegaGrindStone/localchat/internal/models"
	"github.com/gabriel-vasile/mimetype"
)

// MaxSizeBytes is the largest accepted attachment.
const MaxSizeBytes = 1 << 20

var (
	// ErrTooLarge is the cause of a RejectedError for resources over MaxSizeBytes.
	ErrTooLarge = errors.New("file exceeds the 1 MiB limit")
	// ErrUnsupportedType is the cause of a RejectedError for binary or non allow-listed resources.
	ErrUnsupportedType = errors.New("unsupported file type")
)

var allowedExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".markdown": {}, ".json": {}, ".csv": {}, ".tsv": {}, ".xml": {},
	".yaml": {}, ".yml": {}, ".html": {}, ".htm": {}, ".css": {}, ".js": {}, ".ts": {}, ".tsx": {},
	".jsx": {}, ".go": {}, ".py": {}, ".rb": {}, ".rs": {}, ".java": {}, ".c": {}, ".h": {},
	".cpp": {}, ".hpp": {}, ".sh": {}, ".sql": {}, ".toml": {}, ".ini": {}, ".log": {},
}

var allowedMimeTypes = map[string]struct{}{
	"application/json":       {},
	"application/xml":        {},
	"application/x-yaml":     {},
	"application/yaml":       {},
	"application/javascript": {},
}

// Upload is one resource offered for attachment.
type Upload struct {
	Name     string
	MimeType string
	Data     []byte
}

// RejectedError reports the resource that caused a batch to be rejected.
type RejectedError struct {
	Name string
	Err  error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("attachment %q rejected: %v", e.Name, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// Decode validates every upload and converts the batch into attachments. If any upload is oversized or
// not text-like, no attachment is produced and a *RejectedError naming the first offender is returned.
func Decode(uploads []Upload) ([]models.Attachment, error) {
	// Sizes are checked across the whole batch first so an oversized file is reported even when an
	// earlier file has another problem.
	for _, u := range uploads {
		if len(u.Data) > MaxSizeBytes {
			return nil, &RejectedError{Name: u.Name, Err: fmt.Errorf("%w: %d bytes", ErrTooLarge, len(u.Data))}
		}
	}

	attachments := make([]models.Attachment, 0, len(uploads))
	for _, u := range uploads {
		mimeType, err := textMimeType(u)
		if err != nil {
			return nil, &RejectedError{Name: u.Name, Err: err}
		}
		attachments = append(attachments, models.Attachment{
			Name:      filepath.Base(u.Name),
			Content:   string(u.Data),
			MimeType:  mimeType,
			SizeBytes: int64(len(u.Data)),
		})
	}
	return attachments, nil
}

// ReadFiles reads local files into uploads. Files over MaxSizeBytes are rejected from their stat size
// before being read.
func ReadFiles(paths []string) ([]Upload, error) {
	uploads := make([]Upload, 0, len(paths))
	for _, p := range paths {
		u, err := readFile(p)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}
	return uploads, nil
}

func readFile(path string) (Upload, error) {
	f, err := os.Open(path)
	if err != nil {
		return Upload{}, fmt.Errorf("failed to open attachment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Upload{}, fmt.Errorf("failed to stat attachment: %w", err)
	}
	if info.Size() > MaxSizeBytes {
		return Upload{}, &RejectedError{Name: filepath.Base(path), Err: fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())}
	}

	data, err := io.ReadAll(io.LimitReader(f, MaxSizeBytes+1))
	if err != nil {
		return Upload{}, fmt.Errorf("failed to read attachment: %w", err)
	}
	return Upload{
		Name:     filepath.Base(path),
		MimeType: mime.TypeByExtension(filepath.Ext(path)),
		Data:     data,
	}, nil
}

func textMimeType(u Upload) (string, error) {
	declared := normalizeMimeType(u.MimeType)
	_, extAllowed := allowedExtensions[strings.ToLower(filepath.Ext(u.Name))]
	if !extAllowed && !isTextMimeType(declared) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, describe(u.Name, declared))
	}

	if len(u.Data) == 0 {
		return fallbackMimeType(declared), nil
	}
	if !utf8.Valid(u.Data) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8 text", ErrUnsupportedType, u.Name)
	}
	detected := mimetype.Detect(u.Data)
	if !isTextLike(detected) {
		return "", fmt.Errorf("%w: content detected as %s", ErrUnsupportedType, detected.String())
	}

	if declared != "" && declared != "application/octet-stream" {
		return declared, nil
	}
	return normalizeMimeType(detected.String()), nil
}

func isTextLike(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func isTextMimeType(mimeType string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	_, ok := allowedMimeTypes[mimeType]
	return ok
}

func normalizeMimeType(mimeType string) string {
	if mimeType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mimeType))
	}
	return mediaType
}

func fallbackMimeType(declared string) string {
	if declared == "" || declared == "application/octet-stream" {
		return "text/plain"
	}
	return declared
}

func describe(name, mimeType string) string {
	if mimeType == "" {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, mimeType)
}
