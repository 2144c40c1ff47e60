package storage

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/imagelabeler/internal/common"
	"github.com/jo-hoe/imagelabeler/internal/util"
)

var (
	ErrUnsupportedType = errors.New("unsupported content type")
	ErrTooLarge        = errors.New("file exceeds upload limit")
	ErrInvalidRef      = errors.New("invalid storage reference")
)

// Uploader stores uploaded images on disk and reads them back by storage reference.
type Uploader struct {
	baseDir string
}

var allowedImageMimes = map[string]string{
	common.MimeImagePNG:  ".png",
	common.MimeImageJPEG: ".jpg",
	common.MimeImageJPG:  ".jpg",
	common.MimeImageGIF:  ".gif",
	common.MimeImageWebP: ".webp",
	common.MimeImageBMP:  ".bmp",
	common.MimeImageTIFF: ".tiff",
}

// extension fallback for platforms whose mime tables lack newer image types
var extMimes = map[string]string{
	".png":  common.MimeImagePNG,
	".jpg":  common.MimeImageJPEG,
	".jpeg": common.MimeImageJPEG,
	".gif":  common.MimeImageGIF,
	".webp": common.MimeImageWebP,
	".bmp":  common.MimeImageBMP,
	".tif":  common.MimeImageTIFF,
	".tiff": common.MimeImageTIFF,
}

// NewUploader creates an uploader that stores to baseDir/uploads.
func NewUploader(baseDir string) *Uploader {
	return &Uploader{baseDir: filepath.Join(baseDir, common.UploadsDirName)}
}

// Dir returns the directory holding stored uploads.
func (u *Uploader) Dir() string {
	return u.baseDir
}

// SaveMultipartImage validates and stores an uploaded image and returns its storage
// reference (a generated "<uuid><ext>" filename) and detected mime type.
func (u *Uploader) SaveMultipartImage(fileHeader *multipart.FileHeader, maxBytes int64) (string, string, error) {
	if fileHeader == nil {
		return "", "", fmt.Errorf("no file provided")
	}
	if maxBytes > 0 && fileHeader.Size > maxBytes {
		return "", "", fmt.Errorf("%w: %s", ErrTooLarge, fileHeader.Filename)
	}
	mimeType := detectMime(fileHeader)
	if !isAllowedImageMime(mimeType) {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return "", "", fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	ref, err := u.Save(src, pickExtension(mimeType, fileHeader.Filename), maxBytes)
	if err != nil {
		return "", "", err
	}
	return ref, mimeType, nil
}

// Save writes r to a new file with the given extension and returns its storage reference.
// More than maxBytes (when > 0) is rejected and nothing is kept.
func (u *Uploader) Save(r io.Reader, ext string, maxBytes int64) (string, error) {
	if err := os.MkdirAll(u.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure uploads dir: %w", err)
	}

	ref := util.NewID() + ext
	dstPath := filepath.Join(u.baseDir, ref)
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(dst, src)
	closeErr := dst.Close()
	switch {
	case err != nil:
		_ = os.Remove(dstPath)
		return "", fmt.Errorf("copy upload: %w", err)
	case closeErr != nil:
		_ = os.Remove(dstPath)
		return "", fmt.Errorf("close upload: %w", closeErr)
	case maxBytes > 0 && n > maxBytes:
		_ = os.Remove(dstPath)
		return "", ErrTooLarge
	}
	return ref, nil
}

// Path resolves a storage reference to its file path, rejecting anything that would
// escape the uploads directory.
func (u *Uploader) Path(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return filepath.Join(u.baseDir, ref), nil
}

// Read returns the raw bytes stored under ref.
func (u *Uploader) Read(ref string) ([]byte, error) {
	p, err := u.Path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p) // #nosec G304 - ref is validated to stay inside the uploads dir
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return data, nil
}

// Remove deletes the file stored under ref.
func (u *Uploader) Remove(ref string) error {
	p, err := u.Path(ref)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

func detectMime(fileHeader *multipart.FileHeader) string {
	mimeType := strings.ToLower(strings.TrimSpace(fileHeader.Header.Get(common.HeaderContentType)))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	// Some clients set application/octet-stream for uploads; treat it as unknown and fall back to extension.
	if mimeType != "" && mimeType != "application/octet-stream" {
		return mimeType
	}
	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if mt, ok := extMimes[ext]; ok {
		return mt
	}
	return mime.TypeByExtension(ext)
}

func isAllowedImageMime(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	_, ok := allowedImageMimes[mt]
	return ok
}

func pickExtension(mimeType, original string) string {
	ext := strings.ToLower(filepath.Ext(original))
	if _, ok := extMimes[ext]; ok {
		return ext
	}
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if ext, ok := allowedImageMimes[mt]; ok {
		return ext
	}
	return ".bin"
}
