package common

import "time"

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderContentType = "Content-Type"
	ContentTypeJSON   = "application/json"
)

// API paths
const (
	PathHealthz = "/healthz"
	PathAPI     = "/api"
	PathJobs    = "/jobs"
	PathImages  = "/images"
)

// Multipart form field carrying the uploaded images.
const FormFieldImages = "images"

// Defaults and limits
const (
	DefaultMaxFiles      = 50
	DefaultShutdownGrace = 15 * time.Second
	SQLiteBusyTimeoutMS  = 5000
	MaxDominantColors    = 10
)

// MIME types
const (
	MimeImagePNG  = "image/png"
	MimeImageJPEG = "image/jpeg"
	MimeImageJPG  = "image/jpg"
	MimeImageGIF  = "image/gif"
	MimeImageWebP = "image/webp"
	MimeImageBMP  = "image/bmp"
	MimeImageTIFF = "image/tiff"
)

// Subdirectory names
const (
	UploadsDirName = "uploads"
)

// Store backends
const (
	StoreBackendMemory = "memory"
	StoreBackendSQLite = "sqlite"
)

// Detection providers
const (
	DetectorMock   = "mock"
	DetectorVision = "vision"
)
