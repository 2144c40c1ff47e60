package jobs

import (
	"context"
	"errors"
	"time"
)

// Status is the aggregate state of a batch job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
)

// ImageStatus is the lifecycle state of a single image within a job.
type ImageStatus string

const (
	ImageUploaded   ImageStatus = "uploaded"
	ImageProcessing ImageStatus = "processing"
	ImageDone       ImageStatus = "done"
	ImageError      ImageStatus = "error"
)

// Terminal reports whether the image has settled.
func (s ImageStatus) Terminal() bool {
	return s == ImageDone || s == ImageError
}

func (s ImageStatus) rank() int {
	switch s {
	case ImageUploaded:
		return 0
	case ImageProcessing:
		return 1
	case ImageDone, ImageError:
		return 2
	default:
		return -1
	}
}

var (
	ErrNotFound     = errors.New("job not found")
	ErrEmptyBatch   = errors.New("batch contains no images")
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	errNilJob       = errors.New("job is nil")
	errMissingJobID = errors.New("job.ID is required")
)

// Job describes one uploaded batch and its aggregate processing state.
type Job struct {
	ID        string    `json:"jobId"`
	Status    Status    `json:"status"`
	Images    []Image   `json:"images"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Image is the per-file processing record within a job.
type Image struct {
	ID           string      `json:"imageId"`
	StorageRef   string      `json:"filename"` // locator in blob storage
	OriginalName string      `json:"originalName"`
	Status       ImageStatus `json:"status"`
	Metadata     *ImageMeta  `json:"metadata,omitempty"`
	Labels       *Labels     `json:"labels,omitempty"`
}

// ImageMeta holds byte size and pixel dimensions.
type ImageMeta struct {
	Size   int64 `json:"size"`
	Width  int   `json:"width"`
	Height int   `json:"height"`
}

// Labels is the structured analysis result for one image.
type Labels struct {
	Objects        []LabelScore    `json:"objects"`
	Scenes         []LabelScore    `json:"scenes"`
	Labels         []LabelScore    `json:"labels"`
	DominantColors []DominantColor `json:"dominantColors,omitempty"`
	SafeSearch     *SafeSearch     `json:"safeSearch,omitempty"`
}

// LabelScore is a label with its confidence as a percentage (one decimal place).
type LabelScore struct {
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

// RGB is a color with channel values in [0,255].
type RGB struct {
	Red   float64 `json:"red"`
	Green float64 `json:"green"`
	Blue  float64 `json:"blue"`
}

// DominantColor is one of the provider's dominant colors.
type DominantColor struct {
	Color         RGB     `json:"color"`
	Score         float64 `json:"score"`
	PixelFraction float64 `json:"pixelFraction"`
}

// SafeSearch holds human-readable content-safety likelihoods.
type SafeSearch struct {
	Adult    string `json:"adult"`
	Spoof    string `json:"spoof"`
	Medical  string `json:"medical"`
	Violence string `json:"violence"`
	Racy     string `json:"racy"`
}

// Clone returns a deep copy so callers never share mutable state with the store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Images = make([]Image, len(j.Images))
	for i, img := range j.Images {
		c.Images[i] = img.clone()
	}
	return &c
}

func (img Image) clone() Image {
	c := img
	if img.Metadata != nil {
		m := *img.Metadata
		c.Metadata = &m
	}
	if img.Labels != nil {
		l := *img.Labels
		l.Objects = append([]LabelScore{}, img.Labels.Objects...)
		l.Scenes = append([]LabelScore{}, img.Labels.Scenes...)
		l.Labels = append([]LabelScore{}, img.Labels.Labels...)
		if img.Labels.DominantColors != nil {
			l.DominantColors = append([]DominantColor{}, img.Labels.DominantColors...)
		}
		if img.Labels.SafeSearch != nil {
			s := *img.Labels.SafeSearch
			l.SafeSearch = &s
		}
		c.Labels = &l
	}
	return c
}

// Upload is one file of an incoming batch after it has been written to blob storage.
type Upload struct {
	OriginalName string
	StorageRef   string
}

// ImageProcessor turns one stored image into a settled Image record.
// Implementations must always return a record with a terminal status.
type ImageProcessor interface {
	Process(ctx context.Context, imageID, storageRef string) Image
}

// Store defines persistence for Jobs.
type Store interface {
	// Put inserts or overwrites the job at job.ID.
	Put(ctx context.Context, job *Job) error
	// Get returns a copy of the job or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// List returns copies of every stored job in unspecified order.
	List(ctx context.Context) ([]*Job, error)
	// Update applies fn to the stored job under a per-job lock and persists the result.
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
	Close() error
}
