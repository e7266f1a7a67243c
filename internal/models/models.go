package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
	"unicode"
)

// Enums
type JobStatus string

const (
	JobStatusPending              JobStatus = "pending"
	JobStatusPreparing            JobStatus = "preparing"
	JobStatusProcessingImages     JobStatus = "processing_images"
	JobStatusGeneratingBackground JobStatus = "generating_background"
	JobStatusGeneratingAvatar     JobStatus = "generating_avatar"
	JobStatusScripting            JobStatus = "scripting"
	JobStatusGeneratingVoice      JobStatus = "generating_voice"
	JobStatusRendering            JobStatus = "rendering"
	JobStatusCompleted            JobStatus = "completed"
	JobStatusFailed               JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusPreparing, JobStatusProcessingImages,
		JobStatusGeneratingBackground, JobStatusGeneratingAvatar, JobStatusScripting,
		JobStatusGeneratingVoice, JobStatusRendering, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

var stageOrder = map[JobStatus]int{
	JobStatusPending:              0,
	JobStatusPreparing:            1,
	JobStatusProcessingImages:     2,
	JobStatusGeneratingBackground: 3,
	JobStatusGeneratingAvatar:     4,
	JobStatusScripting:            5,
	JobStatusGeneratingVoice:      6,
	JobStatusRendering:            7,
	JobStatusCompleted:            8,
	JobStatusFailed:               8,
}

// Stage is the position of s in the pipeline. Both terminal statuses share
// the last position.
func (s JobStatus) Stage() int {
	return stageOrder[s]
}

// MaxJobIDLength bounds caller-chosen job ids.
const MaxJobIDLength = 128

// ValidJobID reports whether id can name a job. Ids are opaque; they only
// need to be non-empty, bounded and safe as a storage path segment.
func ValidJobID(id string) bool {
	if id == "" || len(id) > MaxJobIDLength || id == "." || id == ".." {
		return false
	}
	for _, r := range id {
		if r == '/' || r == '\\' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// Progress checkpoints reached when a stage finishes.
const (
	ProgressPreparing  = 10
	ProgressImages     = 20
	ProgressBackground = 30
	ProgressAvatar     = 40
	ProgressScript     = 55
	ProgressVoice      = 75
	ProgressRendering  = 95
	ProgressCompleted  = 100
)

// Script bounds.
const (
	MinScenes = 3
	MaxScenes = 10
)

// Models

// ProductData is everything the pipeline knows about the product being advertised.
// Cutouts is parallel to Images; an empty entry means background removal was not
// available for that image.
type ProductData struct {
	Title         string   `json:"title"`
	Price         float64  `json:"price"`
	Currency      string   `json:"currency,omitempty"` // ISO 4217, e.g. "IDR"
	Description   string   `json:"description,omitempty"`
	Images        []string `json:"images"`
	Cutouts       []string `json:"cutouts,omitempty"`
	BackgroundURL string   `json:"background_url,omitempty"`
	AvatarURL     string   `json:"avatar_url,omitempty"`
}

// CutoutFor returns the cutout URL for image i, or "" when none exists.
func (p *ProductData) CutoutFor(i int) string {
	if i < 0 || i >= len(p.Cutouts) {
		return ""
	}
	return p.Cutouts[i]
}

// Value encodes as text; lib/pq sends []byte as bytea, which jsonb rejects.
func (p ProductData) Value() (driver.Value, error) {
	return marshalText(p)
}

func (p *ProductData) Scan(value interface{}) error {
	return scanJSON(value, p)
}

// Scene is one narrated beat of the video.
type Scene struct {
	Text             string  `json:"text"`
	VisualCue        string  `json:"visual_cue,omitempty"`
	DurationEstimate float64 `json:"duration_estimate"`
	AudioURL         string  `json:"audio_url,omitempty"`
}

// Scenes is the persisted script of a job.
type Scenes []Scene

func (s Scenes) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return marshalText(s)
}

func (s *Scenes) Scan(value interface{}) error {
	return scanJSON(value, s)
}

// EstimatedDuration sums the per-scene estimates in seconds.
func (s Scenes) EstimatedDuration() float64 {
	total := 0.0
	for _, sc := range s {
		total += sc.DurationEstimate
	}
	return total
}

func marshalText(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanJSON(value interface{}, dest interface{}) error {
	if value == nil {
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

type Job struct {
	ID          string       `json:"id"`
	Status      JobStatus    `json:"status"`
	Progress    int          `json:"progress"`
	ProductRef  *string      `json:"product_ref,omitempty"`
	ProductData *ProductData `json:"product_data,omitempty"`
	ScriptData  Scenes       `json:"script_data,omitempty"`
	VideoURL    *string      `json:"video_url,omitempty"`
	Error       *string      `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// DTOs for API responses

// JobStatusResponse is the read model returned to callers polling a job.
type JobStatusResponse struct {
	JobID      string    `json:"job_id"`
	Status     JobStatus `json:"status"`
	Progress   int       `json:"progress"`
	ProductURL *string   `json:"product_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	VideoURL   *string   `json:"video_url,omitempty"`
	Error      *string   `json:"error,omitempty"`
}

// StatusResponse builds the read model, exposing videoUrl only on completion
// and error only on failure.
func (j *Job) StatusResponse() JobStatusResponse {
	resp := JobStatusResponse{
		JobID:      j.ID,
		Status:     j.Status,
		Progress:   j.Progress,
		ProductURL: j.ProductRef,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
	switch j.Status {
	case JobStatusCompleted:
		resp.VideoURL = j.VideoURL
	case JobStatusFailed:
		resp.Error = j.Error
	}
	return resp
}

type CreateJobRequest struct {
	JobID            string       `json:"job_id,omitempty"`
	ProductReference string       `json:"product_reference,omitempty"`
	Product          *ProductData `json:"product,omitempty"`
}

type CreateJobResponse struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}
