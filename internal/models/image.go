package models

import "time"

// ImageSource identifies where a captured image came from.
type ImageSource string

const (
	SourceCamera ImageSource = "camera"
	SourceFile   ImageSource = "file"
)

// CapturedImage is the still image produced for one scan attempt.
// URL is a local object URL owned by the scan; it is revoked when the
// scan is reset.
type CapturedImage struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	ContentType string      `json:"content_type"`
	Data        []byte      `json:"-"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	Source      ImageSource `json:"source"`
	Mirrored    bool        `json:"mirrored"`
	CreatedAt   time.Time   `json:"created_at"`
}

// UploadResult is what the upload endpoint hands back for an image.
// AnalysisID is empty when the backend did not return one.
type UploadResult struct {
	RemoteImageURL string `json:"image_url"`
	AnalysisID     string `json:"food_analysis_id,omitempty"`
}
