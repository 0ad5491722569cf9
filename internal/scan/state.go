package scan

import "github.com/franckalain/mealscan/internal/models"

// Phase is the reconciler state of the current scan.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseAwaitingInputs Phase = "awaiting_inputs"
	PhaseReady          Phase = "ready"
	PhaseDispatched     Phase = "dispatched"
	PhaseSucceeded      Phase = "succeeded"
	PhaseFailed         Phase = "failed"
)

// Terminal reports whether no further transitions happen for the scan.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// FailureKind tells apart why a scan failed. Each kind gets its own message.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureUpload        FailureKind = "upload"
	FailureService       FailureKind = "service"
	FailureNotRecognized FailureKind = "not_recognized"
)

// Message is the user-facing text for the failure.
func (k FailureKind) Message() string {
	switch k {
	case FailureUpload:
		return "Upload failed, please try again."
	case FailureService:
		return "Service error, please retry."
	case FailureNotRecognized:
		return "Image not recognized, try a clearer photo."
	default:
		return ""
	}
}

// State is a snapshot of the scanner. Observers render it; it is never
// shared with the scanner after being handed out.
type State struct {
	ScanID       string              `json:"scan_id,omitempty"`
	Generation   uint64              `json:"generation"`
	Phase        Phase               `json:"phase"`
	Demo         bool                `json:"demo,omitempty"`
	PickerOpen   bool                `json:"picker_open"`
	PendingImage string              `json:"pending_image,omitempty"`
	AnalysisID   string              `json:"analysis_id,omitempty"`
	Meal         models.MealCategory `json:"meal,omitempty"`
	UploadDone   bool                `json:"upload_done"`
	UploadFailed bool                `json:"upload_failed"`
	Processing   bool                `json:"processing"`

	Result  *models.NutritionAnalysisResult `json:"result,omitempty"`
	Failure FailureKind                     `json:"failure,omitempty"`
	Message string                          `json:"message,omitempty"`
}
