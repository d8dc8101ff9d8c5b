package model

// Job state
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Dispatch mode
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Job types
const (
	JobTypeUpscale         = "upscale"
	JobTypeColorize        = "colorize"
	JobTypeTextualEdit     = "textual_edit"
	JobTypeInpaint         = "inpaint"
	JobTypeAIResize        = "ai_resize"
	JobTypeSmartRetouch    = "smart_retouch"
	JobTypeObjectRemoval   = "object_removal"
	JobTypeTrend           = "trend"
	JobTypeAIColorGrade    = "ai_color_grade"
	JobTypeAngleShift      = "angle_shift"
	JobTypeVideo           = "video"
	JobTypeVideoUpscale    = "video_upscale"
	JobTypeTrainLoRA       = "train_lora"
	JobTypeGenericRestore  = "generic_restore"
	JobTypeRemoveAndRefill = "remove_and_refill"
	JobTypeTopazEnhance    = "topaz_enhance"
	JobTypeDescribeMask    = "describe_mask"
)

// Vendor callback status values
const (
	CallbackStatusOK    = "OK"
	CallbackStatusError = "ERROR"
)
