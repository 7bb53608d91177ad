package job

import "strings"

// DefaultTenant owns requests that do not name a tenant.
const DefaultTenant = "default"

// Input references the media to subtitle.
type Input struct {
	VideoPath       string   `json:"video_path,omitempty" validate:"required_without=AudioPath"`
	AudioPath       string   `json:"audio_path,omitempty" validate:"required_without=VideoPath"`
	SourceLanguage  string   `json:"source_language" validate:"required,bcp47"`
	TargetLanguages []string `json:"target_languages" validate:"required,min=1,dive,required,bcp47"`
}

// Models selects the model used by each stage. Empty values use the stage
// processor default.
type Models struct {
	ASR     string `json:"asr,omitempty"`
	MT      string `json:"mt,omitempty"`
	Context string `json:"context,omitempty"`
	QA      string `json:"qa,omitempty"`
}

// Options carries optional processing configuration.
type Options struct {
	Streaming        bool     `json:"streaming,omitempty"`
	ChunkSize        int      `json:"chunk_size,omitempty" validate:"gte=0"`
	QualityThreshold *float64 `json:"quality_threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// Request is a caller-supplied subtitle generation request. It is immutable
// once admitted.
type Request struct {
	TenantID       string   `json:"tenant_id,omitempty" validate:"omitempty,max=128"`
	Input          Input    `json:"input"`
	MediaDurationS *float64 `json:"media_duration_s,omitempty" validate:"omitempty,gte=0"`
	LatencyClass   string   `json:"latency_class,omitempty" validate:"omitempty,oneof=realtime standard bulk"`
	Models         Models   `json:"models"`
	Config         Options  `json:"config"`
}

// Duration returns the declared media duration, or zero when absent.
func (r Request) Duration() float64 {
	if r.MediaDurationS == nil {
		return 0
	}
	return *r.MediaDurationS
}

// Tenant returns the owning tenant with the default applied.
func (r Request) Tenant() string {
	if tenant := strings.TrimSpace(r.TenantID); tenant != "" {
		return tenant
	}
	return DefaultTenant
}

// ModelFor returns the model selected for a stage name.
func (r Request) ModelFor(stage string) string {
	switch stage {
	case "asr":
		return r.Models.ASR
	case "mt":
		return r.Models.MT
	case "context":
		return r.Models.Context
	case "qa":
		return r.Models.QA
	default:
		return ""
	}
}

// Clone returns a deep copy of the request.
func (r Request) Clone() Request {
	out := r
	out.Input.TargetLanguages = append([]string(nil), r.Input.TargetLanguages...)
	if r.MediaDurationS != nil {
		d := *r.MediaDurationS
		out.MediaDurationS = &d
	}
	if r.Config.QualityThreshold != nil {
		q := *r.Config.QualityThreshold
		out.Config.QualityThreshold = &q
	}
	return out
}
