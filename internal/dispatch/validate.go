package dispatch

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/language"

	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/services"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("bcp47", func(fl validator.FieldLevel) bool {
		_, err := language.Parse(fl.Field().String())
		return err == nil
	})
	return v
}

var fieldMessages = map[string]string{
	"required":         "is required",
	"required_without": "is required when %s is empty",
	"bcp47":            "must be a BCP 47 language tag",
	"min":              "must contain at least %s entries",
	"gte":              "must be greater than or equal to %s",
	"lte":              "must be less than or equal to %s",
	"max":              "must be at most %s characters",
	"oneof":            "must be one of: %s",
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Request.")
	msg, ok := fieldMessages[fe.Tag()]
	if !ok {
		return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
	}
	if strings.Contains(msg, "%s") {
		param := fe.Param()
		if fe.Tag() == "required_without" {
			param = jsonName(param)
		}
		msg = fmt.Sprintf(msg, param)
	}
	return field + " " + msg
}

func jsonName(goField string) string {
	switch goField {
	case "VideoPath":
		return "video_path"
	case "AudioPath":
		return "audio_path"
	default:
		return goField
	}
}

// Validate checks req and returns an ErrInvalidRequest describing every
// violated rule. A request must carry either a media duration or a latency
// class so it can be routed.
func Validate(req job.Request) error {
	var problems []string
	if err := validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return services.Wrap(services.ErrInvalidRequest, "dispatch", "validate", "request could not be validated", err)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, describe(fe))
		}
	}
	if req.MediaDurationS == nil && strings.TrimSpace(req.LatencyClass) == "" {
		problems = append(problems, "media_duration_s is required when latency_class is not set")
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return services.Wrap(services.ErrInvalidRequest, "dispatch", "validate", strings.Join(problems, "; "), nil)
}
