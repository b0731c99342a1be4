package validator

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/stemsi/exstem-assessment/internal/model"
)

const (
	tagCorrectOption  = "correct_option"
	tagUniqueQuestion = "unique_question"
)

// trans is the singleton English translator for validation errors.
var (
	trans ut.Translator
	once  sync.Once
)

// Setup registers the validator with English translations and the test
// content rules on Gin's binding engine. Safe to call more than once.
func Setup() {
	once.Do(func() {
		v, ok := binding.Validator.Engine().(*govalidator.Validate)
		if !ok {
			return
		}

		// Use JSON tag name for field names in error messages.
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		enLocale := en.New()
		uni := ut.New(enLocale, enLocale)
		trans, _ = uni.GetTranslator("en")
		_ = en_translations.RegisterDefaultTranslations(v, trans)

		v.RegisterStructValidation(validateSlot, model.SlotInputRequest{})
		v.RegisterStructValidation(validateDefinition, model.CreateSessionRequest{})

		registerMessage(v, tagCorrectOption, "{0} must point at one of the options")
		registerMessage(v, tagUniqueQuestion, "{0} must not repeat a question_id")
	})
}

func registerMessage(v *govalidator.Validate, tag, text string) {
	_ = v.RegisterTranslation(tag, trans,
		func(ut ut.Translator) error { return ut.Add(tag, text, true) },
		func(ut ut.Translator, fe govalidator.FieldError) string {
			msg, _ := ut.T(tag, fe.Field())
			return msg
		},
	)
}

// validateSlot requires the answer key to index into the slot's options.
func validateSlot(sl govalidator.StructLevel) {
	s := sl.Current().Interface().(model.SlotInputRequest)
	if s.CorrectOptionIndex >= len(s.Options) {
		sl.ReportError(s.CorrectOptionIndex, "correct_option_index", "CorrectOptionIndex", tagCorrectOption, "")
	}
}

// validateDefinition rejects duplicate question ids, which would break the
// one-record-per-slot rule.
func validateDefinition(sl govalidator.StructLevel) {
	r := sl.Current().Interface().(model.CreateSessionRequest)
	seen := make(map[string]struct{}, len(r.Slots))
	for _, s := range r.Slots {
		if _, dup := seen[s.QuestionID]; dup {
			sl.ReportError(r.Slots, "slots", "Slots", tagUniqueQuestion, "")
			return
		}
		seen[s.QuestionID] = struct{}{}
	}
}

// TranslateErrors takes a binding/validation error and returns a map of
// field name to human-readable error message. If the error is not a
// validation error, it returns a single-key map with "detail".
func TranslateErrors(err error) map[string]string {
	fields := make(map[string]string)

	var ve govalidator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			fields[fe.Field()] = fe.Translate(trans)
		}
		return fields
	}

	// Not a validation error (e.g., JSON syntax error).
	fields["detail"] = err.Error()
	return fields
}

// Bind binds and validates the request body into dst.
// Returns nil on success or a translated field error map on failure.
func Bind(c *gin.Context, dst interface{}) map[string]string {
	if err := c.ShouldBindJSON(dst); err != nil {
		return TranslateErrors(err)
	}
	return nil
}
