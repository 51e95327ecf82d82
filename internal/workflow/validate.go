package workflow

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/signet/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateBuild checks the document reference and party set of a build
// request. All problems are reported together.
func validateBuild(req BuildRequest, now time.Time) error {
	var details []model.FieldError

	if req.Document.ID == "" {
		details = append(details, model.FieldError{Field: "document.id", Code: "REQUIRED", Message: "document id is required"})
	}
	if req.Document.VersionID == "" {
		details = append(details, model.FieldError{Field: "document.version_id", Code: "REQUIRED", Message: "document version is required"})
	}
	if d := req.Template.Deadline; d != nil && !d.After(now) {
		details = append(details, model.FieldError{Field: "template.deadline", Code: "PAST", Message: "deadline must be in the future"})
	}
	if len(req.Parties) == 0 {
		details = append(details, model.FieldError{Field: "parties", Code: "REQUIRED", Message: "at least one party is required"})
	}

	seenIDs := make(map[string]int)
	seenOrder := make(map[int]int)
	for i, p := range req.Parties {
		prefix := fmt.Sprintf("parties[%d]", i)

		if err := validate.Struct(p); err != nil {
			var verrs validator.ValidationErrors
			if !errors.As(err, &verrs) {
				return err
			}
			for _, fe := range verrs {
				details = append(details, model.FieldError{
					Field:   prefix + "." + fe.Field(),
					Code:    strings.ToUpper(fe.Tag()),
					Message: fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag()),
				})
			}
		}

		if p.ID != "" {
			if first, dup := seenIDs[p.ID]; dup {
				details = append(details, model.FieldError{
					Field:   prefix + ".id",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("party id %q already used by parties[%d]", p.ID, first),
				})
			} else {
				seenIDs[p.ID] = i
			}
		}

		if first, dup := seenOrder[p.OrderIndex]; dup {
			details = append(details, model.FieldError{
				Field:   prefix + ".order_index",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("order_index %d already used by parties[%d]", p.OrderIndex, first),
			})
		} else {
			seenOrder[p.OrderIndex] = i
		}

		if !p.HasSigningMethod() {
			details = append(details, model.FieldError{
				Field:   prefix,
				Code:    "NO_SIGNING_METHOD",
				Message: "party must allow at least one signing method",
			})
		}
	}

	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}
