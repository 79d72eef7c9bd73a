package validator

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"munchclub/pkg/model"

	"github.com/go-playground/validator/v10"
)

var reUserID = regexp.MustCompile(`^[A-Za-z0-9_\-:.@|]+$`)

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ""
	}
	return fmt.Sprintf("validation failed: %d error(s)", len(v))
}

// Details shapes the errors for an API error response.
func (v ValidationErrors) Details() map[string]any {
	fields := make(map[string]any, len(v))
	for _, e := range v {
		fields[e.Field] = e.Message
	}
	return map[string]any{"fields": fields}
}

type IdentityValidator struct {
	validate *validator.Validate
}

func NewIdentityValidator() *IdentityValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("user_id", func(fl validator.FieldLevel) bool {
		return reUserID.MatchString(fl.Field().String())
	})

	return &IdentityValidator{validate: v}
}

func (v *IdentityValidator) Validate(identity *model.Identity) error {
	if err := v.validate.Struct(identity); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			return translate(validationErrs)
		}
		return err
	}

	if err := v.validate.Var(identity.UserID, "user_id"); err != nil {
		return ValidationErrors{{Field: "user_id", Message: "may only contain letters, digits and _-:.@|"}}
	}
	return nil
}

// ValidateLocationID checks a path parameter before it reaches the store.
func (v *IdentityValidator) ValidateLocationID(id string) error {
	if err := v.validate.Var(id, "required,max=64,user_id"); err != nil {
		return ValidationErrors{{Field: "location_id", Message: "must be 1-64 characters of letters, digits and _-:.@|"}}
	}
	return nil
}

// ValidateLocation checks a catalog entry before it is stored.
func (v *IdentityValidator) ValidateLocation(location model.Location) error {
	if err := v.validate.Struct(location); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			return translate(validationErrs)
		}
		return err
	}
	return v.ValidateLocationID(location.ID)
}

func translate(errs validator.ValidationErrors) ValidationErrors {
	out := make(ValidationErrors, 0, len(errs))
	for _, err := range errs {
		out = append(out, ValidationError{
			Field:   err.Field(),
			Message: message(err),
		})
	}
	return out
}

func message(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", err.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", err.Param())
	case "url":
		return "must be an absolute URL"
	case "e164":
		return "must be a phone number in E.164 format"
	default:
		return fmt.Sprintf("failed %q check", err.Tag())
	}
}
