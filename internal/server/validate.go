package server

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

// slugRegex covers identifiers that end up as postgres database and role
// names, so it is stricter than a generic URL slug.
var slugRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// RequestValidator validates incoming API requests.
type RequestValidator struct {
	validator *validator.Validate
}

func NewRequestValidator() *RequestValidator {
	v := validator.New()

	v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugRegex.MatchString(fl.Field().String())
	})

	return &RequestValidator{
		validator: v,
	}
}

func (rv *RequestValidator) Validate(req interface{}) error {
	return rv.validator.Struct(req)
}
