// Package httpx provides HTTP response utilities following RFC7807 problem details.
package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/campusledger/campusledger/internal/shared"
)

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

// ProblemDetail represents RFC7807 problem details.
type ProblemDetail struct {
	Type   string            `json:"type,omitempty"`
	Title  string            `json:"title"`
	Status int               `json:"status"`
	Detail string            `json:"detail,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Problem sends an RFC7807 problem details response.
func Problem(w http.ResponseWriter, status int, title, detail string) {
	JSON(w, status, ProblemDetail{
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// DecodeJSON decodes JSON request body into the target struct, rejecting
// unknown fields.
func DecodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return shared.NewValidationError("body", err.Error())
	}
	return nil
}

// DecodeAndValidate decodes the body and runs struct validation tags.
func DecodeAndValidate(r *http.Request, v *validator.Validate, target any) error {
	if err := DecodeJSON(r, target); err != nil {
		return err
	}
	return ValidateStruct(v, target)
}

// ValidateStruct converts validator failures into a ValidationError.
func ValidateStruct(v *validator.Validate, target any) error {
	if err := v.Struct(target); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return shared.NewValidationError("body", err.Error())
		}
		out := &shared.ValidationError{}
		for _, fieldErr := range verrs {
			out.Add(fieldErr.Field(), fmt.Sprintf("failed %s", fieldErr.Tag()))
		}
		return out
	}
	return nil
}

// QueryInt parses an optional integer query parameter.
func QueryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, shared.NewValidationError(name, "must be an integer")
	}
	return n, nil
}

// QueryInt64 parses an optional int64 query parameter.
func QueryInt64(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, shared.NewValidationError(name, "must be an integer")
	}
	return &n, nil
}

// QueryDate parses an optional YYYY-MM-DD query parameter.
func QueryDate(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	d, err := time.Parse(DateLayout, raw)
	if err != nil {
		return nil, shared.NewValidationError(name, "must be a YYYY-MM-DD date")
	}
	return &d, nil
}

// ParseDate parses a required YYYY-MM-DD value; empty yields fallback.
func ParseDate(field, raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.Parse(DateLayout, raw)
	if err != nil {
		return time.Time{}, shared.NewValidationError(field, "must be a YYYY-MM-DD date")
	}
	return d, nil
}

// PageRequest reads page and page_size.
func PageRequest(r *http.Request) (shared.PageRequest, error) {
	page, err := QueryInt(r, "page")
	if err != nil {
		return shared.PageRequest{}, err
	}
	size, err := QueryInt(r, "page_size")
	if err != nil {
		return shared.PageRequest{}, err
	}
	return shared.PageRequest{Page: page, PageSize: size}.Normalize(), nil
}
