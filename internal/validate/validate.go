// Package validate decodes and validates request bodies, query strings and
// path parameters against per-route schemas before a handler runs.
package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/form/v4"
	"github.com/go-playground/validator/v10"

	"github.com/granary-farm/granary/internal/platform/apperr"
	"github.com/granary-farm/granary/internal/platform/httpx"
)

// Schema holds prototype values for each request section. Nil sections are
// skipped. Prototypes must be struct values, not pointers.
type Schema struct {
	Body   any
	Query  any
	Params any
}

// Defaulter fills in defaults after decoding and before validation.
type Defaulter interface {
	ApplyDefaults()
}

type (
	bodyKey   struct{}
	queryKey  struct{}
	paramsKey struct{}
)

var (
	validate     = newValidator()
	queryDecoder = newQueryDecoder()
)

// dateLayouts are accepted for time.Time query values.
var dateLayouts = []string{"2006-01-02", time.RFC3339}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"json", "query", "path"} {
			name, _, _ := strings.Cut(fld.Tag.Get(tag), ",")
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return fld.Name
	})
	v.RegisterStructValidation(validateDateRange, DateRange{})
	v.RegisterStructValidation(validateDateFromTo, DateFromTo{})
	return v
}

func newQueryDecoder() *form.Decoder {
	d := form.NewDecoder()
	d.SetTagName("query")
	d.RegisterCustomTypeFunc(func(vals []string) (any, error) {
		return ParseDate(vals[0])
	}, time.Time{})
	return d
}

// ParseDate accepts a calendar date or an RFC 3339 timestamp.
func ParseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// Request returns middleware that decodes and validates every section of
// schema. All violations are reported together in one ValidationFailed
// error and the next handler is not invoked.
func Request(schema Schema) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			var problems []string

			if schema.Params != nil {
				v, errs := decodeSection(schema.Params, func(dst any) []decodeFailure { return decodeParams(r, dst) })
				problems = append(problems, errs...)
				ctx = context.WithValue(ctx, paramsKey{}, v)
			}
			if schema.Query != nil {
				v, errs := decodeSection(schema.Query, func(dst any) []decodeFailure { return decodeQuery(r, dst) })
				problems = append(problems, errs...)
				ctx = context.WithValue(ctx, queryKey{}, v)
			}
			if schema.Body != nil {
				v, errs := decodeSection(schema.Body, func(dst any) []decodeFailure { return decodeBody(r, dst) })
				problems = append(problems, errs...)
				ctx = context.WithValue(ctx, bodyKey{}, v)
			}

			if len(problems) > 0 {
				httpx.WriteError(w, r, apperr.Validation("validation failed: "+strings.Join(problems, "; "), problems))
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Body returns the validated body stored by Request.
func Body[T any](ctx context.Context) T {
	v, _ := ctx.Value(bodyKey{}).(T)
	return v
}

// Query returns the validated query stored by Request.
func Query[T any](ctx context.Context) T {
	v, _ := ctx.Value(queryKey{}).(T)
	return v
}

// Params returns the validated path parameters stored by Request.
func Params[T any](ctx context.Context) T {
	v, _ := ctx.Value(paramsKey{}).(T)
	return v
}

// Struct validates a value outside of the middleware, returning the same
// aggregated error shape.
func Struct(v any) error {
	if problems := check(v, nil); len(problems) > 0 {
		return apperr.Validation("validation failed: "+strings.Join(problems, "; "), problems)
	}
	return nil
}

// decodeFailure is a section decode problem. An empty field means the
// section as a whole could not be decoded.
type decodeFailure struct {
	field string
	msg   string
}

// decodeSection decodes one request section and validates what it could
// decode. Rules on fields that failed to decode are not reported twice.
func decodeSection(proto any, decode func(dst any) []decodeFailure) (any, []string) {
	ptr := reflect.New(reflect.TypeOf(proto))
	dst := ptr.Interface()

	failures := decode(dst)
	problems := make([]string, 0, len(failures))
	failed := make(map[string]bool, len(failures))
	for _, f := range failures {
		if f.field == "" {
			return ptr.Elem().Interface(), []string{f.msg}
		}
		failed[f.field] = true
		problems = append(problems, f.msg)
	}

	if d, ok := dst.(Defaulter); ok {
		d.ApplyDefaults()
	}
	problems = append(problems, check(dst, failed)...)
	if s, ok := dst.(Sortable); ok && !failed["sort"] {
		if key := s.SortKey(); key != "" && !slices.Contains(s.SortKeys(), key) {
			problems = append(problems, fmt.Sprintf("sort must be one of [%s]", strings.Join(s.SortKeys(), ", ")))
		}
	}
	return ptr.Elem().Interface(), problems
}

func check(v any, skip map[string]bool) []string {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if skipped(fe, skip) {
			continue
		}
		problems = append(problems, messageFor(fe))
	}
	return problems
}

// skipped reports whether fe belongs to a field that failed to decode,
// either directly or through its top-level parent.
func skipped(fe validator.FieldError, skip map[string]bool) bool {
	if len(skip) == 0 {
		return false
	}
	if skip[fe.Field()] {
		return true
	}
	_, rest, ok := strings.Cut(fe.Namespace(), ".")
	if !ok {
		return false
	}
	top, _, _ := strings.Cut(rest, ".")
	top, _, _ = strings.Cut(top, "[")
	return skip[top]
}

var invalidJSON = []decodeFailure{{msg: "body must be valid JSON"}}

func decodeBody(r *http.Request, dst any) []decodeFailure {
	if r.Body == nil {
		return nil
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return []decodeFailure{{msg: "body exceeds maximum size"}}
		}
		return []decodeFailure{{msg: "body could not be read"}}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	err = json.Unmarshal(raw, dst)
	if err == nil {
		return nil
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return invalidJSON
	}
	if failures := decodeFields(raw, dst); len(failures) > 0 {
		return failures
	}
	return invalidJSON
}

// decodeFields decodes a JSON object one top-level field at a time so that
// every mistyped field is reported and the others still reach dst.
func decodeFields(raw []byte, dst any) []decodeFailure {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return []decodeFailure{{msg: "body must be a JSON object"}}
	}
	rv := reflect.ValueOf(dst).Elem()
	if rv.Kind() != reflect.Struct {
		return nil
	}

	var failures []decodeFailure
	for _, f := range reflect.VisibleFields(rv.Type()) {
		name := jsonName(f)
		if name == "" {
			continue
		}
		val, ok := lookupKey(obj, name)
		if !ok {
			continue
		}
		target, err := rv.FieldByIndexErr(f.Index)
		if err != nil {
			continue
		}
		fv := reflect.New(f.Type)
		if err := json.Unmarshal(val, fv.Interface()); err != nil {
			failures = append(failures, decodeFailure{field: name, msg: fieldMessage(name, f.Type, err)})
			continue
		}
		target.Set(fv.Elem())
	}
	return failures
}

// jsonName is the key encoding/json reads f from, or "" when f is not
// decoded directly.
func jsonName(f reflect.StructField) string {
	if !f.IsExported() {
		return ""
	}
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch {
	case name == "-":
		return ""
	case name != "":
		return name
	case f.Anonymous:
		return ""
	default:
		return f.Name
	}
}

// lookupKey matches keys the way encoding/json does, preferring an exact
// match over a case-insensitive one.
func lookupKey(obj map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	if v, ok := obj[name]; ok {
		return v, true
	}
	for k, v := range obj {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func fieldMessage(name string, t reflect.Type, err error) string {
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &typeErr) && typeErr.Field != "" && !strings.EqualFold(typeErr.Field, name):
		return fmt.Sprintf("%s.%s must be %s", name, typeErr.Field, describe(typeErr.Type))
	case errors.As(err, &typeErr):
		return fmt.Sprintf("%s must be %s", name, describe(typeErr.Type))
	default:
		return typeMessage(name, t)
	}
}

var timeType = reflect.TypeOf(time.Time{})

// typeMessage describes a value that did not parse into t.
func typeMessage(name string, t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch {
	case t == timeType:
		return name + " must be a valid date"
	case t.Kind() == reflect.Struct:
		return name + " has an invalid value"
	default:
		return fmt.Sprintf("%s must be %s", name, describe(t))
	}
}

func describe(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "an integer"
	case reflect.Float32, reflect.Float64:
		return "a number"
	case reflect.Bool:
		return "a boolean"
	case reflect.String:
		return "a string"
	case reflect.Slice, reflect.Array:
		return "an array"
	case reflect.Map, reflect.Struct:
		return "an object"
	case reflect.Pointer:
		return describe(t.Elem())
	default:
		return "a valid " + t.String()
	}
}

func decodeQuery(r *http.Request, dst any) []decodeFailure {
	err := queryDecoder.Decode(dst, r.URL.Query())
	if err == nil {
		return nil
	}
	var derrs form.DecodeErrors
	if !errors.As(err, &derrs) {
		return []decodeFailure{{msg: "query string is invalid"}}
	}

	keys := make([]string, 0, len(derrs))
	for k := range derrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t := reflect.TypeOf(dst).Elem()
	failures := make([]decodeFailure, 0, len(keys))
	for _, k := range keys {
		name := k
		if i := strings.LastIndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		name, _, _ = strings.Cut(name, "[")
		msg := name + " has an invalid value"
		if ft, ok := queryFieldType(t, name); ok {
			msg = typeMessage(name, ft)
		}
		failures = append(failures, decodeFailure{field: name, msg: msg})
	}
	return failures
}

func queryFieldType(t reflect.Type, name string) (reflect.Type, bool) {
	if t.Kind() != reflect.Struct {
		return nil, false
	}
	for _, f := range reflect.VisibleFields(t) {
		if tag, _, _ := strings.Cut(f.Tag.Get("query"), ","); tag == name {
			return f.Type, true
		}
	}
	return nil, false
}

func decodeParams(r *http.Request, dst any) []decodeFailure {
	rv := reflect.ValueOf(dst).Elem()
	rt := rv.Type()
	var failures []decodeFailure
	for i := range rt.NumField() {
		fld := rt.Field(i)
		name := fld.Tag.Get("path")
		if name == "" {
			continue
		}
		raw := r.PathValue(name)
		if raw == "" {
			continue
		}
		fv := rv.Field(i)
		switch fv.Kind() {
		case reflect.String:
			fv.SetString(raw)
		case reflect.Int, reflect.Int32, reflect.Int64:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				failures = append(failures, decodeFailure{field: name, msg: name + " must be an integer"})
				continue
			}
			fv.SetInt(n)
		}
	}
	return failures
}

func messageFor(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required", "required_without", "required_with":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "uuid", "uuid4":
		return field + " must be a valid UUID"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "datetime":
		return fmt.Sprintf("%s must be a date formatted %s", field, fe.Param())
	case "after":
		return fmt.Sprintf("%s must be after %s", field, fe.Param())
	case "dive":
		return field + " contains an invalid entry"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
