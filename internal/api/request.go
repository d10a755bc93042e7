package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/edgecomet/pdfrender/pkg/types"
)

// ValidationError is malformed caller input; it is reported as 400 and
// never reaches the queue.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%q %s", e.Field, e.Message)
}

// ConvertRequest is a parsed and defaulted conversion request
type ConvertRequest struct {
	URL     string
	Options types.RenderOptions
}

// looseBool accepts JSON booleans and the strings "true"/"false" (any case).
// Any other string counts as false.
type looseBool bool

func (b *looseBool) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*b = false
		return nil
	}

	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = looseBool(v)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return &json.UnmarshalTypeError{Value: string(data), Type: reflect.TypeOf(true)}
	}
	*b = looseBool(strings.EqualFold(s, "true"))
	return nil
}

type convertBody struct {
	URL           *string   `json:"url"`
	Width         *string   `json:"width"`
	IncludeBanner looseBool `json:"includeBanner"`
	IncludeTitle  looseBool `json:"includeTitle"`
	IncludeTags   looseBool `json:"includeTags"`
}

// parseConvertRequest reads a JSON or urlencoded/multipart form body
func parseConvertRequest(ctx *fasthttp.RequestCtx) (*ConvertRequest, error) {
	var body convertBody

	if isJSON(ctx) {
		if err := decodeJSONBody(ctx.PostBody(), &body); err != nil {
			return nil, err
		}
	} else {
		args := ctx.PostArgs()
		if form, err := ctx.MultipartForm(); err == nil {
			for k, v := range form.Value {
				if len(v) > 0 {
					args.Set(k, v[0])
				}
			}
		}
		if args.Has("url") {
			v := string(args.Peek("url"))
			body.URL = &v
		}
		if args.Has("width") {
			v := string(args.Peek("width"))
			body.Width = &v
		}
		body.IncludeBanner = looseBool(strings.EqualFold(string(args.Peek("includeBanner")), "true"))
		body.IncludeTitle = looseBool(strings.EqualFold(string(args.Peek("includeTitle")), "true"))
		body.IncludeTags = looseBool(strings.EqualFold(string(args.Peek("includeTags")), "true"))
	}

	return body.validate()
}

func isJSON(ctx *fasthttp.RequestCtx) bool {
	ct := string(ctx.Request.Header.ContentType())
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "application/json")
}

func decodeJSONBody(data []byte, body *convertBody) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return &ValidationError{Field: "url", Message: "is required"}
	}
	if err := json.Unmarshal(data, body); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return &ValidationError{Field: typeErr.Field, Message: "has an invalid type"}
		}
		return &ValidationError{Field: "body", Message: "must be valid JSON"}
	}
	return nil
}

func (b convertBody) validate() (*ConvertRequest, error) {
	if b.URL == nil || strings.TrimSpace(*b.URL) == "" {
		return nil, &ValidationError{Field: "url", Message: "is required"}
	}
	target := strings.TrimSpace(*b.URL)
	if !validURI(target) {
		return nil, &ValidationError{Field: "url", Message: "must be a valid uri"}
	}

	opts := types.RenderOptions{
		IncludeBanner: bool(b.IncludeBanner),
		IncludeTitle:  bool(b.IncludeTitle),
		IncludeTags:   bool(b.IncludeTags),
	}
	if b.Width != nil {
		opts.Width = *b.Width
		if opts.Width == "" {
			return nil, &ValidationError{Field: "width", Message: "is not allowed to be empty"}
		}
	}
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, &ValidationError{Field: "width", Message: `must match the pattern ^\d+px$`}
	}

	return &ConvertRequest{URL: target, Options: opts}, nil
}

// validURI requires an absolute URI with a scheme; hierarchical schemes
// also need a host
func validURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return false
	}
	if u.Opaque != "" {
		return true
	}
	return u.Host != ""
}
