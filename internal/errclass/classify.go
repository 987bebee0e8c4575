package errclass

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// Response is implemented by failures that carry a transport response.
// Errors without a Response in their chain are network failures.
type Response interface {
	StatusCode() int
	ResponseBody() []byte
}

const maxRawResponse = 4 << 10

// Classify maps err into the taxonomy. It returns nil for a nil error and
// returns existing *Error values unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if classified, ok := As(err); ok {
		return classified
	}

	var resp Response
	if !errors.As(err, &resp) || resp == nil {
		return NewNetwork(err)
	}

	status := resp.StatusCode()
	body := resp.ResponseBody()
	out := &Error{
		StatusCode:  status,
		RawResponse: truncate(string(body), maxRawResponse),
		Message:     bodyMessage(body, status),
		Err:         err,
	}

	switch {
	case status == http.StatusBadRequest:
		out.Kind = KindValidation
		out.Code = CodeValidation
		out.Fields = bodyFields(body)
	case status == http.StatusUnauthorized:
		out.Kind = KindAPI
		out.Code = CodeUnauthorized
	case status == http.StatusForbidden:
		out.Kind = KindAPI
		out.Code = CodeForbidden
	case status == http.StatusNotFound:
		out.Kind = KindAPI
		out.Code = CodeNotFound
	case status == http.StatusTooManyRequests:
		out.Kind = KindAPI
		out.Code = CodeRateLimit
	case status >= 500 && status <= 599:
		out.Kind = KindAPI
		out.Code = CodeServerError
	default:
		out.Kind = KindAPI
		out.Code = bodyCode(body)
	}
	return out
}

func bodyMessage(body []byte, status int) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"message", "error.message", "error"} {
			if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String {
				if msg := strings.TrimSpace(v.String()); msg != "" {
					return msg
				}
			}
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "request failed"
}

func bodyCode(body []byte) string {
	if !gjson.ValidBytes(body) {
		return CodeUnknown
	}
	for _, path := range []string{"code", "error.code", "error_code"} {
		v := gjson.GetBytes(body, path)
		if !v.Exists() {
			continue
		}
		if code := strings.TrimSpace(v.String()); code != "" {
			return code
		}
	}
	return CodeUnknown
}

// bodyFields accepts either {"errors": {"field": "msg"}} or
// {"errors": [{"field": "...", "message": "..."}]}, also under "fields".
func bodyFields(body []byte) map[string]string {
	if !gjson.ValidBytes(body) {
		return nil
	}
	fields := make(map[string]string)
	for _, path := range []string{"errors", "fields", "error.fields"} {
		v := gjson.GetBytes(body, path)
		switch {
		case v.IsObject():
			v.ForEach(func(key, value gjson.Result) bool {
				fields[key.String()] = fieldMessage(value)
				return true
			})
		case v.IsArray():
			v.ForEach(func(_, item gjson.Result) bool {
				name := item.Get("field").String()
				if name == "" {
					name = item.Get("path").String()
				}
				if name == "" {
					return true
				}
				msg := item.Get("message").String()
				if msg == "" {
					msg = item.Get("msg").String()
				}
				fields[name] = msg
				return true
			})
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// fieldMessage flattens ["a", "b"] into "a; b".
func fieldMessage(v gjson.Result) string {
	if !v.IsArray() {
		return v.String()
	}
	parts := make([]string, 0, len(v.Array()))
	for _, item := range v.Array() {
		if s := strings.TrimSpace(item.String()); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "; ")
}

// FieldNames returns the sorted field names of a validation failure.
func (e *Error) FieldNames() []string {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
