package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rendis/actuator/internal/transport"
	"github.com/rendis/actuator/pkg/schema"
)

const httpResponseOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "status": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "content_type": {"type": "string"},
    "duration_ms": {"type": "integer"}
  }
}`

// httpParams are shared by http.request, http.get and http.post.
func httpParams(d *Descriptor, withMethod, withBody bool) *Descriptor {
	if withMethod {
		d.Param(ParamSpec{
			Name: "method", Type: ParamString, Default: "GET",
			Enum:        []any{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			Description: "HTTP method",
		})
	}
	d.Required("url", ParamString, "absolute http(s) URL")
	d.Optional("headers", ParamObject, "request headers")
	if withBody {
		d.Optional("body", ParamAny, "request body")
		d.Param(ParamSpec{
			Name: "body_encoding", Type: ParamString, Default: "json",
			Enum:        []any{"json", "form", "text", "raw"},
			Description: "how body is encoded",
		})
	}
	d.Optional("auth", ParamObject, "auth: {type: bearer|basic|api_key, token, username, password, header_name, header_value}")
	d.Optional("timeout", ParamString, "request timeout (e.g. 5s)")
	d.Param(ParamSpec{Name: "follow_redirects", Type: ParamBoolean, Default: true})
	d.Param(ParamSpec{Name: "max_redirects", Type: ParamInteger, Default: 10})
	d.Param(ParamSpec{Name: "tls_skip_verify", Type: ParamBoolean, Default: false})
	d.Param(ParamSpec{
		Name: "fail_on_error_status", Type: ParamBoolean, Default: false,
		Description: "treat status >= 400 as an HTTP_STATUS_ERROR (eligible for retry)",
	})
	return d.Output(httpResponseOutputSchema).Check(checkAll(checkURLParam, checkDurations("timeout"), checkBody))
}

// HTTPActions returns http.request, http.get and http.post over the shared transport.
func HTTPActions(t transport.Transport) []Action {
	request := httpParams(Define("http.request").
		Describe("Execute an HTTP request with full control over method, headers, body, auth, and redirects."),
		true, true)
	request.Run(func(ctx context.Context, in ActionInput) (*ActionOutput, error) {
		return doHTTP(ctx, t, stringParam(in.Params, "method", http.MethodGet), in.Params)
	})

	get := httpParams(Define("http.get").Describe("Convenience action for HTTP GET requests."), false, false)
	get.Run(func(ctx context.Context, in ActionInput) (*ActionOutput, error) {
		return doHTTP(ctx, t, http.MethodGet, in.Params)
	})

	post := httpParams(Define("http.post").Describe("Convenience action for HTTP POST requests."), false, true)
	post.Run(func(ctx context.Context, in ActionInput) (*ActionOutput, error) {
		return doHTTP(ctx, t, http.MethodPost, in.Params)
	})

	return []Action{request, get, post}
}

func checkURLParam(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return schema.NewErrorf(schema.ErrCodeInvalidParameters, "invalid url %q", rawURL).
			WithDetails(map[string]any{"param": "url"})
	}
	return nil
}

// checkBody encodes the body once so an unencodable one fails before any attempt.
func checkBody(params map[string]any) error {
	raw, ok := params["body"]
	if !ok || raw == nil {
		return nil
	}
	_, _, err := encodeBody(stringParam(params, "body_encoding", "json"), raw)
	return err
}

// buildRequest turns the shared HTTP params into a transport request.
func buildRequest(method string, params map[string]any) (transport.Request, error) {
	timeout, err := durationParam(params, "timeout")
	if err != nil {
		return transport.Request{}, err
	}
	follow := boolParam(params, "follow_redirects", true)

	req := transport.Request{
		Method:           strings.ToUpper(method),
		URL:              stringParam(params, "url", ""),
		Header:           headerParam(params, "headers"),
		Timeout:          timeout,
		AllowErrorStatus: !boolParam(params, "fail_on_error_status", false),
		FollowRedirects:  &follow,
		MaxRedirects:     intParam(params, "max_redirects", 10),
		TLSSkipVerify:    boolParam(params, "tls_skip_verify", false),
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}

	if rawBody, ok := params["body"]; ok && rawBody != nil {
		body, contentType, err := encodeBody(stringParam(params, "body_encoding", "json"), rawBody)
		if err != nil {
			return transport.Request{}, err
		}
		req.Body = body
		if contentType != "" && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", contentType)
		}
	}

	if auth, ok := params["auth"].(map[string]any); ok {
		applyAuth(req.Header, auth)
	}
	return req, nil
}

func encodeBody(encoding string, raw any) ([]byte, string, error) {
	switch encoding {
	case "form":
		form, ok := raw.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeInvalidParameters, "form body must be an object").
				WithDetails(map[string]any{"param": "body"})
		}
		vals := url.Values{}
		for k, v := range form {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return []byte(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return []byte(fmt.Sprintf("%v", raw)), "text/plain", nil
	case "raw":
		return []byte(fmt.Sprintf("%v", raw)), "", nil
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", schema.NewErrorf(schema.ErrCodeInvalidParameters, "body is not JSON-encodable: %v", err).WithCause(err)
		}
		return b, "application/json", nil
	}
}

func applyAuth(h http.Header, auth map[string]any) {
	switch stringParam(auth, "type", "") {
	case "bearer":
		h.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		r := &http.Request{Header: h}
		r.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			h.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

func doHTTP(ctx context.Context, t transport.Transport, method string, params map[string]any) (*ActionOutput, error) {
	req, err := buildRequest(method, params)
	if err != nil {
		return nil, err
	}

	resp, err := t.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	return JSONOutput(map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parseBody(resp.Body, resp.ContentType()),
		"content_type": resp.ContentType(),
		"duration_ms":  resp.Duration.Milliseconds(),
	})
}

// parseBody decodes JSON bodies and returns everything else as a string.
func parseBody(body []byte, contentType string) any {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}

// FetchStatus returns the fetch_status action: GET url and return the parsed
// JSON body as output. Any status >= 400 is an HTTP_STATUS_ERROR.
func FetchStatus(t transport.Transport) Action {
	return Define("fetch_status").
		Describe("GET a URL and return its JSON body; non-success statuses fail").
		Required("url", ParamString, "absolute http(s) URL").
		Optional("headers", ParamObject, "request headers").
		Check(checkURLParam).
		Run(func(ctx context.Context, in ActionInput) (*ActionOutput, error) {
			resp, err := t.Send(ctx, transport.Request{
				Method: http.MethodGet,
				URL:    stringParam(in.Params, "url", ""),
				Header: headerParam(in.Params, "headers"),
			})
			if err != nil {
				return nil, err
			}
			if len(resp.Body) == 0 {
				return &ActionOutput{Data: json.RawMessage("null")}, nil
			}
			if json.Valid(resp.Body) {
				return &ActionOutput{Data: json.RawMessage(resp.Body)}, nil
			}
			return JSONOutput(string(resp.Body))
		})
}

// HTTPStream returns the http.stream action: a GET whose body is handed back
// unread as a Stream.
func HTTPStream(t transport.Transport) Action {
	return Define("http.stream").
		Describe("GET a URL and return the response body as a lazy chunk stream").
		Required("url", ParamString, "absolute http(s) URL").
		Optional("headers", ParamObject, "request headers").
		Optional("timeout", ParamString, "bound on header arrival (e.g. 5s)").
		Param(ParamSpec{Name: "tls_skip_verify", Type: ParamBoolean, Default: false}).
		Check(checkAll(checkURLParam, checkDurations("timeout"))).
		Run(func(ctx context.Context, in ActionInput) (*ActionOutput, error) {
			timeout, err := durationParam(in.Params, "timeout")
			if err != nil {
				return nil, err
			}
			stream, err := t.SendStreaming(ctx, transport.Request{
				Method:        http.MethodGet,
				URL:           stringParam(in.Params, "url", ""),
				Header:        headerParam(in.Params, "headers"),
				Timeout:       timeout,
				TLSSkipVerify: boolParam(in.Params, "tls_skip_verify", false),
			})
			if err != nil {
				return nil, err
			}
			out, err := JSONOutput(map[string]any{
				"status_code":  stream.StatusCode,
				"content_type": stream.Header.Get("Content-Type"),
			})
			if err != nil {
				stream.Close()
				return nil, err
			}
			out.Stream = stream
			return out, nil
		})
}
