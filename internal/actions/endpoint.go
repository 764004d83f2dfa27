package actions

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/rendis/actuator/internal/transport"
	"github.com/rendis/actuator/pkg/schema"
)

// Endpoint declares an HTTP action in configuration. The URL may contain
// {param} placeholders filled from the invocation params; remaining params go
// to the query string (GET, DELETE, HEAD) or to a JSON body.
type Endpoint struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Method      string            `json:"method,omitempty" yaml:"method,omitempty"`
	URL         string            `json:"url" yaml:"url"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Params      []ParamSpec       `json:"params,omitempty" yaml:"params,omitempty"`
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// EndpointActions builds one action per configured endpoint. Register them
// under a namespace (Group{Prefix: "endpoint"}) to keep them apart from builtins.
func EndpointActions(t transport.Transport, endpoints []Endpoint) ([]Action, error) {
	out := make([]Action, 0, len(endpoints))
	for _, ep := range endpoints {
		a, err := endpointAction(t, ep)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func endpointAction(t transport.Transport, ep Endpoint) (Action, error) {
	if ep.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "endpoint without name")
	}
	if u, err := url.Parse(placeholderRe.ReplaceAllString(ep.URL, "x")); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "endpoint %q: invalid url %q", ep.Name, ep.URL)
	}

	method := strings.ToUpper(ep.Method)
	if method == "" {
		method = http.MethodGet
	}

	d := Define(ep.Name).Describe(ep.Description)
	declared := make(map[string]bool, len(ep.Params))
	for _, p := range ep.Params {
		d.Param(p)
		declared[p.Name] = true
	}
	// Every placeholder becomes a required param unless declared otherwise.
	for _, m := range placeholderRe.FindAllStringSubmatch(ep.URL, -1) {
		if !declared[m[1]] {
			d.Required(m[1], ParamAny, "URL path segment")
			declared[m[1]] = true
		}
	}
	if !declared["body"] && hasBody(method) {
		d.Optional("body", ParamAny, "request body (JSON)")
	}

	header := http.Header{}
	for k, v := range ep.Headers {
		header.Set(k, v)
	}

	d.Run(func(ctx context.Context, in ActionInput) (*ActionOutput, error) {
		req, err := endpointRequest(ep.URL, method, header, in.Params)
		if err != nil {
			return nil, err
		}
		resp, err := t.Send(ctx, req)
		if err != nil {
			return nil, err
		}
		return JSONOutput(map[string]any{
			"status_code": resp.StatusCode,
			"body":        parseBody(resp.Body, resp.ContentType()),
		})
	})
	return d, nil
}

func endpointRequest(rawURL, method string, header http.Header, params map[string]any) (transport.Request, error) {
	used := map[string]bool{}
	target := placeholderRe.ReplaceAllStringFunc(rawURL, func(m string) string {
		name := m[1 : len(m)-1]
		used[name] = true
		return url.PathEscape(fmt.Sprintf("%v", params[name]))
	})

	rest := make(map[string]any)
	for k, v := range params {
		if !used[k] && k != "body" {
			rest[k] = v
		}
	}

	req := transport.Request{Method: method, URL: target, Header: header.Clone()}

	switch {
	case params["body"] != nil:
		body, ct, err := encodeBody("json", params["body"])
		if err != nil {
			return transport.Request{}, err
		}
		req.Body = body
		req.Header.Set("Content-Type", ct)
	case len(rest) > 0 && hasBody(method):
		body, ct, err := encodeBody("json", rest)
		if err != nil {
			return transport.Request{}, err
		}
		req.Body = body
		req.Header.Set("Content-Type", ct)
		rest = nil
	}

	if len(rest) > 0 {
		u, err := url.Parse(target)
		if err != nil {
			return transport.Request{}, schema.NewErrorf(schema.ErrCodeInvalidParameters, "bad url %q", target)
		}
		q := u.Query()
		for k, v := range rest {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
		req.URL = u.String()
	}
	return req, nil
}

func hasBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return false
	}
	return true
}
