package actions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rendis/actuator/internal/transport"
	"github.com/rendis/actuator/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointActions(t *testing.T) {
	type seen struct {
		method, path, query, body, key string
	}
	var last seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		last = seen{r.Method, r.URL.Path, r.URL.RawQuery, string(b), r.Header.Get("hue-application-key")}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"errors":[]}`))
	}))
	defer srv.Close()

	acts, err := EndpointActions(transport.NewClient(transport.Config{}), []Endpoint{
		{
			Name:    "set_light",
			Method:  "put",
			URL:     srv.URL + "/clip/v2/resource/light/{id}",
			Headers: map[string]string{"hue-application-key": "secret"},
		},
		{
			Name:   "list_lights",
			URL:    srv.URL + "/clip/v2/resource/light",
			Params: []ParamSpec{{Name: "limit", Type: ParamInteger}},
		},
	})
	require.NoError(t, err)
	require.Len(t, acts, 2)

	reg := MustBootstrap(Group{Prefix: "endpoint", Actions: acts})
	setLight, err := reg.Get("endpoint.set_light")
	require.NoError(t, err)

	id, ok := setLight.Schema().Param("id")
	require.True(t, ok)
	assert.True(t, id.Required)
	_, ok = setLight.Schema().Param("body")
	assert.True(t, ok)

	out, err := setLight.Execute(context.Background(), ActionInput{Params: map[string]any{
		"id":   "abc 1",
		"body": map[string]any{"on": map[string]any{"on": true}},
	}})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, last.method)
	assert.Equal(t, "/clip/v2/resource/light/abc 1", last.path)
	assert.JSONEq(t, `{"on":{"on":true}}`, last.body)
	assert.Equal(t, "secret", last.key)

	var res map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &res))
	assert.Equal(t, float64(200), res["status_code"])

	list, _ := reg.Get("endpoint.list_lights")
	_, err = list.Execute(context.Background(), ActionInput{Params: map[string]any{"limit": 5}})
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, last.method)
	assert.Equal(t, "limit=5", last.query)
	assert.Empty(t, last.body)
}

func TestEndpointActions_Invalid(t *testing.T) {
	_, err := EndpointActions(nil, []Endpoint{{URL: "https://x"}})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = EndpointActions(nil, []Endpoint{{Name: "bad", URL: "bridge.local/x"}})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestEndpointRequest_ParamsBecomeBodyForPOST(t *testing.T) {
	req, err := endpointRequest("https://h/scenes/{scene}/recall", http.MethodPost, http.Header{}, map[string]any{
		"scene":      "s1",
		"brightness": 40,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://h/scenes/s1/recall", req.URL)
	assert.JSONEq(t, `{"brightness":40}`, string(req.Body))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
}
