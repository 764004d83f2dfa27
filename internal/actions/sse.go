package actions

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rendis/actuator/internal/transport"
	"github.com/rendis/actuator/pkg/schema"
)

// SSECollect returns the sse.collect action: subscribe to a text/event-stream
// endpoint and collect events until max_events arrive, the server closes the
// stream, or the collection window elapses. last_event_id resumes a previous
// subscription.
//
// A stream that goes quiet for stale_timeout, or drops mid-way, ends the
// collection early. Events already received are returned with
// "interrupted": true and the last_event_id to resume from; with nothing
// received the failure is returned as a retryable error.
func SSECollect(t transport.Transport) Action {
	return Define("sse.collect").
		Describe("Read server-sent events from a URL, resuming from last_event_id").
		Required("url", ParamString, "event stream URL").
		Optional("headers", ParamObject, "request headers").
		Optional("last_event_id", ParamString, "resume after this event ID").
		Optional("event", ParamString, "only keep events of this type").
		Param(ParamSpec{Name: "max_events", Type: ParamInteger, Default: 10, Description: "stop after this many events"}).
		Optional("window", ParamString, "stop collecting after this long (e.g. 10s)").
		Optional("stale_timeout", ParamString, "give up when no data arrives for this long (e.g. 30s)").
		Param(ParamSpec{Name: "tls_skip_verify", Type: ParamBoolean, Default: false}).
		Check(checkAll(checkURLParam, checkDurations("window", "stale_timeout"))).
		Run(func(ctx context.Context, in ActionInput) (*ActionOutput, error) {
			return collectEvents(ctx, t, in.Params)
		})
}

type collectedEvent struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
}

func collectEvents(ctx context.Context, t transport.Transport, params map[string]any) (*ActionOutput, error) {
	window, err := durationParam(params, "window")
	if err != nil {
		return nil, err
	}
	stale, err := durationParam(params, "stale_timeout")
	if err != nil {
		return nil, err
	}
	maxEvents := intParam(params, "max_events", 10)
	filter := stringParam(params, "event", "")
	lastID := stringParam(params, "last_event_id", "")
	resumeFrom := lastID

	header := headerParam(params, "headers")
	if header == nil {
		header = http.Header{}
	}
	header.Set("Accept", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	if lastID != "" {
		header.Set("Last-Event-ID", lastID)
	}

	readCtx := ctx
	if window > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, window)
		defer cancel()
	}

	stream, err := t.SendStreaming(ctx, transport.Request{
		Method:        http.MethodGet,
		URL:           stringParam(params, "url", ""),
		Header:        header,
		TLSSkipVerify: boolParam(params, "tls_skip_verify", false),
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	events := make([]collectedEvent, 0, maxEvents)
	interrupted := false
	dec := transport.NewDecoder(stream)
	for len(events) < maxEvents {
		ev, err := nextEvent(readCtx, dec, stale)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			// The window closing is a normal end of collection.
			if readCtx.Err() != nil {
				break
			}
			// Nothing new was seen, so a retry from resumeFrom loses nothing.
			if len(events) == 0 && lastID == resumeFrom {
				var aerr *schema.ActuatorError
				if lastID != "" && errors.As(err, &aerr) {
					aerr.WithDetails(map[string]any{"last_event_id": lastID})
				}
				return nil, err
			}
			interrupted = true
			break
		}
		if ev.ID != "" {
			lastID = ev.ID
		}
		if ev.Data == "" || (filter != "" && ev.Event != filter) {
			continue
		}
		events = append(events, collectedEvent{ID: ev.ID, Event: ev.Event, Data: eventData(ev.Data)})
	}

	result := map[string]any{
		"events":        events,
		"count":         len(events),
		"last_event_id": lastID,
	}
	if interrupted {
		result["interrupted"] = true
	}
	return JSONOutput(result)
}

// nextEvent bounds a single read by stale when it is set. A quiet stream is
// reported as a TIMEOUT.
func nextEvent(ctx context.Context, dec *transport.Decoder, stale time.Duration) (transport.Event, error) {
	if stale <= 0 {
		return dec.Next(ctx)
	}
	readCtx, cancel := context.WithTimeout(ctx, stale)
	defer cancel()
	ev, err := dec.Next(readCtx)
	if err != nil && ctx.Err() == nil && errors.Is(readCtx.Err(), context.DeadlineExceeded) {
		return ev, schema.NewErrorf(schema.ErrCodeTimeout, "no event within %s", stale).WithCause(err)
	}
	return ev, err
}

func eventData(data string) any {
	var v any
	if err := json.Unmarshal([]byte(data), &v); err == nil {
		return v
	}
	return data
}
