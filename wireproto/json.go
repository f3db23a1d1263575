package wireproto

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/xerrors"

	"github.com/mbndr/synowire/frame"
)

const (
	headRequest = "request"
	headAnswer  = "answer"

	base64Marker = "B64:"
)

// jsonAdapter implements the synopsejson wire encoding: a single-member
// JSON object whose key is the head token and whose value is an array of
// fields. It carries no per-connection mutable state, so clone is a
// no-op.
type jsonAdapter struct{}

func (a *jsonAdapter) clone() adapter { return &jsonAdapter{} }

// envelope marshals as {"<head>": [fields...]}.
type envelope struct {
	head   string
	fields []json.RawMessage
}

func (e envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string][]json.RawMessage{e.head: e.fields})
}

func parseEnvelope(b []byte) (envelope, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return envelope{}, xerrors.Errorf("wireproto: malformed JSON envelope: %w", err)
	}
	if len(m) != 1 {
		return envelope{}, xerrors.Errorf("wireproto: JSON envelope has %d members, want 1", len(m))
	}

	var head string
	var raw json.RawMessage
	for k, v := range m {
		head, raw = k, v
	}

	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return envelope{}, xerrors.Errorf("wireproto: envelope value is not an array: %w", err)
	}
	return envelope{head: head, fields: fields}, nil
}

func encodeHeaders(h http.Header) (json.RawMessage, error) {
	if h == nil {
		h = http.Header{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, xerrors.Errorf("wireproto: failed to encode headers: %w", err)
	}
	return b, nil
}

func decodeHeaders(raw json.RawMessage) (http.Header, error) {
	h := http.Header{}
	if len(raw) == 0 || string(raw) == "null" {
		return h, nil
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, xerrors.Errorf("wireproto: failed to decode headers: %w", err)
	}
	return h, nil
}

func encodeBody(contentType string, body []byte) (json.RawMessage, error) {
	if len(body) == 0 {
		return json.RawMessage(`""`), nil
	}
	if contentType == "" || contentType == "application/json" {
		if !json.Valid(body) {
			return nil, xerrors.Errorf("wireproto: body is not valid JSON but content type %q requires an inline JSON body", contentType)
		}
		return json.RawMessage(body), nil
	}
	if strings.HasPrefix(contentType, "text/") {
		return json.Marshal(string(body))
	}
	return json.Marshal(base64Marker + base64.StdEncoding.EncodeToString(body))
}

func decodeBody(contentType string, raw json.RawMessage) ([]byte, error) {
	if contentType == "" || contentType == "application/json" {
		var s string
		if json.Unmarshal(raw, &s) == nil && s == "" {
			return nil, nil
		}
		return []byte(raw), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, xerrors.Errorf("wireproto: body field is not a JSON string: %w", err)
	}
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, base64Marker) {
		b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, base64Marker))
		if err != nil {
			return nil, xerrors.Errorf("wireproto: failed to decode base64 body: %w", err)
		}
		return b, nil
	}
	return []byte(s), nil
}

func (a *jsonAdapter) encodeRequest(ctx RequestContext) (frame.Frame, error) {
	headers, err := encodeHeaders(ctx.Headers)
	if err != nil {
		return frame.Frame{}, err
	}
	body, err := encodeBody(ctx.ContentType, ctx.Body)
	if err != nil {
		return frame.Frame{}, err
	}
	noAnswer := json.RawMessage(`"0"`)
	if ctx.NoAnswer {
		noAnswer = json.RawMessage(`"1"`)
	}
	method, _ := json.Marshal(ctx.Method)
	url, _ := json.Marshal(ctx.URL)
	ctype, _ := json.Marshal(ctx.ContentType)

	e := envelope{head: headRequest, fields: []json.RawMessage{method, url, headers, noAnswer, ctype, body}}
	b, err := json.Marshal(e)
	if err != nil {
		return frame.Frame{}, xerrors.Errorf("wireproto: failed to marshal request envelope: %w", err)
	}
	return frame.Frame{Opcode: frame.OpText, Payload: b}, nil
}

func (a *jsonAdapter) decodeRequest(f frame.Frame) (RequestContext, bool, error) {
	e, err := parseEnvelope(f.Payload)
	if err != nil {
		return RequestContext{}, false, err
	}
	if !strings.EqualFold(e.head, headRequest) {
		return RequestContext{}, false, nil
	}
	if len(e.fields) != 6 {
		return RequestContext{}, false, xerrors.Errorf("wireproto: request envelope has %d fields, want 6", len(e.fields))
	}

	var method, url, noAnswer, ctype string
	if err := json.Unmarshal(e.fields[0], &method); err != nil {
		return RequestContext{}, false, xerrors.Errorf("wireproto: bad method field: %w", err)
	}
	if err := json.Unmarshal(e.fields[1], &url); err != nil {
		return RequestContext{}, false, xerrors.Errorf("wireproto: bad url field: %w", err)
	}
	headers, err := decodeHeaders(e.fields[2])
	if err != nil {
		return RequestContext{}, false, err
	}
	if err := json.Unmarshal(e.fields[3], &noAnswer); err != nil {
		return RequestContext{}, false, xerrors.Errorf("wireproto: bad noAnswer field: %w", err)
	}
	if err := json.Unmarshal(e.fields[4], &ctype); err != nil {
		return RequestContext{}, false, xerrors.Errorf("wireproto: bad contentType field: %w", err)
	}
	body, err := decodeBody(ctype, e.fields[5])
	if err != nil {
		return RequestContext{}, false, err
	}

	return RequestContext{
		Method:      method,
		URL:         url,
		Headers:     headers,
		Body:        body,
		ContentType: ctype,
		NoAnswer:    noAnswer == "1",
	}, true, nil
}

func (a *jsonAdapter) encodeAnswer(ctx ResponseContext) (frame.Frame, error) {
	headers, err := encodeHeaders(ctx.Headers)
	if err != nil {
		return frame.Frame{}, err
	}
	body, err := encodeBody(ctx.ContentType, ctx.Body)
	if err != nil {
		return frame.Frame{}, err
	}
	status, _ := json.Marshal(ctx.Status)
	ctype, _ := json.Marshal(ctx.ContentType)

	e := envelope{head: headAnswer, fields: []json.RawMessage{status, headers, ctype, body}}
	b, err := json.Marshal(e)
	if err != nil {
		return frame.Frame{}, xerrors.Errorf("wireproto: failed to marshal answer envelope: %w", err)
	}
	return frame.Frame{Opcode: frame.OpText, Payload: b}, nil
}

func (a *jsonAdapter) decodeAnswer(f frame.Frame) (ResponseContext, bool, error) {
	e, err := parseEnvelope(f.Payload)
	if err != nil {
		return ResponseContext{}, false, err
	}
	if !strings.EqualFold(e.head, headAnswer) {
		return ResponseContext{}, false, nil
	}
	if len(e.fields) != 4 {
		return ResponseContext{}, false, xerrors.Errorf("wireproto: answer envelope has %d fields, want 4", len(e.fields))
	}

	var status, ctype string
	if err := json.Unmarshal(e.fields[0], &status); err != nil {
		return ResponseContext{}, false, xerrors.Errorf("wireproto: bad status field: %w", err)
	}
	headers, err := decodeHeaders(e.fields[1])
	if err != nil {
		return ResponseContext{}, false, err
	}
	if err := json.Unmarshal(e.fields[2], &ctype); err != nil {
		return ResponseContext{}, false, xerrors.Errorf("wireproto: bad contentType field: %w", err)
	}
	body, err := decodeBody(ctype, e.fields[3])
	if err != nil {
		return ResponseContext{}, false, err
	}

	return ResponseContext{Status: status, Headers: headers, Body: body, ContentType: ctype}, true, nil
}
