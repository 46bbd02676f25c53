// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package router

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/modelmux/modelmux/internal/backend"
	"github.com/modelmux/modelmux/internal/catalog"
)

type fakeCatalog struct {
	models []catalog.Model
}

func (f *fakeCatalog) ResolveModel(name string) (catalog.Model, bool) {
	for _, m := range f.models {
		if m.Name == name {
			return m, true
		}
	}
	return catalog.Model{}, false
}

type fakeBackends struct {
	byAddress map[string]backend.Backend
}

func (f *fakeBackends) Get(address string) (backend.Backend, bool) {
	b, ok := f.byAddress[address]
	return b, ok
}

type countingDecrementer struct{ calls int }

func (c *countingDecrementer) OptimisticDecrement() { c.calls++ }

// newFixture wires a router with one backend of the given kind serving the
// model "m" at the test server address.
func newFixture(srvURL string, kind backend.Kind, credential string) (*Router, *countingDecrementer) {
	cat := &fakeCatalog{models: []catalog.Model{{Name: "m", Server: srvURL}}}
	backends := &fakeBackends{byAddress: map[string]backend.Backend{
		srvURL: {Address: srvURL, Kind: kind, Credential: credential, Enabled: true},
	}}
	dec := &countingDecrementer{}
	return NewRouter(cat, backends, dec), dec
}

func TestSendModelNotFound(t *testing.T) {
	rt := NewRouter(&fakeCatalog{}, &fakeBackends{}, nil)
	_, err := rt.Send(context.Background(), Request{Model: "ghost"})
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestSendBufferedCompletion(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"choices":[{"message":{"content":"hi there"}}]}`))
	}))
	defer srv.Close()

	rt, _ := newFixture(srv.URL, backend.KindCustom, "stored-key")
	text, err := rt.Send(context.Background(), Request{Model: "m", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)

	assert.Equal(t, "m", gjson.GetBytes(gotBody, "model").String())
	assert.Equal(t, "user", gjson.GetBytes(gotBody, "messages.0.role").String())
	assert.Equal(t, "hello", gjson.GetBytes(gotBody, "messages.0.content").String())
	assert.False(t, gjson.GetBytes(gotBody, "stream").Bool())
}

func TestSendUsesStoredCredentialForCustomBackend(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"choices":[{"message":{"content":"x"}}]}`))
	}))
	defer srv.Close()

	rt, dec := newFixture(srv.URL, backend.KindCustom, "stored-key")
	_, err := rt.Send(context.Background(), Request{Model: "m", Prompt: "p", SessionToken: "session-token"})
	require.NoError(t, err)

	// The session token never leaks to non-cloud backends.
	assert.Equal(t, "Bearer stored-key", gotAuth)
	assert.Zero(t, dec.calls)
}

func TestSendCloudUsesSessionTokenAndDecrements(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"choices":[{"message":{"content":"x"}}]}`))
	}))
	defer srv.Close()

	rt, dec := newFixture(srv.URL, backend.KindCloud, "ignored")
	_, err := rt.Send(context.Background(), Request{Model: "m", Prompt: "p", SessionToken: "sess"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sess", gotAuth)
	assert.Equal(t, 1, dec.calls)
}

func TestSendCloudDecrementsEvenOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rt, dec := newFixture(srv.URL, backend.KindCloud, "")
	_, err := rt.Send(context.Background(), Request{Model: "m", Prompt: "p", SessionToken: "sess"})
	require.Error(t, err)
	assert.Equal(t, 1, dec.calls)
}

func TestSendMultimodalContentOrder(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	imgA, imgB := []byte{1, 2, 3}, []byte{4, 5}
	rt, _ := newFixture(srv.URL, backend.KindCustom, "")
	_, err := rt.Send(context.Background(), Request{Model: "m", Prompt: "describe", Images: [][]byte{imgA, imgB}})
	require.NoError(t, err)

	parts := gjson.GetBytes(gotBody, "messages.0.content").Array()
	require.Len(t, parts, 3)
	assert.Equal(t, "text", parts[0].Get("type").String())
	assert.Equal(t, "describe", parts[0].Get("text").String())
	assert.Equal(t, "image_url", parts[1].Get("type").String())
	assert.Equal(t, "data:image/png;base64,"+base64.StdEncoding.EncodeToString(imgA),
		parts[1].Get("image_url.url").String())
	assert.Equal(t, "data:image/png;base64,"+base64.StdEncoding.EncodeToString(imgB),
		parts[2].Get("image_url.url").String())
}

func TestSendMalformedBufferedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{}}]}`))
	}))
	defer srv.Close()

	rt, _ := newFixture(srv.URL, backend.KindCustom, "")
	_, err := rt.Send(context.Background(), Request{Model: "m", Prompt: "p"})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestSendStreamingAccumulatesAndForwardsChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, gjson.GetBytes(mustRead(r), "stream").Bool())
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var chunks []string
	rt, _ := newFixture(srv.URL, backend.KindCustom, "")
	text, err := rt.Send(context.Background(), Request{
		Model:   "m",
		Prompt:  "p",
		Stream:  true,
		OnChunk: func(c string) { chunks = append(chunks, c) },
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)
}

func TestSendStreamingSkipsMalformedFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n")
		fmt.Fprint(w, "data: {this is not json\n")
		fmt.Fprint(w, ": comment line\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{}}]}\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n")
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	var chunks []string
	rt, _ := newFixture(srv.URL, backend.KindCustom, "")
	text, err := rt.Send(context.Background(), Request{
		Model: "m", Prompt: "p", Stream: true,
		OnChunk: func(c string) { chunks = append(chunks, c) },
	})
	require.NoError(t, err)
	assert.Equal(t, "ab", text)
	assert.Equal(t, []string{"a", "b"}, chunks)
}

func TestSendQuotaExceededIsNeverGeneric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"detail":"slow down"}`))
	}))
	defer srv.Close()

	rt, _ := newFixture(srv.URL, backend.KindCustom, "")
	_, err := rt.Send(context.Background(), Request{Model: "m", Prompt: "p"})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	var be *BackendError
	assert.False(t, errors.As(err, &be))
}

func TestSendUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	rt, _ := newFixture(srv.URL, backend.KindCloud, "")
	_, err := rt.Send(context.Background(), Request{Model: "m", Prompt: "p", SessionToken: "expired"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSendBackendErrorDetailFromJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"unknown parameter"}`))
	}))
	defer srv.Close()

	rt, _ := newFixture(srv.URL, backend.KindCustom, "")
	_, err := rt.Send(context.Background(), Request{Model: "m", Prompt: "p"})
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusBadRequest, be.Status)
	assert.Equal(t, "unknown parameter", be.Detail)
}

func TestSendBackendErrorDetailTruncated(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write(long)
	}))
	defer srv.Close()

	rt, _ := newFixture(srv.URL, backend.KindCustom, "")
	_, err := rt.Send(context.Background(), Request{Model: "m", Prompt: "p"})
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Len(t, be.Detail, 200)
}

func TestSendTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	rt, _ := newFixture(srv.URL, backend.KindCustom, "")
	_, err := rt.Send(context.Background(), Request{Model: "m", Prompt: "p"})
	var ue *UnreachableError
	assert.ErrorAs(t, err, &ue)
}

func TestSendStreamCancellation(t *testing.T) {
	frames := make(chan string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl, _ := w.(http.Flusher)
		for f := range frames {
			fmt.Fprint(w, f)
			if fl != nil {
				fl.Flush()
			}
		}
	}))
	defer srv.Close()
	defer close(frames)

	ctx, cancel := context.WithCancel(context.Background())
	rt, _ := newFixture(srv.URL, backend.KindCustom, "")

	errCh := make(chan error, 1)
	go func() {
		_, err := rt.Send(ctx, Request{Model: "m", Prompt: "p", Stream: true})
		errCh <- err
	}()

	frames <- "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n"
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream aborted")
}

func mustRead(r *http.Request) []byte {
	b, _ := io.ReadAll(r.Body)
	return b
}
