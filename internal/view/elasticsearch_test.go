package view

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"example.com/backstage/services/registry/config"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type esRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeCluster answers the client product check and replays canned responses by path
type fakeCluster struct {
	mu        sync.Mutex
	requests  []esRequest
	responses map[string]string
	missing   map[string]bool
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == "/" && r.Method == http.MethodGet {
		_, _ = io.WriteString(w, `{"version":{"number":"7.17.0","build_flavor":"default"},"tagline":"You Know, for Search"}`)
		return
	}

	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, esRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body)})
	missing := f.missing[r.URL.Path]
	resp, ok := f.responses[r.Method+" "+r.URL.Path]
	f.mu.Unlock()

	if r.Method == http.MethodHead {
		if missing {
			w.WriteHeader(http.StatusNotFound)
		}
		return
	}
	if !ok {
		resp = `{"result":"ok"}`
	}
	_, _ = io.WriteString(w, resp)
}

func (f *fakeCluster) Requests() []esRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]esRequest(nil), f.requests...)
}

func newFakeStore(t *testing.T, fake *fakeCluster) *ElasticsearchStore {
	t.Helper()

	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetOutput(io.Discard)

	store, err := NewElasticsearchStore(config.ElasticsearchConfig{URL: srv.URL, Prefix: "iot"}, log)
	require.NoError(t, err)
	return store
}

func TestElasticsearchEnsureIndicesCreatesMissing(t *testing.T) {
	fake := &fakeCluster{missing: map[string]bool{"/iot-feed-data": true}}
	store := newFakeStore(t, fake)

	require.NoError(t, store.EnsureIndices(context.Background()))

	var created []esRequest
	for _, r := range fake.Requests() {
		if r.Method == http.MethodPut {
			created = append(created, r)
		}
	}
	require.Len(t, created, 1)
	assert.Equal(t, "/iot-feed-data", created[0].Path)
	assert.Contains(t, created[0].Body, "strings_as_keywords")
}

func TestElasticsearchInsertUsesDocumentID(t *testing.T) {
	fake := &fakeCluster{}
	store := newFakeStore(t, fake)

	require.NoError(t, store.Insert(context.Background(), CollectionFeedData, "evt-1", Document{"device_id": "api_device_7"}))

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPut, reqs[0].Method)
	assert.Equal(t, "/iot-feed-data/_doc/evt-1", reqs[0].Path)
	assert.Contains(t, reqs[0].Query, "refresh=true")
	assert.JSONEq(t, `{"device_id":"api_device_7"}`, reqs[0].Body)
}

func TestElasticsearchUpdateOne(t *testing.T) {
	fake := &fakeCluster{responses: map[string]string{
		"POST /iot-devices/_search": `{"hits":{"hits":[{"_id":"d1","_source":{}}]}}`,
	}}
	store := newFakeStore(t, fake)

	ok, err := store.UpdateOne(context.Background(), CollectionDevices, Filter{"device_id": "d1"}, Document{"status": "off"})
	require.NoError(t, err)
	assert.True(t, ok)

	reqs := fake.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[0].Body, `"term":{"device_id":"d1"}`)
	assert.Equal(t, "/iot-devices/_update/d1", reqs[1].Path)
	assert.JSONEq(t, `{"doc":{"status":"off"}}`, reqs[1].Body)
}

func TestElasticsearchUpdateOneMiss(t *testing.T) {
	fake := &fakeCluster{responses: map[string]string{
		"POST /iot-devices/_search": `{"hits":{"hits":[]}}`,
	}}
	store := newFakeStore(t, fake)

	ok, err := store.UpdateOne(context.Background(), CollectionDevices, Filter{"device_id": "ghost"}, Document{"status": "off"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, fake.Requests(), 1)
}

func TestElasticsearchDeleteManyAndDistinct(t *testing.T) {
	fake := &fakeCluster{responses: map[string]string{
		"POST /iot-host-data/_delete_by_query": `{"deleted":3}`,
		"POST /iot-host-data/_search":          `{"aggregations":{"values":{"buckets":[{"key":"10.0.0.1","doc_count":2},{"key":"10.0.0.2","doc_count":1}]}}}`,
	}}
	store := newFakeStore(t, fake)
	ctx := context.Background()

	n, err := store.DeleteMany(ctx, CollectionHostData, Filter{"device_id": "h1"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	values, err := store.Distinct(ctx, CollectionHostData, "ip_address")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"10.0.0.1", "10.0.0.2"}, values)

	reqs := fake.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[0].Query, "ignore_unavailable=true")

	var agg map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(reqs[1].Body), &agg))
	assert.EqualValues(t, 0, agg["size"])
}

func TestElasticsearchFindProjects(t *testing.T) {
	fake := &fakeCluster{responses: map[string]string{
		"POST /iot-sensor-data/_search": `{"hits":{"hits":[{"_id":"e1","_source":{"temperature":21.5,"timestamp":"2024-01-01T00:00:00Z"}}]}}`,
	}}
	store := newFakeStore(t, fake)

	docs, err := store.Find(context.Background(), CollectionSensorData, Filter{"device_id": "s1"}, []string{"temperature", "timestamp"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 21.5, docs[0]["temperature"])

	reqs := fake.Requests()
	assert.True(t, strings.Contains(reqs[0].Body, `"includes":["temperature","timestamp"]`))
}

func TestElasticsearchErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		if r.URL.Path == "/" {
			_, _ = io.WriteString(w, `{"version":{"number":"7.17.0","build_flavor":"default"}}`)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"type":"mapper_parsing_exception"}}`)
	}))
	t.Cleanup(srv.Close)

	store, err := NewElasticsearchStore(config.ElasticsearchConfig{URL: srv.URL}, logrus.New())
	require.NoError(t, err)

	err = store.Insert(context.Background(), CollectionDevices, "d1", Document{"device_id": "d1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}
