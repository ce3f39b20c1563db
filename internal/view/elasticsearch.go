package view

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"example.com/backstage/services/registry/config"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// maxResults bounds Find and Distinct result sets
const maxResults = 10000

// indexMapping stores every string as keyword so term filters and terms
// aggregations work on device_id and ip_address
var indexMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"dynamic_templates": []interface{}{
			map[string]interface{}{
				"strings_as_keywords": map[string]interface{}{
					"match_mapping_type": "string",
					"mapping":            map[string]interface{}{"type": "keyword"},
				},
			},
		},
	},
}

// ElasticsearchStore keeps each collection in its own prefixed index
type ElasticsearchStore struct {
	client *elasticsearch.Client
	prefix string
	log    *logrus.Logger
}

// NewElasticsearchStore creates the client; it does not contact the cluster
func NewElasticsearchStore(cfg config.ElasticsearchConfig, log *logrus.Logger) (*ElasticsearchStore, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticsearchStore{client: client, prefix: cfg.Prefix, log: log}, nil
}

// FormatIndex adds the prefix to a collection name
func (s *ElasticsearchStore) FormatIndex(collection string) string {
	if s.prefix == "" {
		return collection
	}
	return s.prefix + "-" + collection
}

// EnsureIndices creates the index of every collection that does not exist yet
func (s *ElasticsearchStore) EnsureIndices(ctx context.Context) error {
	for _, collection := range Collections {
		index := s.FormatIndex(collection)

		res, err := esapi.IndicesExistsRequest{Index: []string{index}}.Do(ctx, s.client)
		if err != nil {
			return errors.Wrapf(err, "failed to check index %s", index)
		}
		res.Body.Close()
		if res.StatusCode == http.StatusOK {
			continue
		}

		body, _ := json.Marshal(indexMapping)
		res, err = esapi.IndicesCreateRequest{Index: index, Body: bytes.NewReader(body)}.Do(ctx, s.client)
		if err != nil {
			return errors.Wrapf(err, "failed to create index %s", index)
		}
		err = checkResponse(res, "index create")
		res.Body.Close()
		if err != nil {
			return err
		}

		s.log.WithField("index", index).Info("Created view index")
	}
	return nil
}

func (s *ElasticsearchStore) Insert(ctx context.Context, collection, id string, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal view document")
	}

	res, err := esapi.IndexRequest{
		Index:      s.FormatIndex(collection),
		DocumentID: id,
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}.Do(ctx, s.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	return checkResponse(res, "index")
}

func (s *ElasticsearchStore) UpdateOne(ctx context.Context, collection string, filter Filter, patch Document) (bool, error) {
	hits, err := s.search(ctx, collection, map[string]interface{}{
		"query":   buildQuery(filter),
		"size":    1,
		"_source": false,
	})
	if err != nil {
		return false, err
	}
	if len(hits) == 0 {
		return false, nil
	}

	body, err := json.Marshal(map[string]interface{}{"doc": patch})
	if err != nil {
		return false, errors.Wrap(err, "failed to marshal view patch")
	}

	res, err := esapi.UpdateRequest{
		Index:      s.FormatIndex(collection),
		DocumentID: hits[0].ID,
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}.Do(ctx, s.client)
	if err != nil {
		return false, errors.Wrap(err, "failed to execute Elasticsearch update request")
	}
	defer res.Body.Close()

	if err := checkResponse(res, "update"); err != nil {
		return false, err
	}
	return true, nil
}

func (s *ElasticsearchStore) DeleteMany(ctx context.Context, collection string, filter Filter) (int64, error) {
	body, err := json.Marshal(map[string]interface{}{"query": buildQuery(filter)})
	if err != nil {
		return 0, errors.Wrap(err, "failed to marshal delete query")
	}

	refresh, ignore := true, true
	res, err := esapi.DeleteByQueryRequest{
		Index:             []string{s.FormatIndex(collection)},
		Body:              bytes.NewReader(body),
		Refresh:           &refresh,
		IgnoreUnavailable: &ignore,
		Conflicts:         "proceed",
	}.Do(ctx, s.client)
	if err != nil {
		return 0, errors.Wrap(err, "failed to execute Elasticsearch delete by query request")
	}
	defer res.Body.Close()

	if err := checkResponse(res, "delete by query"); err != nil {
		return 0, err
	}

	var result struct {
		Deleted int64 `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return 0, errors.Wrap(err, "failed to parse Elasticsearch delete response")
	}
	return result.Deleted, nil
}

func (s *ElasticsearchStore) Distinct(ctx context.Context, collection, field string) ([]interface{}, error) {
	query := map[string]interface{}{
		"size": 0,
		"aggs": map[string]interface{}{
			"values": map[string]interface{}{
				"terms": map[string]interface{}{"field": field, "size": maxResults},
			},
		},
	}

	var result struct {
		Aggregations struct {
			Values struct {
				Buckets []struct {
					Key interface{} `json:"key"`
				} `json:"buckets"`
			} `json:"values"`
		} `json:"aggregations"`
	}
	if err := s.do(ctx, collection, query, &result); err != nil {
		return nil, err
	}

	values := make([]interface{}, 0, len(result.Aggregations.Values.Buckets))
	for _, b := range result.Aggregations.Values.Buckets {
		values = append(values, b.Key)
	}
	return values, nil
}

func (s *ElasticsearchStore) Find(ctx context.Context, collection string, filter Filter, fields []string) ([]Document, error) {
	query := map[string]interface{}{
		"query": buildQuery(filter),
		"size":  maxResults,
	}
	if len(fields) > 0 {
		query["_source"] = map[string]interface{}{"includes": fields}
	}

	hits, err := s.search(ctx, collection, query)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(hits))
	for _, hit := range hits {
		docs = append(docs, hit.Source)
	}
	return docs, nil
}

func (s *ElasticsearchStore) Ping(ctx context.Context) error {
	res, err := esapi.PingRequest{}.Do(ctx, s.client)
	if err != nil {
		return errors.Wrap(err, "failed to ping Elasticsearch")
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("Elasticsearch ping returned %s", res.Status())
	}
	return nil
}

type searchHit struct {
	ID     string   `json:"_id"`
	Source Document `json:"_source"`
}

func (s *ElasticsearchStore) search(ctx context.Context, collection string, query map[string]interface{}) ([]searchHit, error) {
	var result struct {
		Hits struct {
			Hits []searchHit `json:"hits"`
		} `json:"hits"`
	}
	if err := s.do(ctx, collection, query, &result); err != nil {
		return nil, err
	}
	return result.Hits.Hits, nil
}

// do runs a search request against the collection index and decodes the response into out
func (s *ElasticsearchStore) do(ctx context.Context, collection string, query map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(query)
	if err != nil {
		return errors.Wrap(err, "failed to marshal search query")
	}

	ignore := true
	res, err := esapi.SearchRequest{
		Index:             []string{s.FormatIndex(collection)},
		Body:              bytes.NewReader(body),
		IgnoreUnavailable: &ignore,
	}.Do(ctx, s.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if err := checkResponse(res, "search"); err != nil {
		return err
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to parse Elasticsearch search response")
	}
	return nil
}

func buildQuery(filter Filter) map[string]interface{} {
	if len(filter) == 0 {
		return map[string]interface{}{"match_all": map[string]interface{}{}}
	}

	terms := make([]interface{}, 0, len(filter))
	for field, value := range filter {
		terms = append(terms, map[string]interface{}{
			"term": map[string]interface{}{field: value},
		})
	}
	return map[string]interface{}{
		"bool": map[string]interface{}{"filter": terms},
	}
}

func checkResponse(res *esapi.Response, op string) error {
	if !res.IsError() {
		return nil
	}

	raw, _ := io.ReadAll(res.Body)
	var e map[string]interface{}
	if err := json.Unmarshal(raw, &e); err != nil {
		return errors.Errorf("Elasticsearch %s error: %s", op, res.Status())
	}
	return errors.Errorf("Elasticsearch %s error: %v", op, e)
}
