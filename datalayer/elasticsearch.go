package datalayer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ahey/ash"

	"github.com/go-playground/validator"
	"github.com/olivere/elastic/v7"
)

// esDestroyRetries represents the number of attempts on server throttling.
const esDestroyRetries = 3

// ElasticsearchConfig represents the ElasticsearchDataLayer configurable
// fields model.
type ElasticsearchConfig struct {
	// ServerURL is the ES server URL with protocol and port. E.g. https://my.es.instance:9200.
	ServerURL string `validate:"required,url"`
	// IndexSuffixes (prefix -> suffix) suffix will be appended to all index names that have a
	// matching prefix, this can be useful for versioning (foo-a-1, foo-b-1, ... can be later
	// used as foo-*-1).
	IndexSuffixes map[string]string
	// TenantField is the document field tenant-scoped queries filter on. An
	// empty value disables tenant scoping.
	TenantField string
}

// NewElasticsearchDataLayer returns a new instance of the
// ElasticsearchDataLayer.
func NewElasticsearchDataLayer(cfg ElasticsearchConfig) (*ElasticsearchDataLayer, error) {
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("the passed ElasticsearchConfig is invalid: %v", err)
	}
	return &ElasticsearchDataLayer{Cfg: cfg}, nil
}

// ElasticsearchDataLayer represents a data layer that destroys documents in
// Elasticsearch. Resources map to indices and the resource primary key to the
// document id field. Elasticsearch has no transactions, so runs against it are
// limited to the unscoped transaction mode.
type ElasticsearchDataLayer struct {
	Cfg    ElasticsearchConfig
	client *elastic.Client
}

// Setup contains the data layer preparations like connection etc. Is called
// only once at the very beginning of the work with the data layer. As for the
// ElasticsearchDataLayer, it setups and pings the internal client.
func (d *ElasticsearchDataLayer) Setup(ctx context.Context) error {
	client, err := elastic.NewClient(elastic.SetURL(d.Cfg.ServerURL), elastic.SetSniff(false))
	if err != nil {
		return err
	}
	if _, _, err := client.Ping(d.Cfg.ServerURL).Do(ctx); err != nil {
		return err
	}
	d.client = client
	return nil
}

// Supports reports whether the data layer provides the given capability.
func (d *ElasticsearchDataLayer) Supports(capability ash.Capability) bool {
	switch capability {
	case ash.CapabilityDestroy,
		ash.CapabilityDestroyQuery,
		ash.CapabilityAsyncExecution:
		return true
	}
	return false
}

// Destroy removes the single changeset document, addressing it by the resource
// primary key value as the document id.
func (d *ElasticsearchDataLayer) Destroy(ctx context.Context, resource *ash.Resource, cs *ash.Changeset) error {
	id, ok := cs.Record[resource.PrimaryKey]
	if !ok {
		return fmt.Errorf("the record carries no %s primary key value", resource.PrimaryKey)
	}
	_, err := d.client.Delete().
		Index(d.indexWithSuffix(resource.Name)).
		Id(fmt.Sprintf("%v", id)).
		Do(ctx)
	if elastic.IsNotFound(err) {
		return fmt.Errorf("document %v does not exist in index %s", id, d.indexWithSuffix(resource.Name))
	}
	return err
}

// DestroyQuery removes all documents matching the query in a single
// delete-by-query call. The destroyed documents are fetched up front when opts
// requests them.
func (d *ElasticsearchDataLayer) DestroyQuery(ctx context.Context, query *ash.Query, cs *ash.Changeset, opts ash.DestroyQueryOptions) ([]ash.Record, error) {
	esQuery, err := d.compileQuery(query, opts.Tenant)
	if err != nil {
		return nil, err
	}
	index := d.indexWithSuffix(query.Resource.Name)
	var records []ash.Record
	if opts.ReturnRecords {
		records, err = d.fetch(ctx, index, esQuery, query.Limit)
		if err != nil {
			return nil, err
		}
	}
	deleteQuery := d.client.DeleteByQuery(index).Query(esQuery)
	if query.Limit > 0 {
		deleteQuery = deleteQuery.Size(query.Limit)
	}
	if _, err := d.doWithRetries(ctx, deleteQuery, esDestroyRetries, 1); err != nil {
		return nil, err
	}
	d.client.ClearCache(index).Do(ctx)
	return records, nil
}

// Transaction reports the missing transaction capability. Elasticsearch bulk
// operations are not transactional.
func (d *ElasticsearchDataLayer) Transaction(ctx context.Context, resources []string, timeout time.Duration, fn func(ctx context.Context) error) error {
	return ash.ErrCapabilityUnsupported
}

// fetch searches for the documents matching the query and maps each hit source
// to a record.
func (d *ElasticsearchDataLayer) fetch(ctx context.Context, index string, query elastic.Query, limit int) ([]ash.Record, error) {
	search := d.client.Search(index).Query(query)
	if limit > 0 {
		search = search.Size(limit)
	}
	result, err := search.Do(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]ash.Record, len(result.Hits.Hits))
	for i, hit := range result.Hits.Hits {
		record := ash.Record{}
		if err := json.Unmarshal(hit.Source, &record); err != nil {
			return nil, fmt.Errorf("failed to decode document %s source: %v", hit.Id, err)
		}
		records[i] = record
	}
	return records, nil
}

// doWithRetries executes the delete-by-query with taking care of possible
// throttling from the ES server side as pause and retry.
func (d *ElasticsearchDataLayer) doWithRetries(ctx context.Context, query *elastic.DeleteByQueryService, retries, try int) (*elastic.BulkIndexByScrollResponse, error) {
	response, err := query.Do(ctx)
	if err != nil && strings.Contains(err.Error(), "Error 429 (Too Many Requests)") {
		if try <= retries {
			select {
			case <-time.After(time.Minute):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return d.doWithRetries(ctx, query, retries, try+1)
		}
	}
	return response, err
}

// compileQuery compiles the declarative query into an ES bool query.
func (d *ElasticsearchDataLayer) compileQuery(query *ash.Query, tenant string) (elastic.Query, error) {
	boolQuery := elastic.NewBoolQuery()
	for _, filter := range query.Filters {
		if err := filter.Op.Valid(); err != nil {
			return nil, fmt.Errorf("invalid filter on %s: %v", filter.Field, err)
		}
		switch filter.Op {
		case ash.FilterOpEq:
			boolQuery.Filter(elastic.NewTermQuery(filter.Field, filter.Value))
		case ash.FilterOpNotEq:
			boolQuery.MustNot(elastic.NewTermQuery(filter.Field, filter.Value))
		case ash.FilterOpIn:
			boolQuery.Filter(elastic.NewTermsQuery(filter.Field, listValues(filter.Value)...))
		case ash.FilterOpLt:
			boolQuery.Filter(elastic.NewRangeQuery(filter.Field).Lt(filter.Value))
		case ash.FilterOpGt:
			boolQuery.Filter(elastic.NewRangeQuery(filter.Field).Gt(filter.Value))
		}
	}
	if tenant != "" {
		if d.Cfg.TenantField == "" {
			return nil, fmt.Errorf("the query is tenant-scoped but no TenantField is configured")
		}
		boolQuery.Filter(elastic.NewTermQuery(d.Cfg.TenantField, tenant))
	}
	return boolQuery, nil
}

// indexWithSuffix appends a suffix to the index based on the d.IndexSuffixes.
func (d *ElasticsearchDataLayer) indexWithSuffix(index string) string {
	if d.Cfg.IndexSuffixes == nil {
		return index
	}
	for prefix, suffix := range d.Cfg.IndexSuffixes {
		if strings.HasPrefix(index, prefix) {
			return index + suffix
		}
	}
	return index
}

// listValues normalizes an "in" filter value to the list of accepted values.
func listValues(value interface{}) []interface{} {
	if values, ok := value.([]interface{}); ok {
		return values
	}
	return []interface{}{value}
}
