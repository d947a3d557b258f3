package datalayer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ahey/ash"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	// gormReadBulkSize is a size of a single record-fetching query page.
	gormReadBulkSize = 1000
)

// GORMConfig represents the GORMDataLayer config structure.
type GORMConfig struct {
	Host     string           `validate:"required"`
	Database string           `validate:"required"`
	User     string           `validate:"required"`
	Password string           `validate:"required"`
	Port     string           `validate:"required"`
	Logger   logger.Interface `validate:"required"`
	// TenantColumn is the column tenant-scoped queries filter on. An empty
	// value disables tenant scoping.
	TenantColumn string
}

// txKey carries an open transaction through the context so that destroy calls
// made inside a transaction callback join it instead of the base connection.
type txKey struct{}

// GORMDataLayer provides the general SQL behaviour of ash data layers built on
// the gorm library: record and query destroys, context-carried transactions
// and store-agnostic query compilation. It relies on the resource primary key
// as the identifier for rows to be removed. Concrete drivers (see
// MySQLDataLayer) embed it and contribute connection setup.
type GORMDataLayer struct {
	Cfg    GORMConfig
	Client *gorm.DB
}

// Supports reports whether the data layer provides the given capability. SQL
// stores support every pipeline capability.
func (d *GORMDataLayer) Supports(capability ash.Capability) bool {
	switch capability {
	case ash.CapabilityDestroy,
		ash.CapabilityDestroyQuery,
		ash.CapabilityTransaction,
		ash.CapabilityAsyncExecution:
		return true
	}
	return false
}

// Destroy removes the single changeset record, addressing the row by the
// resource primary key.
func (d *GORMDataLayer) Destroy(ctx context.Context, resource *ash.Resource, cs *ash.Changeset) error {
	id, ok := cs.Record[resource.PrimaryKey]
	if !ok {
		return fmt.Errorf("the record carries no %s primary key value", resource.PrimaryKey)
	}
	db := d.session(ctx).Exec(fmt.Sprintf("DELETE FROM `%s` WHERE `%s` = ?", resource.Name, resource.PrimaryKey), id)
	if err := db.Error; err != nil {
		return fmt.Errorf("failed to destroy the record: %v", err)
	}
	if db.RowsAffected == 0 {
		return fmt.Errorf("not a single row has been affected by the query")
	}
	return nil
}

// DestroyQuery removes all records matching the query in a single statement.
// The destroyed records are fetched up front when opts requests them.
func (d *GORMDataLayer) DestroyQuery(ctx context.Context, query *ash.Query, cs *ash.Changeset, opts ash.DestroyQueryOptions) ([]ash.Record, error) {
	condition, vars, err := d.compileQuery(query, opts.Tenant)
	if err != nil {
		return nil, err
	}
	db := d.session(ctx)
	var records []ash.Record
	if opts.ReturnRecords {
		records, err = d.fetch(db, query.Resource.Name, condition, vars, query.Limit)
		if err != nil {
			return nil, err
		}
	}
	stmt := fmt.Sprintf("DELETE FROM `%s` WHERE %s", query.Resource.Name, condition)
	if query.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", query.Limit)
	}
	if err := db.Exec(stmt, vars...).Error; err != nil {
		return nil, fmt.Errorf("failed to destroy the query selection: %v", err)
	}
	return records, nil
}

// Transaction runs fn inside a database transaction. The transaction is
// carried through the callback context, so every Destroy and DestroyQuery call
// made within fn joins it. SQL transactions span the whole connection; the
// resources parameter is accepted for interface compatibility.
func (d *GORMDataLayer) Transaction(ctx context.Context, resources []string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return d.Client.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// Shutdown is called only once at the very end of the work with the data
// layer. It closes the initially opened db connection.
func (d *GORMDataLayer) Shutdown() {
	db, _ := d.Client.DB()
	if db != nil {
		db.Close()
	}
}

// session returns the db handle calls within the given context must use: the
// carried transaction if there is one, the base connection otherwise.
func (d *GORMDataLayer) session(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return d.Client.WithContext(ctx)
}

// fetch selects the records matching the condition, paging through the result
// set in gormReadBulkSize chunks.
func (d *GORMDataLayer) fetch(db *gorm.DB, table, condition string, vars []interface{}, limit int) ([]ash.Record, error) {
	records := []ash.Record{}
	var offset int
	for ; ; offset += gormReadBulkSize {
		q := db.Table(table).Offset(offset).Limit(gormReadBulkSize).Where(condition, vars...)
		if err := q.Error; err != nil {
			return nil, fmt.Errorf("failed to make query: %v", err)
		}
		rows, err := q.Rows()
		if err != nil {
			return nil, fmt.Errorf("failed to get query result rows: %v", err)
		}
		rowsCount := 0
		for rows.Next() {
			rowsCount++
			record, err := d.rowToRecord(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			records = append(records, record)
			if limit > 0 && len(records) == limit {
				rows.Close()
				return records, nil
			}
		}
		rows.Close()
		if rowsCount != gormReadBulkSize {
			break
		}
	}
	return records, nil
}

// rowToRecord reads the next row and writes the row data to the result record
// with keys as the fields names and values as the actual field values.
func (d *GORMDataLayer) rowToRecord(rows *sql.Rows) (ash.Record, error) {
	columnNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read row column names: %v", err)
	}
	columns := make([]interface{}, len(columnNames))
	columnPointers := make([]interface{}, len(columnNames))
	for i := range columns {
		columnPointers[i] = &columns[i]
	}
	if err := rows.Scan(columnPointers...); err != nil {
		return nil, fmt.Errorf("scan error: %v", err)
	}
	record := make(ash.Record, len(columnNames))
	for i, colName := range columnNames {
		val := columnPointers[i].(*interface{})
		record[colName] = *val
	}
	return record, nil
}

// compileQuery compiles the declarative query into an SQL condition and the
// corresponding variables. Query application explanation:
// DELETE FROM ${query.Resource.Name} WHERE ${condition}, ${vars}.
func (d *GORMDataLayer) compileQuery(query *ash.Query, tenant string) (string, []interface{}, error) {
	conditions := make([]string, 0, len(query.Filters)+1)
	vars := make([]interface{}, 0, len(query.Filters)+1)
	for _, filter := range query.Filters {
		if err := filter.Op.Valid(); err != nil {
			return "", nil, fmt.Errorf("invalid filter on %s: %v", filter.Field, err)
		}
		switch filter.Op {
		case ash.FilterOpEq:
			conditions = append(conditions, fmt.Sprintf("`%s` = ?", filter.Field))
		case ash.FilterOpNotEq:
			conditions = append(conditions, fmt.Sprintf("`%s` <> ?", filter.Field))
		case ash.FilterOpIn:
			conditions = append(conditions, fmt.Sprintf("`%s` IN ?", filter.Field))
		case ash.FilterOpLt:
			conditions = append(conditions, fmt.Sprintf("`%s` < ?", filter.Field))
		case ash.FilterOpGt:
			conditions = append(conditions, fmt.Sprintf("`%s` > ?", filter.Field))
		}
		vars = append(vars, filter.Value)
	}
	if tenant != "" {
		if d.Cfg.TenantColumn == "" {
			return "", nil, fmt.Errorf("the query is tenant-scoped but no TenantColumn is configured")
		}
		conditions = append(conditions, fmt.Sprintf("`%s` = ?", d.Cfg.TenantColumn))
		vars = append(vars, tenant)
	}
	if len(conditions) == 0 {
		return "", nil, fmt.Errorf("refusing to destroy an unfiltered selection of %s", query.Resource.Name)
	}
	return strings.Join(conditions, " AND "), vars, nil
}
