// Package catalog reads Unity Catalog metadata over a warehouse connection and
// flattens it into the text summary used to ground the assistant.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/failure"
	"github.com/MK-Aravindan/dbx-sql-chat-assist/internal/observability"
)

// Querier is the statement surface the catalog needs from a connection.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Conn is a Querier whose ownership can be handed over.
type Conn interface {
	Querier
	Close() error
}

const columnsQuery = "SELECT column_name, data_type, comment FROM %s.information_schema.columns " +
	"WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position"

// ListSchemas returns the schemas of catalogName in warehouse order. The
// connection stays open; the caller still owns it.
func ListSchemas(ctx context.Context, catalogName string, conn Querier) ([]string, error) {
	if err := validateName("catalog", catalogName); err != nil {
		return nil, err
	}
	rows, err := queryRows(ctx, conn, "SHOW SCHEMAS IN "+quoteIdent(catalogName))
	if err != nil {
		return nil, failure.Wrap(failure.QueryFailure, fmt.Sprintf("list schemas in %s", catalogName), err)
	}
	schemas := make([]string, 0, len(rows.values))
	for _, row := range rows.values {
		schemas = append(schemas, stringValue(row[0]))
	}
	return schemas, nil
}

// Summarize walks every table and column of schemaNames and renders them as
// text, one "Schema:" block per schema in the order given.
//
// Summarize takes ownership of conn and closes it before returning, whether
// the walk succeeded or not. On error no partial summary is returned.
func Summarize(ctx context.Context, catalogName string, schemaNames []string, conn Conn) (string, error) {
	defer func() { _ = conn.Close() }()

	start := time.Now()
	text, stats, err := summarize(ctx, catalogName, schemaNames, conn)
	observability.ObserveSummary(stats.tables, stats.columns, time.Since(start), err)
	if err != nil {
		return "", err
	}
	return text, nil
}

type summaryStats struct {
	tables  int
	columns int
}

func summarize(ctx context.Context, catalogName string, schemaNames []string, conn Querier) (string, summaryStats, error) {
	var stats summaryStats
	if err := validateName("catalog", catalogName); err != nil {
		return "", stats, err
	}
	for _, schema := range schemaNames {
		if err := validateName("schema", schema); err != nil {
			return "", stats, err
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Schemas and tables in catalog: %s\n", catalogName)
	for _, schema := range schemaNames {
		fmt.Fprintf(&b, "\nSchema: %s\n", schema)

		tables, err := listTables(ctx, conn, catalogName, schema)
		if err != nil {
			return "", stats, err
		}
		for _, table := range tables {
			fmt.Fprintf(&b, "  Table: %s\n", table)
			columns, err := listColumns(ctx, conn, catalogName, schema, table)
			if err != nil {
				return "", stats, err
			}
			for _, col := range columns {
				fmt.Fprintf(&b, "    - %s (%s) — %s\n", col.name, col.dataType, col.comment)
			}
			stats.tables++
			stats.columns += len(columns)
		}
	}
	return b.String(), stats, nil
}

func listTables(ctx context.Context, conn Querier, catalogName, schema string) ([]string, error) {
	rows, err := queryRows(ctx, conn, "SHOW TABLES IN "+quoteIdent(catalogName)+"."+quoteIdent(schema))
	if err != nil {
		return nil, failure.Wrap(failure.QueryFailure, fmt.Sprintf("list tables in %s.%s", catalogName, schema), err)
	}
	index := rows.columnIndex("tableName")
	if index < 0 {
		// SHOW TABLES yields (database, tableName, isTemporary).
		index = 0
		if len(rows.columns) > 1 {
			index = 1
		}
	}
	tables := make([]string, 0, len(rows.values))
	for _, row := range rows.values {
		tables = append(tables, stringValue(row[index]))
	}
	return tables, nil
}

type column struct {
	name     string
	dataType string
	comment  string
}

func listColumns(ctx context.Context, conn Querier, catalogName, schema, table string) ([]column, error) {
	query := fmt.Sprintf(columnsQuery, quoteIdent(catalogName))
	rows, err := conn.QueryContext(ctx, query, schema, table)
	if err != nil {
		return nil, failure.Wrap(failure.QueryFailure, fmt.Sprintf("describe %s.%s.%s", catalogName, schema, table), err)
	}
	defer func() { _ = rows.Close() }()

	var columns []column
	for rows.Next() {
		var name, dataType, comment sql.NullString
		if err := rows.Scan(&name, &dataType, &comment); err != nil {
			return nil, failure.Wrap(failure.QueryFailure, "scan column row", err)
		}
		columns = append(columns, column{name: name.String, dataType: dataType.String, comment: comment.String})
	}
	if err := rows.Err(); err != nil {
		return nil, failure.Wrap(failure.QueryFailure, fmt.Sprintf("describe %s.%s.%s", catalogName, schema, table), err)
	}
	return columns, nil
}

type resultSet struct {
	columns []string
	values  [][]any
}

func (r resultSet) columnIndex(name string) int {
	for i, candidate := range r.columns {
		if strings.EqualFold(candidate, name) {
			return i
		}
	}
	return -1
}

func queryRows(ctx context.Context, conn Querier, query string) (resultSet, error) {
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return resultSet{}, err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return resultSet{}, fmt.Errorf("read columns: %w", err)
	}
	if len(columns) == 0 {
		return resultSet{}, fmt.Errorf("statement returned no columns")
	}
	result := resultSet{columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return resultSet{}, fmt.Errorf("scan row: %w", err)
		}
		result.values = append(result.values, values)
	}
	if err := rows.Err(); err != nil {
		return resultSet{}, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

func stringValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case []byte:
		return string(typed)
	default:
		return fmt.Sprint(typed)
	}
}

// quoteIdent renders name as a backquoted identifier. SHOW statements take
// no parameters, so names go into the statement text with backticks doubled.
func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// validateName refuses blank catalog and schema names before any statement
// is built. Table names come from the warehouse listing and are used as is.
func validateName(kind, name string) error {
	if strings.TrimSpace(name) == "" {
		return failure.New(failure.QueryFailure, fmt.Sprintf("%s name is required", kind))
	}
	return nil
}
