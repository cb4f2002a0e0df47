package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lodgedb/lodgedb/internal/engine"
	xerrors "github.com/lodgedb/lodgedb/internal/errors"
	"github.com/lodgedb/lodgedb/internal/index"
	"github.com/lodgedb/lodgedb/internal/observability"
	"github.com/lodgedb/lodgedb/internal/partition"
	"github.com/lodgedb/lodgedb/internal/query/executor"
	"github.com/lodgedb/lodgedb/internal/query/planner"
	"github.com/lodgedb/lodgedb/pkg/types"
)

// API exposes the engine over HTTP.
type API struct {
	engine *engine.Engine
}

func NewAPI(eng *engine.Engine) *API {
	return &API{engine: eng}
}

// Routes registers every endpoint on a fresh mux, wrapped in the default
// middleware chain.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /v1/tables", a.handleListTables)
	mux.HandleFunc("POST /v1/tables", a.handleCreateTable)
	mux.HandleFunc("POST /v1/tables/{table}/partitions", a.handleAttachPartitions)
	mux.HandleFunc("POST /v1/tables/{table}/rows", a.handleInsert)
	mux.HandleFunc("POST /v1/tables/{table}/rows/get", a.handleGet)
	mux.HandleFunc("POST /v1/tables/{table}/rows/update", a.handleUpdate)
	mux.HandleFunc("POST /v1/tables/{table}/rows/delete", a.handleDelete)
	mux.HandleFunc("POST /v1/tables/{table}/bulk", a.handleBulkLoad)
	mux.HandleFunc("POST /v1/tables/{table}/export", a.handleExport)
	mux.HandleFunc("POST /v1/tables/{table}/restore", a.handleRestore)
	mux.HandleFunc("POST /v1/tables/{table}/gc", a.handleGC)
	mux.HandleFunc("POST /v1/indexes", a.handleCreateIndex)
	mux.HandleFunc("DELETE /v1/indexes/{name}", a.handleDropIndex)
	mux.HandleFunc("POST /v1/query", a.handleQuery)
	mux.HandleFunc("POST /v1/explain", a.handleExplain)
	mux.HandleFunc("GET /v1/suggestions", a.handleSuggestions)

	return DefaultMiddleware()(mux)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleListTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Tables())
}

func (a *API) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	var tbl types.Table
	if err := json.NewDecoder(r.Body).Decode(&tbl); err != nil {
		writeBadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := a.engine.CreateTable(r.Context(), &tbl); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"table": tbl.Name})
}

// AttachPartitionsRequest declares a table's range layout.
type AttachPartitionsRequest struct {
	KeyColumn string            `json:"key_column"`
	Ranges    []partition.Range `json:"ranges"`
}

func (a *API) handleAttachPartitions(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	var req AttachPartitionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := a.engine.AttachPartitions(r.Context(), table, req.KeyColumn, req.Ranges); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"table":      table,
		"partitions": len(req.Ranges) + 1,
	})
}

// RowRequest carries one row as a column-to-value object.
type RowRequest struct {
	Row map[string]types.Value `json:"row"`
}

// rowFromMap orders the values of one row object by the table's columns.
func (a *API) rowFromMap(table string, values map[string]types.Value) (types.Row, error) {
	tbl, err := a.engine.Store().Table(table)
	if err != nil {
		return nil, err
	}
	row := make(types.Row, len(tbl.Columns))
	for i, col := range tbl.Columns {
		row[i] = values[col.Name]
	}
	return row, nil
}

func (a *API) handleInsert(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	var req RowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	row, err := a.rowFromMap(table, req.Row)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.engine.Insert(r.Context(), table, row); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "inserted"})
}

// KeyRequest addresses one row by primary key.
type KeyRequest struct {
	Key []types.Value `json:"key"`
}

// normalizeKey coerces JSON-decoded key values into the canonical dynamic
// types of the table's primary-key columns.
func (a *API) normalizeKey(table string, key []types.Value) ([]types.Value, error) {
	tbl, err := a.engine.Store().Table(table)
	if err != nil {
		return nil, err
	}
	if len(key) != len(tbl.PrimaryKey) {
		return nil, xerrors.Newf(xerrors.KindConstraintViolation, xerrors.CodeTypeMismatch,
			"table %q primary key has %d columns, key has %d", table, len(tbl.PrimaryKey), len(key))
	}
	out := make([]types.Value, len(key))
	for i, col := range tbl.PrimaryKey {
		ci := tbl.ColumnIndex(col)
		v, err := types.Normalize(tbl.Columns[ci].Type, key[i])
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindConstraintViolation, xerrors.CodeTypeMismatch,
				fmt.Sprintf("table %q key column %q", table, col), err)
		}
		out[i] = v
	}
	return out, nil
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	var req KeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	key, err := a.normalizeKey(table, req.Key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	row, err := a.engine.Get(r.Context(), table, key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"row": row})
}

// UpdateRequest patches one row by primary key.
type UpdateRequest struct {
	Key   []types.Value          `json:"key"`
	Patch map[string]types.Value `json:"patch"`
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	key, err := a.normalizeKey(table, req.Key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.engine.Update(r.Context(), table, key, req.Patch); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	var req KeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	key, err := a.normalizeKey(table, req.Key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.engine.Delete(r.Context(), table, key); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// BulkLoadRequest carries many rows as column-to-value objects.
type BulkLoadRequest struct {
	Rows []map[string]types.Value `json:"rows"`
}

func (a *API) handleBulkLoad(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	var req BulkLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	rows := make([]types.Row, 0, len(req.Rows))
	for _, m := range req.Rows {
		row, err := a.rowFromMap(table, m)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rows = append(rows, row)
	}
	loaded, err := a.engine.BulkLoad(r.Context(), table, rows)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"loaded": loaded})
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	recs, err := a.engine.ExportTable(r.Context(), r.PathValue("table"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"segments": recs})
}

func (a *API) handleRestore(w http.ResponseWriter, r *http.Request) {
	loaded, err := a.engine.RestoreTable(r.Context(), r.PathValue("table"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"loaded": loaded})
}

// GCRequest bounds segment garbage collection. TTLHours zero keeps the
// default retention.
type GCRequest struct {
	TTLHours int `json:"ttl_hours"`
}

func (a *API) handleGC(w http.ResponseWriter, r *http.Request) {
	var req GCRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}
	result, err := a.engine.CollectGarbage(r.Context(), r.PathValue("table"), time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	var def index.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeBadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := a.engine.CreateIndex(r.Context(), def); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"index": def.Name})
}

func (a *API) handleDropIndex(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.DropIndex(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
}

// QueryResponse carries a fully drained result.
type QueryResponse struct {
	Columns   []string       `json:"columns"`
	Rows      []types.Row    `json:"rows"`
	Stats     executor.Stats `json:"stats"`
	RequestID string         `json:"request_id"`
}

func (a *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q planner.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeBadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	result, err := a.engine.Query(r.Context(), &q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer result.Close()

	rows := []types.Row{}
	for {
		row, ok, err := result.Next(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !ok {
			break
		}
		rows = append(rows, row)
	}

	resp := QueryResponse{
		Columns:   result.Columns,
		Rows:      rows,
		Stats:     result.Stats(),
		RequestID: GetRequestID(r.Context()),
	}
	if resp.Columns == nil {
		resp.Columns = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleExplain(w http.ResponseWriter, r *http.Request) {
	var q planner.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeBadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	ex, err := a.engine.Explain(r.Context(), &q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plan": ex, "text": ex.Text()})
}

func (a *API) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestions := a.engine.SuggestIndexes(10, 5)
	if suggestions == nil {
		suggestions = []observability.IndexSuggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"suggestions": suggestions})
}
