// Package relsource implements the relational/association-aware source
// described in spec §3.4 and §4.4: a source whose batch key selects either
// a declared association on an item's schema, or a schema query with
// explicit cardinality and column, and whose run executes a single bulk
// query (or preload) per batch key via a caller-supplied repo handle.
//
// The relational store itself — queryable construction, association
// introspection, row fetching — is an external collaborator per spec §1;
// this package only specifies the Repo/Schema/Queryable/Record contracts it
// consumes, grounded the same way the teacher's executor.Runtime names the
// surface it needs from a host rather than implementing one.
package relsource

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/hanpama/loadcore/internal/asyncrun"
	eventbus "github.com/hanpama/loadcore/internal/eventbus"
	events "github.com/hanpama/loadcore/internal/events"
	"github.com/hanpama/loadcore/internal/loaderr"
	"github.com/hanpama/loadcore/internal/runid"
	"github.com/hanpama/loadcore/internal/source"
)

// Cardinality selects whether a schema query expects a single record or a
// list (spec §3.4, glossary).
type Cardinality int

const (
	// CardinalityOne expects at most one matching row.
	CardinalityOne Cardinality = iota
	// CardinalityMany expects a list of matching rows.
	CardinalityMany
)

func (c Cardinality) String() string {
	if c == CardinalityMany {
		return "many"
	}
	return "one"
}

// Schema describes a target entity: its name, primary key column, column
// types (for input coercion), and declared associations. A concrete
// implementation typically wraps an ORM/struct-tag-derived model.
type Schema interface {
	Name() string
	PrimaryKey() string
	// ColumnType returns the Go type the column's values should be coerced
	// to before dispatch, if the schema declares one.
	ColumnType(column string) (reflect.Type, bool)
	Association(field string) (Association, bool)
}

// Association describes a declared has-one/has-many/many-to-many
// relationship on a schema.
type Association struct {
	Field       string
	Target      Schema
	Cardinality Cardinality
	// Through names a chain of intermediate association fields for
	// `has_many … through …` (spec §4.4 step 2). Empty for a direct
	// association. The last link may be a many-to-many junction, in which
	// case JoinWhere filters the junction row.
	Through   []string
	Where     map[string]any
	JoinWhere map[string]any
}

// Queryable is a shaped query bound to a Schema, with an optional
// limit/offset that selects the lateral execution strategy (spec §4.4 step
// 2).
type Queryable interface {
	Schema() Schema
	Limit() (int, bool)
	Offset() (int, bool)
}

// Record is a fetched row or parent record.
type Record interface {
	SchemaName() string
	Get(column string) (any, bool)
}

// Repo is the relational store handle: an external collaborator (spec §1)
// whose consumed contract only is specified here.
type Repo interface {
	// NewQueryable returns the default (unfiltered) queryable for schema,
	// the starting point passed to QueryFunc.
	NewQueryable(schema Schema) Queryable

	// RunQuery runs `WHERE column IN (inputs)` against q and returns, for
	// each input in the same order, the list of matching rows.
	RunQuery(ctx context.Context, q Queryable, column string, inputs []any, repoOpts any) ([][]Record, error)

	// RunLateralQuery is RunQuery's per-input subquery variant, used when q
	// declares a limit/offset so those apply per input (spec §4.4 step 2).
	RunLateralQuery(ctx context.Context, q Queryable, column string, inputs []any, repoOpts any) ([][]Record, error)

	// Preload attaches assoc onto each parent via a single batched query,
	// returning one row list per parent in the same order as parents.
	Preload(ctx context.Context, assoc Association, q Queryable, parents []Record, repoOpts any) ([][]Record, error)

	// PreloadLateral is Preload's per-parent limit/offset variant.
	PreloadLateral(ctx context.Context, assoc Association, q Queryable, parents []Record, repoOpts any) ([][]Record, error)

	// PreloadThrough preloads a `has_many … through …` chain, joining each
	// link in order (many-to-many links join through the junction entity).
	PreloadThrough(ctx context.Context, chain []Association, q Queryable, parents []Record, repoOpts any) ([][]Record, error)

	// ToQueryable converts an association's target into the store's query
	// representation, for QueryFunc to shape.
	ToQueryable(assoc Association) Queryable
}

// QueryFunc shapes the default queryable before dispatch (spec §3.4).
// Implementations MUST be pure with respect to loader state (spec §6).
type QueryFunc func(q Queryable, params map[string]any) Queryable

// RunBatchFunc overrides the default row loader for schema queries (spec
// §3.4). Implementations MUST be pure with respect to loader state.
type RunBatchFunc func(ctx context.Context, q Queryable, query Queryable, column string, inputs []any, repoOpts any) ([][]Record, error)

// ColumnValue is an explicit (column, value) item key pair (spec §4.4
// "Item key normalization"). Value must be a comparable Go value.
type ColumnValue struct {
	Column string
	Value  any
}

// ByAssociation selects an association batch key (spec §4.4 shape 1).
type ByAssociation struct {
	Field  string
	Params map[string]any
}

// BySchema selects a schema-query or schema-shorthand batch key (spec §4.4
// shapes 2 and 3). Leave Column empty to use the schema's primary key;
// leave HasCardinality false to use the shorthand form (cardinality
// inferred as "one", valid only when the resolved column is the primary
// key).
type BySchema struct {
	Schema         Schema
	Column         string
	Cardinality    Cardinality
	HasCardinality bool
	Params         map[string]any
}

// notLoaded is the sentinel value a caller passes to Put to represent "this
// association was never resolved"; Put rejects it as a no-op (spec §4.4
// "Cache-warming rejection").
type notLoaded struct{}

// NotLoaded is the sentinel association-not-loaded value.
var NotLoaded = notLoaded{}

// batchKey is the normalized, comparable batch key used internally (spec
// §4.4 "Derive an internal key"). Params are canonicalized into Canon so
// the struct stays comparable and usable as a map key.
type batchKey struct {
	isAssociation bool
	schemaName    string
	field         string // association field
	cardinality   Cardinality
	column        string // schema-query column
	canon         string // canonicalized params, for dedup/map-keying
}

type batchMeta struct {
	raw    any // ByAssociation or BySchema, for query_fn/repo dispatch
	params map[string]any
}

func canonParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, params[k])
	}
	return b.String()
}

// Option configures a Source at construction time.
type Option func(*Source)

func WithTimeout(d time.Duration) Option {
	return func(s *Source) { s.timeout = d; s.hasTimeout = d > 0 }
}

func WithMaxConcurrency(n int) Option {
	return func(s *Source) { s.maxConcurrency = n }
}

// WithAsync sets whether the loader may run this source in parallel with
// others. Defaults to false: relational sources commonly need to preserve
// store-side transactional/connection affinity (spec §5).
func WithAsync(async bool) Option {
	return func(s *Source) { s.async = async }
}

func WithQueryFunc(fn QueryFunc) Option {
	return func(s *Source) { s.queryFn = fn }
}

func WithRunBatchFunc(fn RunBatchFunc) Option {
	return func(s *Source) { s.runBatchFn = fn }
}

func WithDefaultParams(params map[string]any) Option {
	return func(s *Source) { s.defaultParams = params }
}

// WithSelfCtx stores an opaque execution-context token (e.g. connection
// pinning) on the source. The token is not part of the batch key and is
// not passed to the Repo.
func WithSelfCtx(ctx any) Option {
	return func(s *Source) { s.selfCtx = ctx }
}

// WithRepoOpts sets the opaque store options passed to every Repo call.
func WithRepoOpts(opts any) Option {
	return func(s *Source) { s.repoOpts = opts }
}

// Source is the relational reference source (spec §3.4). Like kvsource,
// every mutating method returns a new *Source value.
type Source struct {
	repo Repo

	queryFn    QueryFunc
	runBatchFn RunBatchFunc

	defaultParams map[string]any
	selfCtx       any
	repoOpts      any

	batches map[batchKey]map[any]struct{}
	meta    map[batchKey]batchMeta
	results map[batchKey]map[any]source.Outcome

	// parentIndex recovers the parent Record for an association batch's
	// primary-key item keys at Run time (spec §4.4 "For associations, the
	// item is the full parent record; the extracted key is the list of
	// primary-key fields").
	parentIndex map[batchKey]map[any]Record

	timeout        time.Duration
	hasTimeout     bool
	maxConcurrency int
	async          bool
}

// New creates a relational Source backed by repo.
func New(repo Repo, opts ...Option) *Source {
	s := &Source{
		repo:           repo,
		queryFn:        func(q Queryable, _ map[string]any) Queryable { return q },
		batches:        map[batchKey]map[any]struct{}{},
		meta:           map[batchKey]batchMeta{},
		results:        map[batchKey]map[any]source.Outcome{},
		parentIndex:    map[batchKey]map[any]Record{},
		maxConcurrency: 2 * runtime.GOMAXPROCS(0),
		async:          false,
	}
	s.runBatchFn = s.defaultRunBatch
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) clone() *Source {
	return &Source{
		repo:           s.repo,
		queryFn:        s.queryFn,
		runBatchFn:     s.runBatchFn,
		defaultParams:  s.defaultParams,
		selfCtx:        s.selfCtx,
		repoOpts:       s.repoOpts,
		batches:        s.batches,
		meta:           s.meta,
		results:        s.results,
		parentIndex:    s.parentIndex,
		timeout:        s.timeout,
		hasTimeout:     s.hasTimeout,
		maxConcurrency: s.maxConcurrency,
		async:          s.async,
	}
}

func mergeParams(params, defaults map[string]any) map[string]any {
	if len(defaults) == 0 {
		return params
	}
	merged := make(map[string]any, len(params)+len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}

// normalize implements the batch-key and item-key normalization in spec
// §4.4. It panics-free validates misuse (unknown association, non-primary
// key column without explicit cardinality, non-record association item) by
// returning a *loaderr.Error of KindMisuse.
func (s *Source) normalize(rawBatch, rawItem any) (batchKey, batchMeta, any, error) {
	switch b := rawBatch.(type) {
	case ByAssociation:
		rec, ok := rawItem.(Record)
		if !ok {
			return batchKey{}, batchMeta{}, nil, loaderr.MisuseError("relsource: association batch key requires a Record item, got a non-record value")
		}
		sch, ok := s.schemaFor(rec)
		if !ok {
			return batchKey{}, batchMeta{}, nil, loaderr.MisuseError(fmt.Sprintf("relsource: unknown schema %q for association lookup", rec.SchemaName()))
		}
		assoc, ok := sch.Association(b.Field)
		if !ok {
			return batchKey{}, batchMeta{}, nil, loaderr.MisuseError(fmt.Sprintf("relsource: %q has no association %q", sch.Name(), b.Field))
		}
		params := mergeParams(b.Params, s.defaultParams)
		key := batchKey{
			isAssociation: true,
			schemaName:    rec.SchemaName(),
			field:         b.Field,
			cardinality:   assoc.Cardinality,
			canon:         canonParams(params),
		}
		itemKey, err := primaryKeyValue(rec, sch)
		if err != nil {
			return batchKey{}, batchMeta{}, nil, err
		}
		return key, batchMeta{raw: b, params: params}, itemKey, nil

	case BySchema:
		if b.Schema == nil {
			return batchKey{}, batchMeta{}, nil, loaderr.MisuseError("relsource: schema batch key requires a non-nil Schema")
		}
		column := b.Column
		if column == "" {
			column = b.Schema.PrimaryKey()
		}
		cardinality := CardinalityOne
		hasCardinality := b.HasCardinality
		if hasCardinality {
			cardinality = b.Cardinality
		}
		isPrimary := column == b.Schema.PrimaryKey()
		if !isPrimary && !hasCardinality {
			return batchKey{}, batchMeta{}, nil, loaderr.MisuseError(fmt.Sprintf(
				"relsource: column %q on schema %q is not the primary key; an explicit cardinality is required", column, b.Schema.Name()))
		}

		itemColumn, itemValue, err := normalizeItemKey(rawItem, b.Schema, column)
		if err != nil {
			return batchKey{}, batchMeta{}, nil, err
		}
		if itemColumn != column {
			return batchKey{}, batchMeta{}, nil, loaderr.MisuseError(fmt.Sprintf(
				"relsource: item key column %q does not match batch key column %q", itemColumn, column))
		}

		coerced, err := coerce(b.Schema, column, itemValue)
		if err != nil {
			return batchKey{}, batchMeta{}, nil, err
		}

		params := mergeParams(b.Params, s.defaultParams)
		key := batchKey{
			schemaName:  b.Schema.Name(),
			cardinality: cardinality,
			column:      column,
			canon:       canonParams(params),
		}
		return key, batchMeta{raw: BySchema{Schema: b.Schema, Column: column, Cardinality: cardinality, HasCardinality: true, Params: b.Params}, params: params}, coerced, nil

	default:
		return batchKey{}, batchMeta{}, nil, loaderr.MisuseError(fmt.Sprintf("relsource: unrecognized batch key shape %T", rawBatch))
	}
}

// schemaFor resolves a record's schema. There is no registry of schemas
// (the store owns that per spec §1), so only a rec that implements
// SchemaRecord can be resolved; any other Record reports false.
func (s *Source) schemaFor(rec Record) (Schema, bool) {
	if sr, ok := rec.(SchemaRecord); ok {
		return sr.Schema(), true
	}
	return nil, false
}

// SchemaRecord is implemented by Record values that can report their own
// Schema directly, avoiding the need for an out-of-band schema registry.
type SchemaRecord interface {
	Record
	Schema() Schema
}

func primaryKeyValue(rec Record, sch Schema) (any, error) {
	v, ok := rec.Get(sch.PrimaryKey())
	if !ok {
		return nil, loaderr.MisuseError(fmt.Sprintf("relsource: record of schema %q is missing its primary key %q", sch.Name(), sch.PrimaryKey()))
	}
	return v, nil
}

// normalizeItemKey implements spec §4.4 "Item key normalization" for
// schema-query batch keys: a bare primitive resolves against column
// (typically the primary key); a ColumnValue pair is used as-is.
func normalizeItemKey(rawItem any, sch Schema, defaultColumn string) (string, any, error) {
	switch v := rawItem.(type) {
	case ColumnValue:
		return v.Column, v.Value, nil
	default:
		return defaultColumn, rawItem, nil
	}
}

// coerce converts value through the schema's declared Go type for column,
// if any. A failed coercion is returned as a misuse error for that item
// key, so the loader's Validate pre-flight rejects it at the call site and
// it is never queued; the other keys of the batch are unaffected.
func coerce(sch Schema, column string, value any) (any, error) {
	typ, ok := sch.ColumnType(column)
	if !ok {
		return value, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Type() == typ {
		return value, nil
	}
	if !rv.Type().ConvertibleTo(typ) {
		return nil, loaderr.MisuseError(fmt.Sprintf("relsource: cannot coerce %v (%T) to %s for column %q", value, value, typ, column))
	}
	return rv.Convert(typ).Interface(), nil
}

// Validate implements source.Source: rawBatch must be a ByAssociation or
// BySchema value; this reports the same misuse a malformed shape would
// hit in Load/Put, so the loader can fail at the call site (spec §7 kind
// "misuse").
func (s *Source) Validate(rawBatch, rawItem any) error {
	_, _, _, err := s.normalize(rawBatch, rawItem)
	return err
}

// Load implements source.Source. The loader calls Validate before Load, so
// a normalize failure reaching here is treated as a no-op rather than a
// panic.
func (s *Source) Load(rawBatch, rawItem any) source.Source {
	key, meta, itemKey, err := s.normalize(rawBatch, rawItem)
	if err != nil {
		return s
	}

	if items, ok := s.results[key]; ok {
		if oc, ok := items[itemKey]; ok && oc.OK {
			return s
		}
	}

	next := s.clone()
	next.batches = cloneBatchSetMap(s.batches)
	next.meta = cloneMetaMap(s.meta)
	next.meta[key] = meta
	set, ok := next.batches[key]
	if !ok {
		set = map[any]struct{}{}
	} else {
		set = cloneItemSet(set)
	}
	set[itemKey] = struct{}{}
	next.batches[key] = set

	if key.isAssociation {
		if rec, ok := rawItem.(Record); ok {
			next.parentIndex = clonePendingParentMap(s.parentIndex)
			bucket, ok := next.parentIndex[key]
			if !ok {
				bucket = map[any]Record{}
			} else {
				bucket = cloneParentBucket(bucket)
			}
			bucket[itemKey] = rec
			next.parentIndex[key] = bucket
		}
	}
	return next
}

// Put implements source.Source. A value equal to NotLoaded is rejected as
// a no-op (spec §4.4 "Cache-warming rejection").
func (s *Source) Put(rawBatch, rawItem any, value any) source.Source {
	if _, rejected := value.(notLoaded); rejected {
		return s
	}
	key, meta, itemKey, err := s.normalize(rawBatch, rawItem)
	if err != nil {
		return s
	}
	next := s.clone()
	next.meta = cloneMetaMap(s.meta)
	next.meta[key] = meta
	next.results = cloneResultMap(s.results)
	items, ok := next.results[key]
	if !ok {
		items = map[any]source.Outcome{}
	} else {
		items = cloneOutcomeMap(items)
	}
	items[itemKey] = source.Success(value)
	next.results[key] = items
	return next
}

// Fetch implements source.Source.
func (s *Source) Fetch(rawBatch, rawItem any) source.Outcome {
	key, _, itemKey, err := s.normalize(rawBatch, rawItem)
	if err != nil {
		return source.Failure(err)
	}
	items, ok := s.results[key]
	if !ok {
		return source.Failure(loaderr.UnknownBatch(rawBatch))
	}
	oc, ok := items[itemKey]
	if !ok {
		return source.Failure(loaderr.UnknownItem(rawBatch, rawItem))
	}
	return oc
}

// PendingBatches implements source.Source.
func (s *Source) PendingBatches() bool {
	for _, set := range s.batches {
		if len(set) > 0 {
			return true
		}
	}
	return false
}

func (s *Source) Timeout() (time.Duration, bool) { return s.timeout, s.hasTimeout }
func (s *Source) Async() bool                    { return s.async }

// Run implements source.Source: for each pending batch key it builds the
// shaped query, dispatches the schema-query or association loader
// strategy, maps cardinality, and assembles the input->row mapping (spec
// §4.4 "run algorithm").
func (s *Source) Run(ctx context.Context) source.Source {
	if !s.PendingBatches() {
		return s
	}
	runID, _ := runid.FromContext(ctx)
	name, _ := source.NameFromContext(ctx)

	type plan struct {
		key    batchKey
		meta   batchMeta
		inputs []any
	}
	var plans []plan
	for key, set := range s.batches {
		inputs := make([]any, 0, len(set))
		for item := range set {
			inputs = append(inputs, item)
		}
		plans = append(plans, plan{key: key, meta: s.meta[key], inputs: inputs})
	}

	units := make([]asyncrun.Unit, len(plans))
	for i, p := range plans {
		p := p
		units[i] = asyncrun.Unit{
			Label:   "relsource.batch",
			Timeout: s.timeout,
			Fn: func(ctx context.Context) (any, error) {
				eventbus.Publish(ctx, events.BatchRunStart{RunID: runID, SystemTime: time.Now(), Source: name, BatchKey: p.meta.raw, ItemCount: len(p.inputs)})
				start := time.Now()
				outcomes, err := s.runOneBatch(ctx, p.key, p.meta, p.inputs)
				eventbus.Publish(ctx, events.BatchRunStop{RunID: runID, Source: name, BatchKey: p.meta.raw, Duration: time.Since(start), Err: err})
				return outcomes, err
			},
		}
	}

	results := asyncrun.RunWithOptions(ctx, units, asyncrun.Options{MaxConcurrency: s.maxConcurrency})

	next := s.clone()
	next.results = cloneResultMap(s.results)
	next.batches = map[batchKey]map[any]struct{}{}

	for i, p := range plans {
		r := results[i]
		items, ok := next.results[p.key]
		if !ok {
			items = map[any]source.Outcome{}
		} else {
			items = cloneOutcomeMap(items)
		}
		next.results[p.key] = items

		if r.Err != nil {
			batchErr := classifyRunErr(r.Err)
			for _, input := range p.inputs {
				items[input] = source.Failure(batchErr)
			}
			continue
		}
		outcomes, _ := r.Value.(map[any]source.Outcome)
		for _, input := range p.inputs {
			oc, present := outcomes[input]
			if !present {
				items[input] = source.Failure(loaderr.BatchFailure(loaderr.UnknownItem(p.key, input)))
				continue
			}
			items[input] = oc
		}
	}

	return next
}

// runOneBatch executes the query/preload strategy for one batch key and
// returns a per-input outcome mapping.
func (s *Source) runOneBatch(ctx context.Context, key batchKey, meta batchMeta, inputs []any) (map[any]source.Outcome, error) {
	if key.isAssociation {
		return s.runAssociationBatch(ctx, key, meta, inputs)
	}
	return s.runSchemaBatch(ctx, key, meta, inputs)
}

func (s *Source) runSchemaBatch(ctx context.Context, key batchKey, meta batchMeta, inputs []any) (map[any]source.Outcome, error) {
	b, _ := meta.raw.(BySchema)
	base := s.repo.NewQueryable(b.Schema)
	query := s.queryFn(base, meta.params)

	rows, err := s.runBatchFn(ctx, base, query, key.column, inputs, s.repoOpts)
	if err != nil {
		return nil, err
	}
	if len(rows) != len(inputs) {
		return nil, fmt.Errorf("relsource: run_batch_fn returned %d result lists for %d inputs", len(rows), len(inputs))
	}

	out := make(map[any]source.Outcome, len(inputs))
	for i, input := range inputs {
		mapped, err := mapCardinality(key.cardinality, key.column, input, rows[i])
		if err != nil {
			out[input] = source.Failure(err)
			continue
		}
		out[input] = source.Success(mapped)
	}
	return out, nil
}

// defaultRunBatch is the Source's default RunBatchFunc: `WHERE column IN
// (inputs)` unless the query declares limit/offset, in which case it uses
// the per-input lateral variant (spec §4.4 step 2a).
func (s *Source) defaultRunBatch(ctx context.Context, q Queryable, query Queryable, column string, inputs []any, repoOpts any) ([][]Record, error) {
	_, hasLimit := query.Limit()
	_, hasOffset := query.Offset()
	if hasLimit || hasOffset {
		return s.repo.RunLateralQuery(ctx, query, column, inputs, repoOpts)
	}
	return s.repo.RunQuery(ctx, query, column, inputs, repoOpts)
}

func (s *Source) runAssociationBatch(ctx context.Context, key batchKey, meta batchMeta, inputs []any) (map[any]source.Outcome, error) {
	b, _ := meta.raw.(ByAssociation)

	// Re-resolve the association + parent records from the loaded items:
	// inputs here are primary-key values, but Preload needs the parent
	// Record values themselves, which were supplied at Load time. We keep
	// a side index of pk -> Record captured alongside the batch to avoid
	// re-deriving it; see parentsFor and Source.parentIndex.
	parents := s.parentsFor(key, inputs)
	if len(parents) != len(inputs) {
		return nil, loaderr.MisuseError("relsource: missing parent records for association batch")
	}
	assocOwner, ok := s.schemaFor(parents[0])
	if !ok {
		return nil, loaderr.MisuseError(fmt.Sprintf("relsource: cannot resolve schema for association %q", b.Field))
	}
	assoc, ok := assocOwner.Association(b.Field)
	if !ok {
		return nil, loaderr.MisuseError(fmt.Sprintf("relsource: %q has no association %q", assocOwner.Name(), b.Field))
	}

	base := s.repo.ToQueryable(assoc)
	query := s.queryFn(base, meta.params)
	_, hasLimit := query.Limit()
	_, hasOffset := query.Offset()
	lateral := hasLimit || hasOffset

	var rows [][]Record
	var err error
	switch {
	case len(assoc.Through) > 0:
		chain := make([]Association, 0, len(assoc.Through)+1)
		owner := assocOwner
		for _, field := range assoc.Through {
			link, ok := owner.Association(field)
			if !ok {
				return nil, loaderr.MisuseError(fmt.Sprintf("relsource: %q has no through-association %q", owner.Name(), field))
			}
			chain = append(chain, link)
			owner = link.Target
		}
		chain = append(chain, assoc)
		rows, err = s.repo.PreloadThrough(ctx, chain, query, parents, s.repoOpts)
	case lateral:
		rows, err = s.repo.PreloadLateral(ctx, assoc, query, parents, s.repoOpts)
	default:
		rows, err = s.repo.Preload(ctx, assoc, query, parents, s.repoOpts)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) != len(inputs) {
		return nil, fmt.Errorf("relsource: preload returned %d result lists for %d parents", len(rows), len(inputs))
	}

	out := make(map[any]source.Outcome, len(inputs))
	for i, input := range inputs {
		mapped, err := mapCardinality(assoc.Cardinality, b.Field, input, rows[i])
		if err != nil {
			out[input] = source.Failure(err)
			continue
		}
		out[input] = source.Success(mapped)
	}
	return out, nil
}

// parentsFor recovers the parent Record values for an association batch's
// primary-key inputs. Records are tracked in a side table populated by
// Load, since the batches set only stores the (comparable) primary-key
// item keys.
func (s *Source) parentsFor(key batchKey, inputs []any) []Record {
	bucket, ok := s.parentIndex[key]
	if !ok {
		return nil
	}
	out := make([]Record, 0, len(inputs))
	for _, in := range inputs {
		if rec, ok := bucket[in]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// mapCardinality implements spec §4.4 step 3.
func mapCardinality(c Cardinality, label string, input any, rows []Record) (any, error) {
	switch c {
	case CardinalityOne:
		switch len(rows) {
		case 0:
			return nil, nil
		case 1:
			return rows[0], nil
		default:
			return nil, loaderr.MultipleResultsFailure(fmt.Sprintf("%v", label), input, len(rows))
		}
	default: // CardinalityMany
		return rows, nil
	}
}

func cloneBatchSetMap(m map[batchKey]map[any]struct{}) map[batchKey]map[any]struct{} {
	out := make(map[batchKey]map[any]struct{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneMetaMap(m map[batchKey]batchMeta) map[batchKey]batchMeta {
	out := make(map[batchKey]batchMeta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneItemSet(m map[any]struct{}) map[any]struct{} {
	out := make(map[any]struct{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clonePendingParentMap(m map[batchKey]map[any]Record) map[batchKey]map[any]Record {
	out := make(map[batchKey]map[any]Record, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// classifyRunErr maps a batch unit's failure to the right taxonomy kind: a
// per-batch timeout (asyncrun.ErrTimeout) or the run ctx's own deadline
// reports KindTimeout (spec §7.3), anything else is KindBatch.
func classifyRunErr(err error) error {
	if errors.Is(err, asyncrun.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return loaderr.TimeoutFailure(err)
	}
	return loaderr.BatchFailure(err)
}

func cloneParentBucket(m map[any]Record) map[any]Record {
	out := make(map[any]Record, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneResultMap(m map[batchKey]map[any]source.Outcome) map[batchKey]map[any]source.Outcome {
	out := make(map[batchKey]map[any]source.Outcome, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneOutcomeMap(m map[any]source.Outcome) map[any]source.Outcome {
	out := make(map[any]source.Outcome, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
