package relsource

import (
	"context"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hanpama/loadcore/internal/loaderr"
	"github.com/hanpama/loadcore/internal/source"
	"github.com/stretchr/testify/require"
)

// fakeSchema is a minimal Schema used across the tests below.
type fakeSchema struct {
	name    string
	pk      string
	assocs  map[string]Association
	columns map[string]reflect.Type
}

func (s *fakeSchema) Name() string       { return s.name }
func (s *fakeSchema) PrimaryKey() string { return s.pk }
func (s *fakeSchema) ColumnType(column string) (reflect.Type, bool) {
	t, ok := s.columns[column]
	return t, ok
}
func (s *fakeSchema) Association(field string) (Association, bool) {
	a, ok := s.assocs[field]
	return a, ok
}

// fakeRecord is a minimal Record/SchemaRecord used across the tests below.
type fakeRecord struct {
	schema *fakeSchema
	values map[string]any
}

func (r *fakeRecord) SchemaName() string { return r.schema.name }
func (r *fakeRecord) Schema() Schema      { return r.schema }
func (r *fakeRecord) Get(column string) (any, bool) {
	v, ok := r.values[column]
	return v, ok
}

// fakeQueryable tracks the limit/offset a test wants to exercise.
type fakeQueryable struct {
	schema    Schema
	limit     int
	hasLimit  bool
	offset    int
	hasOffset bool
}

func (q *fakeQueryable) Schema() Schema      { return q.schema }
func (q *fakeQueryable) Limit() (int, bool)  { return q.limit, q.hasLimit }
func (q *fakeQueryable) Offset() (int, bool) { return q.offset, q.hasOffset }

// fakeRepo is a minimal in-memory Repo backing users and posts.
type fakeRepo struct {
	postsByAuthor map[any][]Record
}

func (r *fakeRepo) NewQueryable(schema Schema) Queryable { return &fakeQueryable{schema: schema} }

func (r *fakeRepo) RunQuery(_ context.Context, q Queryable, column string, inputs []any, _ any) ([][]Record, error) {
	out := make([][]Record, len(inputs))
	for i, in := range inputs {
		rows := r.postsByAuthor[in]
		if column == "author_id" {
			out[i] = rows
		}
	}
	return out, nil
}

func (r *fakeRepo) RunLateralQuery(ctx context.Context, q Queryable, column string, inputs []any, repoOpts any) ([][]Record, error) {
	rows, err := r.RunQuery(ctx, q, column, inputs, repoOpts)
	if err != nil {
		return nil, err
	}
	fq := q.(*fakeQueryable)
	if fq.hasLimit {
		for i, list := range rows {
			if len(list) > fq.limit {
				rows[i] = list[:fq.limit]
			}
		}
	}
	return rows, nil
}

func (r *fakeRepo) Preload(_ context.Context, assoc Association, q Queryable, parents []Record, _ any) ([][]Record, error) {
	out := make([][]Record, len(parents))
	for i, p := range parents {
		id, _ := p.Get(p.(*fakeRecord).schema.pk)
		out[i] = r.postsByAuthor[id]
	}
	return out, nil
}

func (r *fakeRepo) PreloadLateral(ctx context.Context, assoc Association, q Queryable, parents []Record, repoOpts any) ([][]Record, error) {
	rows, err := r.Preload(ctx, assoc, q, parents, repoOpts)
	if err != nil {
		return nil, err
	}
	fq := q.(*fakeQueryable)
	if fq.hasLimit {
		for i, list := range rows {
			if len(list) > fq.limit {
				rows[i] = list[:fq.limit]
			}
		}
	}
	return rows, nil
}

func (r *fakeRepo) PreloadThrough(ctx context.Context, chain []Association, q Queryable, parents []Record, repoOpts any) ([][]Record, error) {
	return r.Preload(ctx, chain[len(chain)-1], q, parents, repoOpts)
}

func (r *fakeRepo) ToQueryable(assoc Association) Queryable { return &fakeQueryable{schema: assoc.Target} }

func newFixtures() (*fakeSchema, *fakeSchema, *fakeRepo) {
	postSchema := &fakeSchema{name: "Post", pk: "id", assocs: map[string]Association{}, columns: map[string]reflect.Type{}}
	userSchema := &fakeSchema{name: "User", pk: "id", columns: map[string]reflect.Type{"id": reflect.TypeOf(0)}}
	userSchema.assocs = map[string]Association{
		"posts": {Field: "posts", Target: postSchema, Cardinality: CardinalityMany},
	}
	repo := &fakeRepo{postsByAuthor: map[any][]Record{
		1: {&fakeRecord{schema: postSchema, values: map[string]any{"id": 10, "author_id": 1}}},
		2: {},
	}}
	return userSchema, postSchema, repo
}

func TestSchemaQuery_CardinalityOne(t *testing.T) {
	userSchema, _, repo := newFixtures()
	src := New(repo)

	loaded := src.Load(BySchema{Schema: userSchema}, 1)
	ran := loaded.Run(context.Background())
	oc := ran.Fetch(BySchema{Schema: userSchema}, 1)
	require.True(t, oc.OK)
}

func TestAssociation_CardinalityMany(t *testing.T) {
	userSchema, _, repo := newFixtures()
	src := New(repo)

	ada := &fakeRecord{schema: userSchema, values: map[string]any{"id": 1}}
	loaded := src.Load(ByAssociation{Field: "posts"}, ada)
	ran := loaded.Run(context.Background())

	oc := ran.Fetch(ByAssociation{Field: "posts"}, ada)
	require.True(t, oc.OK)
	rows, ok := oc.Value.([]Record)
	require.True(t, ok)
	require.Len(t, rows, 1)
}

func TestAssociation_EmptyResultIsEmptyList(t *testing.T) {
	userSchema, _, repo := newFixtures()
	src := New(repo)

	grace := &fakeRecord{schema: userSchema, values: map[string]any{"id": 2}}
	loaded := src.Load(ByAssociation{Field: "posts"}, grace)
	ran := loaded.Run(context.Background())

	oc := ran.Fetch(ByAssociation{Field: "posts"}, grace)
	require.True(t, oc.OK)
	rows, ok := oc.Value.([]Record)
	require.True(t, ok)
	require.Len(t, rows, 0)
}

// TestAssociation_ResultSnapshot compares the whole resolved row set for
// two parents at once, following the teacher's cmp.Diff result-snapshot
// idiom instead of asserting field-by-field.
func TestAssociation_ResultSnapshot(t *testing.T) {
	userSchema, _, repo := newFixtures()
	src := New(repo)

	ada := &fakeRecord{schema: userSchema, values: map[string]any{"id": 1}}
	grace := &fakeRecord{schema: userSchema, values: map[string]any{"id": 2}}

	loaded := src.Load(ByAssociation{Field: "posts"}, ada).Load(ByAssociation{Field: "posts"}, grace)
	ran := loaded.Run(context.Background())

	got := map[string][]map[string]any{
		"ada":   rowColumns(t, ran, ada, "author_id"),
		"grace": rowColumns(t, ran, grace, "author_id"),
	}
	want := map[string][]map[string]any{
		"ada":   {{"author_id": 1}},
		"grace": {},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("association result mismatch (-want +got):\n%s", diff)
	}
}

func rowColumns(t *testing.T, src source.Source, parent Record, columns ...string) []map[string]any {
	t.Helper()
	oc := src.Fetch(ByAssociation{Field: "posts"}, parent)
	require.True(t, oc.OK)
	rows, ok := oc.Value.([]Record)
	require.True(t, ok)
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		vals := make(map[string]any, len(columns))
		for _, col := range columns {
			v, _ := row.Get(col)
			vals[col] = v
		}
		out[i] = vals
	}
	return out
}

func TestValidate_RejectsUnknownAssociation(t *testing.T) {
	userSchema, _, repo := newFixtures()
	src := New(repo)
	ada := &fakeRecord{schema: userSchema, values: map[string]any{"id": 1}}

	err := src.Validate(ByAssociation{Field: "missing"}, ada)
	require.True(t, loaderr.IsKind(err, loaderr.KindMisuse))
}

func TestValidate_RejectsNonPrimaryColumnWithoutCardinality(t *testing.T) {
	userSchema, _, repo := newFixtures()
	src := New(repo)
	err := src.Validate(BySchema{Schema: userSchema, Column: "email"}, "ada@example.com")
	require.True(t, loaderr.IsKind(err, loaderr.KindMisuse))
}

func TestPut_RejectsNotLoadedSentinel(t *testing.T) {
	userSchema, _, repo := newFixtures()
	src := New(repo)
	ada := &fakeRecord{schema: userSchema, values: map[string]any{"id": 1}}

	next := src.Put(ByAssociation{Field: "posts"}, ada, NotLoaded)
	require.Same(t, src, next)
}

func TestColumnCoercion(t *testing.T) {
	userSchema, _, repo := newFixtures()
	src := New(repo)

	loaded := src.Load(BySchema{Schema: userSchema}, int32(1))
	ran := loaded.Run(context.Background())
	oc := ran.Fetch(BySchema{Schema: userSchema}, 1)
	require.True(t, oc.OK)
}
