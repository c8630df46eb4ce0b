package redact

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/penguiflow/penguiflow/runtime/artifact"
	"github.com/penguiflow/penguiflow/runtime/artifact/inmem"
)

func TestRedactMarkedPaths(t *testing.T) {
	doc := json.RawMessage(`{
		"summary": "3 day forecast",
		"radar_png": "not-actually-binary-but-marked",
		"hourly": {"chart": [1, 2, 3], "temps": [12, 13]}
	}`)

	res, err := Redact(doc, []string{"radar_png", "hourly.chart"})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Value, &out))
	require.Equal(t, "3 day forecast", out["summary"])
	require.Equal(t, "<artifact:string size=30>", out["radar_png"])
	require.Equal(t, "<artifact:array size=3>", out["hourly"].(map[string]any)["chart"])
	require.Equal(t, []any{float64(12), float64(13)}, out["hourly"].(map[string]any)["temps"])

	require.Equal(t, []string{"hourly.chart", "radar_png"}, res.SortedPaths())
	require.JSONEq(t, `"not-actually-binary-but-marked"`, string(res.Removed["radar_png"]))
	require.JSONEq(t, `[1,2,3]`, string(res.Removed["hourly.chart"]))
}

func TestRedactBase64MagicWithoutSchemaMark(t *testing.T) {
	cases := []struct {
		name  string
		value string
	}{
		{"pdf", "JVBERi0xLjQKJcfs"},
		{"png", "iVBORw0KGgoAAAANSUhEUg"},
		{"jpeg", "/9j/4AAQSkZJRg"},
		{"zip", "UEsDBBQAAAAI"},
		{"gif", "R0lGODlhEAAQ"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc, err := json.Marshal(map[string]any{"data": tc.value, "note": "plain"})
			require.NoError(t, err)

			res, err := Redact(doc, nil)
			require.NoError(t, err)

			var out map[string]any
			require.NoError(t, json.Unmarshal(res.Value, &out))
			require.True(t, strings.HasPrefix(out["data"].(string), "<artifact:string"))
			require.Equal(t, "plain", out["note"])
			require.Contains(t, res.Removed, "data")
		})
	}
}

func TestRedactIdempotent(t *testing.T) {
	doc := json.RawMessage(`{"radar_png": "iVBORw0KGgoAAAANSUhEUg", "desc": "map"}`)

	once, err := Redact(doc, []string{"radar_png"})
	require.NoError(t, err)
	twice, err := Redact(once.Value, []string{"radar_png"})
	require.NoError(t, err)

	require.JSONEq(t, string(once.Value), string(twice.Value))
	require.Empty(t, twice.Removed)
}

func TestRedactArrayItemsInheritMark(t *testing.T) {
	doc := json.RawMessage(`{"pages": ["JVBERi0xLjQ", "JVBERi0xLjU"]}`)
	res, err := Redact(doc, nil)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Value, &out))
	for _, p := range out["pages"].([]any) {
		require.True(t, strings.HasPrefix(p.(string), "<artifact:string"))
	}
}

func TestClampPassThrough(t *testing.T) {
	c := &Clamp{MaxChars: 1024, AutoArtifactThreshold: 4096, Store: inmem.New(inmem.Options{})}
	doc := json.RawMessage(`{"temp_c": 12, "desc": "cloudy"}`)
	res, err := c.Apply(context.Background(), "weather.current", doc, artifact.Scope{})
	require.NoError(t, err)
	require.Equal(t, doc, res.Value)
	require.False(t, res.Truncated)
	require.Nil(t, res.Artifact)
}

func TestClampAutoArtifact(t *testing.T) {
	store := inmem.New(inmem.Options{})
	c := &Clamp{MaxChars: 128, AutoArtifactThreshold: 256, PreviewChars: 32, Store: store}

	doc, err := json.Marshal(map[string]any{"rows": strings.Repeat("x", 400)})
	require.NoError(t, err)

	res, err := c.Apply(context.Background(), "query_db", doc, artifact.Scope{TenantID: "t1"})
	require.NoError(t, err)
	require.NotNil(t, res.Artifact)
	require.True(t, strings.HasPrefix(res.Artifact.ID, "observation.query_db_"))
	require.False(t, res.Truncated)

	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Value, &out))
	require.Contains(t, out, "artifact")
	require.Contains(t, out, "summary")
	require.Len(t, out["preview"].(string), 32)

	stored, err := store.Get(context.Background(), res.Artifact.ID)
	require.NoError(t, err)
	require.Equal(t, json.RawMessage(doc), json.RawMessage(stored))
}

func TestClampTruncatesDeepestLargestFirst(t *testing.T) {
	store := inmem.New(inmem.Options{})
	c := &Clamp{MaxChars: 300, AutoArtifactThreshold: 100_000, Store: store}

	doc, err := json.Marshal(map[string]any{
		"shallow": strings.Repeat("s", 120),
		"nested":  map[string]any{"deep": strings.Repeat("d", 400)},
	})
	require.NoError(t, err)

	res, err := c.Apply(context.Background(), "query_db", doc, artifact.Scope{})
	require.NoError(t, err)
	require.True(t, res.Truncated)
	require.Nil(t, res.Artifact)
	require.LessOrEqual(t, len(res.Value), 300+len(`,"truncated":true`))

	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Value, &out))
	require.Equal(t, true, out["truncated"])
	// The deep 400-char string is cut before the shallow 120-char one.
	deep := out["nested"].(map[string]any)["deep"].(string)
	require.Less(t, len(deep), 400)
	require.True(t, strings.HasSuffix(deep, "…"))
}

func TestClampTruncatesLargeArrays(t *testing.T) {
	store := inmem.New(inmem.Options{})
	c := &Clamp{MaxChars: 64, AutoArtifactThreshold: 100_000, Store: store}

	items := make([]any, 40)
	for i := range items {
		items[i] = i
	}
	doc, err := json.Marshal(map[string]any{"items": items})
	require.NoError(t, err)

	res, err := c.Apply(context.Background(), "search", doc, artifact.Scope{})
	require.NoError(t, err)
	require.True(t, res.Truncated)

	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Value, &out))
	require.Len(t, out["items"].([]any), 3)
}

func TestClampTruncatesOnRuneBoundary(t *testing.T) {
	store := inmem.New(inmem.Options{})
	c := &Clamp{MaxChars: 120, AutoArtifactThreshold: 100_000, Store: store}

	// Each rune is 3 bytes, so a byte-offset cut would split one.
	doc, err := json.Marshal(map[string]any{"notes": strings.Repeat("天気予報", 60)})
	require.NoError(t, err)

	res, err := c.Apply(context.Background(), "weather.current", doc, artifact.Scope{})
	require.NoError(t, err)
	require.True(t, res.Truncated)
	require.True(t, utf8.Valid(res.Value))

	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Value, &out))
	notes := out["notes"].(string)
	require.True(t, utf8.ValidString(notes))
	require.True(t, strings.HasSuffix(notes, "…"))
}

func TestStoreMarkedGraftsReferenceDocuments(t *testing.T) {
	store := inmem.New(inmem.Options{})
	c := &Clamp{MaxChars: 8192, AutoArtifactThreshold: 16384, PreviewChars: 16, Store: store}

	doc := json.RawMessage(`{"temp_c": 12, "radar_png": "iVBORw0KGgoAAAANSUhEUg", "report": "a long plain report body"}`)
	redacted, err := Redact(doc, []string{"radar_png", "report"})
	require.NoError(t, err)

	out, refs, err := c.StoreMarked(context.Background(), "weather.current", redacted, artifact.Scope{TenantID: "t1", TraceID: "tr1"})
	require.NoError(t, err)
	require.Len(t, refs, 2)

	byField := make(map[string]artifact.Ref, len(refs))
	for _, ref := range refs {
		byField[ref.SourceMeta["field"]] = ref
		require.Equal(t, "weather.current", ref.SourceMeta["tool"])
		require.Equal(t, "tr1", ref.Scope.TraceID)
		require.True(t, store.Exists(context.Background(), ref.ID))
	}
	require.Equal(t, "image/png", byField["radar_png"].MimeType)
	require.Equal(t, "text/plain", byField["report"].MimeType)

	var grafted map[string]any
	require.NoError(t, json.Unmarshal(out, &grafted))
	require.Equal(t, float64(12), grafted["temp_c"])
	radar := grafted["radar_png"].(map[string]any)
	require.Equal(t, byField["radar_png"].ID, radar["artifact"].(map[string]any)["id"])
	require.Len(t, radar["preview"].(string), 16)
}

func TestStoreMarkedWithoutRemovalsIsIdentity(t *testing.T) {
	c := &Clamp{MaxChars: 1024, AutoArtifactThreshold: 4096, Store: inmem.New(inmem.Options{})}
	doc := json.RawMessage(`{"temp_c": 12}`)
	out, refs, err := c.StoreMarked(context.Background(), "weather.current", Result{Value: doc}, artifact.Scope{})
	require.NoError(t, err)
	require.Empty(t, refs)
	require.Equal(t, doc, out)
}
