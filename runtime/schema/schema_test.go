package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

const weatherInput = `{
	"type": "object",
	"required": ["city"],
	"properties": {
		"city": {"type": "string", "minLength": 1},
		"units": {"type": "string", "enum": ["metric", "imperial"]}
	}
}`

const weatherOutput = `{
	"type": "object",
	"required": ["temp_c"],
	"properties": {
		"temp_c": {"type": "number"},
		"desc": {"type": "string"},
		"radar_png": {"type": "string", "x-artifact": true},
		"hourly": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"chart": {"type": "string", "x-artifact": true}
				}
			}
		}
	}
}`

func TestRegisterIdempotentForIdenticalSchemas(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("weather.current", []byte(weatherInput), []byte(weatherOutput)))
	require.NoError(t, r.Register("weather.current", []byte(weatherInput), []byte(weatherOutput)))
	require.True(t, r.Known("weather.current"))
}

func TestRegisterCollisionOnDifferingSchemas(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("weather.current", []byte(weatherInput), []byte(weatherOutput)))
	err := r.Register("weather.current", []byte(`{"type":"object"}`), []byte(weatherOutput))
	require.ErrorIs(t, err, ErrNameCollision)
}

func TestRegisterRejectsInvalidJSON(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register("bad.tool", []byte(`{`), nil))
	require.Error(t, r.Register("", []byte(weatherInput), nil))
}

func TestValidateInput(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("weather.current", []byte(weatherInput), []byte(weatherOutput)))

	cases := []struct {
		name    string
		value   string
		wantErr bool
		path    string
	}{
		{name: "valid", value: `{"city":"paris"}`},
		{name: "valid with units", value: `{"city":"paris","units":"metric"}`},
		{name: "missing required", value: `{"units":"metric"}`, wantErr: true},
		{name: "wrong type", value: `{"city":12}`, wantErr: true, path: "city"},
		{name: "bad enum", value: `{"city":"paris","units":"kelvin"}`, wantErr: true, path: "units"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.ValidateInput("weather.current", json.RawMessage(tc.value))
			if !tc.wantErr {
				require.NoError(t, err)
				return
			}
			var mm *Mismatch
			require.ErrorAs(t, err, &mm)
			require.Equal(t, "input", mm.Direction)
			if tc.path != "" {
				require.Equal(t, tc.path, mm.Path)
			}
		})
	}
}

func TestValidateOutputWithoutSchemaAcceptsAnyJSON(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("free.form", []byte(`{"type":"object"}`), nil))
	require.NoError(t, r.ValidateOutput("free.form", json.RawMessage(`{"anything":true}`)))

	var mm *Mismatch
	err := r.ValidateOutput("free.form", json.RawMessage(`{broken`))
	require.ErrorAs(t, err, &mm)
}

func TestValidateUnknownTool(t *testing.T) {
	r := NewRegistry()
	err := r.ValidateInput("nope", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrUnknownTool)
}

func TestArtifactPaths(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("weather.current", []byte(weatherInput), []byte(weatherOutput)))

	paths, err := r.ArtifactPaths("weather.current")
	require.NoError(t, err)
	require.Equal(t, []string{"hourly.chart", "radar_png"}, paths)

	_, err = r.ArtifactPaths("nope")
	require.True(t, errors.Is(err, ErrUnknownTool))
}

func TestMismatchError(t *testing.T) {
	m := &Mismatch{Tool: "t", Direction: "input", Path: "city", Detail: "boom"}
	require.Contains(t, m.Error(), "city")
	root := &Mismatch{Tool: "t", Direction: "input", Detail: "boom"}
	require.Contains(t, root.Error(), "(root)")
}
