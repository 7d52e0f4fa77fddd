package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avenir-labs/gantry/internal/util"
)

func fieldErrors(t *testing.T, err error) map[string]any {
	t.Helper()

	var structured *util.Error
	require.True(t, errors.As(err, &structured))
	require.ErrorIs(t, err, util.ErrValidation)

	fields, ok := structured.Metadata["fields"].(map[string]any)
	require.True(t, ok, "expected per-field metadata")
	return fields
}

func TestSchema_Valid(t *testing.T) {
	t.Parallel()

	s := MustSchema(Rules{
		"name":   {Type: TypeString, Required: true},
		"age":    {Type: TypeInt, Min: Bound(0), Max: Bound(150)},
		"score":  {Type: TypeFloat},
		"active": {Type: TypeBool},
	})

	out, err := s.Validate(map[string]any{
		"name":   "alice",
		"age":    "42",
		"score":  "9.5",
		"active": "true",
	})
	require.NoError(t, err)

	assert.Equal(t, "alice", out["name"])
	assert.Equal(t, int64(42), out["age"])
	assert.Equal(t, 9.5, out["score"])
	assert.Equal(t, true, out["active"])
}

func TestSchema_RequiredMissing(t *testing.T) {
	t.Parallel()

	s := MustSchema(Rules{
		"name": {Type: TypeString, Required: true},
	})

	_, err := s.Validate(map[string]any{})
	require.Error(t, err)

	fields := fieldErrors(t, err)
	assert.Equal(t, "field is required", fields["name"])

	_, err = s.Validate(map[string]any{"name": ""})
	require.Error(t, err)
}

func TestSchema_DefaultApplied(t *testing.T) {
	t.Parallel()

	s := MustSchema(Rules{
		"limit": {Type: TypeInt, Default: int64(20)},
	})

	out, err := s.Validate(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, int64(20), out["limit"])

	out, err = s.Validate(map[string]any{"limit": "5"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), out["limit"])
}

func TestSchema_UndeclaredFieldsDropped(t *testing.T) {
	t.Parallel()

	s := MustSchema(Rules{
		"name": {Type: TypeString},
	})

	out, err := s.Validate(map[string]any{
		"name":  "alice",
		"extra": "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "alice"}, out)
}

func TestSchema_TypeMismatch(t *testing.T) {
	t.Parallel()

	s := MustSchema(Rules{
		"age":    {Type: TypeInt},
		"active": {Type: TypeBool},
		"name":   {Type: TypeString},
	})

	_, err := s.Validate(map[string]any{
		"age":    "abc",
		"active": "maybe",
		"name":   42,
	})
	require.Error(t, err)

	fields := fieldErrors(t, err)
	assert.Len(t, fields, 3)
	assert.Equal(t, "must be an integer", fields["age"])
	assert.Equal(t, "must be a boolean", fields["active"])
	assert.Equal(t, "must be a string", fields["name"])
}

func TestSchema_IntRejectsFraction(t *testing.T) {
	t.Parallel()

	s := MustSchema(Rules{
		"age": {Type: TypeInt},
	})

	// JSON decodes all numbers to float64; whole values coerce.
	out, err := s.Validate(map[string]any{"age": float64(30)})
	require.NoError(t, err)
	assert.Equal(t, int64(30), out["age"])

	_, err = s.Validate(map[string]any{"age": 30.5})
	assert.Error(t, err)
}

func TestSchema_Bounds(t *testing.T) {
	t.Parallel()

	s := MustSchema(Rules{
		"age":  {Type: TypeInt, Min: Bound(18), Max: Bound(99)},
		"name": {Type: TypeString, Min: Bound(2), Max: Bound(5)},
	})

	_, err := s.Validate(map[string]any{"age": "17"})
	require.Error(t, err)
	assert.Equal(t, "must be at least 18", fieldErrors(t, err)["age"])

	_, err = s.Validate(map[string]any{"age": "100"})
	require.Error(t, err)
	assert.Equal(t, "must be at most 99", fieldErrors(t, err)["age"])

	_, err = s.Validate(map[string]any{"name": "x"})
	require.Error(t, err)
	assert.Equal(t, "must have length at least 2", fieldErrors(t, err)["name"])

	_, err = s.Validate(map[string]any{"name": "toolong"})
	require.Error(t, err)

	out, err := s.Validate(map[string]any{"age": "42", "name": "bob"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), out["age"])
}

func TestSchema_Pattern(t *testing.T) {
	t.Parallel()

	s := MustSchema(Rules{
		"slug": {Type: TypeString, Pattern: `[a-z0-9-]+`},
	})

	_, err := s.Validate(map[string]any{"slug": "My Slug"})
	require.Error(t, err)

	out, err := s.Validate(map[string]any{"slug": "my-slug-1"})
	require.NoError(t, err)
	assert.Equal(t, "my-slug-1", out["slug"])
}

func TestSchema_InvalidPattern(t *testing.T) {
	t.Parallel()

	_, err := NewSchema(Rules{
		"slug": {Type: TypeString, Pattern: `[unclosed`},
	})
	assert.Error(t, err)
}

func TestSchema_Enum(t *testing.T) {
	t.Parallel()

	s := MustSchema(Rules{
		"sort": {Type: TypeString, Enum: []string{"asc", "desc"}},
	})

	_, err := s.Validate(map[string]any{"sort": "sideways"})
	require.Error(t, err)
	assert.Contains(t, fieldErrors(t, err)["sort"], "must be one of")

	out, err := s.Validate(map[string]any{"sort": "desc"})
	require.NoError(t, err)
	assert.Equal(t, "desc", out["sort"])
}

func TestSchema_ValidatorTag(t *testing.T) {
	t.Parallel()

	s := MustSchema(Rules{
		"email": {Type: TypeString, Tag: "email"},
	})

	_, err := s.Validate(map[string]any{"email": "not-an-email"})
	require.Error(t, err)

	out, err := s.Validate(map[string]any{"email": "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", out["email"])
}

func TestSchema_AggregatesAllFailures(t *testing.T) {
	t.Parallel()

	s := MustSchema(Rules{
		"name": {Type: TypeString, Required: true},
		"age":  {Type: TypeInt},
		"sort": {Type: TypeString, Enum: []string{"asc", "desc"}},
	})

	_, err := s.Validate(map[string]any{
		"age":  "abc",
		"sort": "up",
	})
	require.Error(t, err)

	fields := fieldErrors(t, err)
	assert.Len(t, fields, 3)

	var structured *util.Error
	require.True(t, errors.As(err, &structured))
	assert.Equal(t, 400, structured.Status)
	assert.Contains(t, structured.Message, "3 field(s)")
}
