package element

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasics(t *testing.T) {
	e, err := ParseString(`{"a":1,"b":"x","c":true,"d":false,"e":null,"f":3.5}`)
	require.NoError(t, err)
	require.True(t, e.IsObject())

	v, _ := e.Get("a")
	i, err := v.AsInt()
	require.NoError(t, err)
	assert.Equal(t, int64(1), i)

	v, _ = e.Get("f")
	f, err := v.AsFloat()
	require.NoError(t, err)
	assert.Equal(t, 3.5, f)

	// e holds null and therefore reads as absent
	assert.False(t, e.Has("e"))
}

func TestParseBareIdentifierKeys(t *testing.T) {
	e, err := ParseString(`{foo:1, bar:"x"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"bar":"x","foo":1}`, e.String())
}

func TestParseNested(t *testing.T) {
	e, err := ParseString(`{"topic":"dab/tv1/applications/launch","payload":{"appId":"netflix","parameters":["a","b"]}}`)
	require.NoError(t, err)

	payload, err := e.Get("payload")
	require.NoError(t, err)
	appID, err := payload.Get("appId")
	require.NoError(t, err)
	s, _ := appID.AsString()
	assert.Equal(t, "netflix", s)

	params, err := payload.Get("parameters")
	require.NoError(t, err)
	assert.Equal(t, 2, params.Len())
}

func TestParseEmptyContainers(t *testing.T) {
	e, err := ParseString(`{}`)
	require.NoError(t, err)
	assert.True(t, e.IsObject())
	assert.Equal(t, 0, e.Len())

	e, err = ParseString(`[]`)
	require.NoError(t, err)
	assert.True(t, e.IsArray())
}

func TestParseWhitespaceTolerance(t *testing.T) {
	e, err := ParseString(" \t\r\n { \"a\" : [ 1 , 2 ] } \n ")
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2]}`, e.String())
}

func TestParseStringEscapes(t *testing.T) {
	e, err := ParseString(`"a\"b\r\n\tc\xd"`)
	require.NoError(t, err)
	s, err := e.AsString()
	require.NoError(t, err)
	// \x is an unknown escape, the x passes through literally
	assert.Equal(t, "a\"b\r\n\tcxd", s)
}

func TestParseNumbers(t *testing.T) {
	e, err := ParseString(`[-7,12,0,2.5,1e3,-0.5]`)
	require.NoError(t, err)

	v, _ := e.GetIndex(0)
	assert.True(t, v.IsInteger())
	v, _ = e.GetIndex(3)
	assert.True(t, v.IsDouble())
	v, _ = e.GetIndex(4)
	require.True(t, v.IsDouble())
	f, _ := v.AsFloat()
	assert.Equal(t, 1000.0, f)
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		`{"a":1 "b":2}`, // missing comma
		`{"a" 1}`,       // missing separator
		`{"a`,           // unterminated string
		`"abc`,          // unterminated string
		`{"a":1} extra`, // trailing garbage
		`[1,2] [`,       // trailing garbage
		`{,}`,           // invalid symbol
		`wat`,           // not a value
	}
	for _, c := range cases {
		_, err := ParseString(c)
		assert.Error(t, err, "input %q", c)
	}
}

func TestParseTrailingWhitespaceOK(t *testing.T) {
	_, err := ParseString(`{"a":1}   `)
	assert.NoError(t, err)
}

func TestRoundTrip(t *testing.T) {
	inputs := []string{
		`{"a":1,"b":[true,false,null],"c":{"d":"x"},"e":"y"}`,
		`[1,2,3]`,
		`"hello world"`,
		`true`,
		`null`,
		`{"nested":{"deep":{"deeper":[{"a":1}]}}}`,
	}
	for _, in := range inputs {
		e, err := ParseString(in)
		require.NoError(t, err)
		again, err := Parse(e.JSON())
		require.NoError(t, err)
		assert.True(t, e.Equal(again), "round trip of %s", in)
	}
}
