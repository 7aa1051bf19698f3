package postgres

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timewave-computer/almanac/internal/event"
)

// Everything else in this package talks to a live database through
// *sql.DB and has no tests in this repository; these cover the pure
// attribute codec only.

func TestAttrsToJSONRoundTrips(t *testing.T) {
	attrs := []event.Attribute{{Key: "from", Value: "0xaaa"}, {Key: "to", Value: "0xbbb"}}

	b, err := attrsToJSON(attrs)
	require.NoError(t, err)

	got, err := attrsFromJSON(b)
	require.NoError(t, err)
	require.Equal(t, attrs, got)
}

func TestAttrsToJSONNilBecomesEmptyArray(t *testing.T) {
	b, err := attrsToJSON(nil)
	require.NoError(t, err)
	require.Equal(t, "[]", string(b))
}

func TestAttrsFromJSONEmptyBytesReturnsNil(t *testing.T) {
	attrs, err := attrsFromJSON(nil)
	require.NoError(t, err)
	require.Nil(t, attrs)
}

func TestAttrsFromJSONInvalidBytesErrors(t *testing.T) {
	_, err := attrsFromJSON([]byte("not json"))
	require.Error(t, err)
}
