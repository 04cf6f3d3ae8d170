package store

import (
	"fmt"
	"os"
	"testing"

	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestService holds the configuration for this test
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type TestService struct {
	Postgres string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	db       *DB
}

var testService TestService

func TestMain(m *testing.M) {
	if err := envdecode.Decode(&testService); err != nil {
		fmt.Println("POSTGRES not configured, skipping store tests")
		os.Exit(0)
	}

	testService.db = MustOpen(testService.Postgres, "_store_unit_test_")
	testService.db.ClearSchema()

	code := m.Run()
	testService.db.Close()
	os.Exit(code)
}

func TestSettingsReadWrite(t *testing.T) {
	settings := NewSettings(testService.db, "tv1")

	type resolution struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}

	write := resolution{Width: 1920, Height: 1080}
	require.NoError(t, settings.Write("outputResolution", write))

	var read resolution
	timestamp, err := settings.Read("outputResolution", &read)
	require.NoError(t, err)
	assert.False(t, timestamp.IsZero())
	assert.Equal(t, write, read)
}

func TestSettingsReadMissing(t *testing.T) {
	settings := NewSettings(testService.db, "tv1")

	var value string
	timestamp, err := settings.Read("doesNotExist", &value)
	require.NoError(t, err)
	assert.True(t, timestamp.IsZero())
	assert.Equal(t, "", value)
}

func TestSettingsOverwrite(t *testing.T) {
	settings := NewSettings(testService.db, "tv1")

	require.NoError(t, settings.Write("language", "en-US"))
	require.NoError(t, settings.Write("language", "de-DE"))

	var value string
	_, err := settings.Read("language", &value)
	require.NoError(t, err)
	assert.Equal(t, "de-DE", value)
}

func TestSettingsIsolationByDevice(t *testing.T) {
	tv1 := NewSettings(testService.db, "isolation-tv1")
	tv2 := NewSettings(testService.db, "isolation-tv2")

	require.NoError(t, tv1.Write("language", "en-US"))

	var value string
	timestamp, err := tv2.Read("language", &value)
	require.NoError(t, err)
	assert.True(t, timestamp.IsZero())
}

func TestSettingsList(t *testing.T) {
	settings := NewSettings(testService.db, "list-tv")

	require.NoError(t, settings.Write("a", 1))
	require.NoError(t, settings.Write("b", "two"))

	values, err := settings.List()
	require.NoError(t, err)
	assert.Len(t, values, 2)
	assert.Equal(t, json.RawMessage("1"), values["a"])
}

func TestSettingsDelete(t *testing.T) {
	settings := NewSettings(testService.db, "delete-tv")

	require.NoError(t, settings.Write("gone", true))
	require.NoError(t, settings.Delete("gone"))

	var value bool
	timestamp, err := settings.Read("gone", &value)
	require.NoError(t, err)
	assert.True(t, timestamp.IsZero())
}
