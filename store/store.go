// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package store persists device settings in a SQL database.

A bridge restart must not lose the system settings an operator has pushed to
a device, so devices that support system/settings/set can back their
settings with a Settings accessor. The package uses JSON to serialize the
values.
*/
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	_ "github.com/lib/pq" // load database driver for postgres
)

// DB encapsulates a standard sql.DB with a schema
type DB struct {
	*sql.DB
	Schema string
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a row.
var ErrNoRows = sql.ErrNoRows

// MustOpen opens a postgres database with a schema. The schema gets created
// if it does not exist yet, as does the settings table.
func MustOpen(dataSourceName, schema string) *DB {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		panic(err)
	}
	err = db.Ping()
	if err != nil {
		panic(err)
	}
	if len(schema) == 0 {
		schema = "public"
	} else {
		_, err = db.Exec(`CREATE schema IF NOT EXISTS ` + schema + `;`)
		if err != nil {
			panic(err)
		}
	}

	_, err = db.Exec(`CREATE table IF NOT EXISTS ` + schema + `."_settings_"
(device_id varchar NOT NULL,
key varchar NOT NULL,
value json NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(device_id, key)
);`)
	if err != nil {
		panic(err)
	}

	return &DB{DB: db, Schema: schema}
}

// ClearSchema clears all the data contained in the database's schema.
// Technically this is done by dropping the schema and then recreating it
func (db *DB) ClearSchema() {
	if db.Schema == "public" {
		panic("refuse to drop public schema")
	}
	_, err := db.Exec(`DROP SCHEMA ` + db.Schema + ` CASCADE;
	CREATE schema IF NOT EXISTS ` + db.Schema + `;`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `."_settings_"
(device_id varchar NOT NULL,
key varchar NOT NULL,
value json NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(device_id, key)
);`)
	if err != nil {
		panic(err)
	}
}

// Settings is the settings accessor for one device.
type Settings struct {
	db       *DB
	deviceID string
}

// NewSettings returns the settings accessor for the given deviceId.
func NewSettings(db *DB, deviceID string) *Settings {
	return &Settings{db: db, deviceID: deviceID}
}

// Read reads a setting. It returns the time when the value was written, or
// a zero timestamp if there is no value.
func (s *Settings) Read(key string, value any) (time.Time, error) {
	var (
		rawValue  json.RawMessage
		timestamp time.Time
	)
	err := s.db.QueryRow(
		`SELECT value, timestamp FROM `+s.db.Schema+`."_settings_" WHERE device_id=$1 AND key=$2;`,
		s.deviceID, key).Scan(&rawValue, &timestamp)
	if err == ErrNoRows {
		return timestamp, nil
	}
	if err != nil {
		return timestamp, fmt.Errorf("cannot read setting '%s': %s", key, err.Error())
	}
	err = json.Unmarshal(rawValue, &value)
	return timestamp, err
}

// Write writes a setting.
func (s *Settings) Write(key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO `+s.db.Schema+`."_settings_"(device_id,key,value,timestamp)
VALUES($1,$2,$3,$4)
ON CONFLICT (device_id, key) DO UPDATE SET value=$3,timestamp=$4;`,
		s.deviceID, key, string(body), now)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("could not write setting %s", key)
	}
	return nil
}

// Delete deletes a setting.
func (s *Settings) Delete(key string) error {
	_, err := s.db.Exec(
		`DELETE FROM `+s.db.Schema+`."_settings_" WHERE device_id=$1 AND key=$2;`,
		s.deviceID, key)
	return err
}

// List returns all settings of the device as raw JSON values by key.
func (s *Settings) List() (map[string]json.RawMessage, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM `+s.db.Schema+`."_settings_" WHERE device_id=$1;`,
		s.deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := map[string]json.RawMessage{}
	for rows.Next() {
		var (
			key      string
			rawValue json.RawMessage
		)
		if err := rows.Scan(&key, &rawValue); err != nil {
			return nil, err
		}
		result[key] = rawValue
	}
	return result, rows.Err()
}
