// Package queue provides the durable queue of heartbeats awaiting delivery.
package queue

// TableName is the queue table. The name is shared with editor plugins
// that write to the same ~/.wakatime.db, so it must not change.
const TableName = "heartbeat_2"

// CreateQueueTableSQL creates the queue table. Rows carry no uniqueness
// constraint: duplicate ids are resolved when delivery is confirmed.
const CreateQueueTableSQL = `
CREATE TABLE IF NOT EXISTS heartbeat_2 (
    id TEXT,
    heartbeat TEXT
)`

const (
	insertRowSQL   = `INSERT INTO heartbeat_2 (id, heartbeat) VALUES (?, ?)`
	selectOneSQL   = `SELECT rowid, id, heartbeat FROM heartbeat_2 ORDER BY rowid LIMIT 1`
	deleteRowidSQL = `DELETE FROM heartbeat_2 WHERE rowid = ?`
	deleteByIDSQL  = `DELETE FROM heartbeat_2 WHERE id = ?`
	countRowsSQL   = `SELECT COUNT(*) FROM heartbeat_2`
)
