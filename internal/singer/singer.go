// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package singer writes Singer protocol messages as JSON lines. Output
// goes to the emitter's writer, one message per line, in emission order.
package singer

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

type schemaMessage struct {
	Type          string   `json:"type"`
	Stream        string   `json:"stream"`
	Schema        any      `json:"schema"`
	KeyProperties []string `json:"key_properties"`
}

type recordMessage struct {
	Type          string    `json:"type"`
	Stream        string    `json:"stream"`
	Record        any       `json:"record"`
	TimeExtracted time.Time `json:"time_extracted"`
}

type stateMessage struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Emitter serializes Singer messages onto a single writer. Writes are
// serialized under a mutex so lines never interleave.
type Emitter struct {
	mu  sync.Mutex
	enc *json.Encoder
	now func() time.Time
}

func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{enc: json.NewEncoder(w), now: time.Now}
}

// WriteSchema announces a stream's shape. Emitted once, before the
// stream's first record.
func (e *Emitter) WriteSchema(stream string, schema any, keyProperties []string) error {
	return e.write(schemaMessage{
		Type:          "SCHEMA",
		Stream:        stream,
		Schema:        schema,
		KeyProperties: keyProperties,
	})
}

func (e *Emitter) WriteRecord(stream string, record any) error {
	return e.write(recordMessage{
		Type:          "RECORD",
		Stream:        stream,
		Record:        record,
		TimeExtracted: e.now().UTC(),
	})
}

func (e *Emitter) WriteState(value any) error {
	return e.write(stateMessage{Type: "STATE", Value: value})
}

func (e *Emitter) write(msg any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("emit singer message: %w", err)
	}
	return nil
}
