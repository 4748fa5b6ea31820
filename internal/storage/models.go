// Copyright 2025 PulseCache Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"time"

	"github.com/uptrace/bun"
	"github.com/vmihailenco/msgpack/v5"
)

// Bun ORM models for the pulsecache database tables.
// Timestamps are stored as Unix milliseconds throughout; the converters
// below translate to and from time.Time for callers.

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// EnvelopeModel represents the envelopes table
type EnvelopeModel struct {
	bun.BaseModel `bun:"table:envelopes"`

	Key           string `bun:"key,pk"`
	SchemaVersion int64  `bun:"schema_version,notnull"`
	Tag           string `bun:"tag,notnull"`
	Payload       []byte `bun:"payload,notnull"`
	CachedAt      int64  `bun:"cached_at,notnull"` // Unix milliseconds
}

// Envelope is the live form of a persisted cache entry.
type Envelope struct {
	Key           string
	SchemaVersion int64
	Tag           string
	Payload       []byte
	CachedAt      time.Time
}

// Cost is the envelope's contribution toward DiskMaxBytes.
func (e *Envelope) Cost() int64 {
	return int64(len(e.Payload) + len(e.Key))
}

// ToEnvelope converts an EnvelopeModel to an Envelope
func (m *EnvelopeModel) ToEnvelope() *Envelope {
	return &Envelope{
		Key:           m.Key,
		SchemaVersion: m.SchemaVersion,
		Tag:           m.Tag,
		Payload:       m.Payload,
		CachedAt:      time.UnixMilli(m.CachedAt),
	}
}

// EnvelopeModelFromEnvelope converts an Envelope to EnvelopeModel
func EnvelopeModelFromEnvelope(e *Envelope) *EnvelopeModel {
	return &EnvelopeModel{
		Key:           e.Key,
		SchemaVersion: e.SchemaVersion,
		Tag:           e.Tag,
		Payload:       e.Payload,
		CachedAt:      e.CachedAt.UnixMilli(),
	}
}

// EnvelopeIndexModel represents the envelope_index side table.
// Eviction and retention scans read this table only, never payloads.
type EnvelopeIndexModel struct {
	bun.BaseModel `bun:"table:envelope_index"`

	Key      string `bun:"key,pk"`
	CachedAt int64  `bun:"cached_at,notnull"` // Unix milliseconds
	Cost     int64  `bun:"cost,notnull"`
}

// PurgeEventModel represents the purge_history table
type PurgeEventModel struct {
	bun.BaseModel `bun:"table:purge_history"`

	ID             string `bun:"id,pk"`
	Reason         string `bun:"reason,notnull"` // "version_mismatch", "corruption", "manual"
	FromVersion    int64  `bun:"from_version,notnull"`
	ToVersion      int64  `bun:"to_version,notnull"`
	EntriesDropped int64  `bun:"entries_dropped,notnull"`
	PurgedAt       int64  `bun:"purged_at,notnull"` // Unix milliseconds
}

// PurgeEvent is the live form of a purge_history row.
type PurgeEvent struct {
	ID             string
	Reason         string
	FromVersion    int64
	ToVersion      int64
	EntriesDropped int64
	PurgedAt       time.Time
}

// ToPurgeEvent converts a PurgeEventModel to a PurgeEvent
func (m *PurgeEventModel) ToPurgeEvent() *PurgeEvent {
	return &PurgeEvent{
		ID:             m.ID,
		Reason:         m.Reason,
		FromVersion:    m.FromVersion,
		ToVersion:      m.ToVersion,
		EntriesDropped: m.EntriesDropped,
		PurgedAt:       time.UnixMilli(m.PurgedAt),
	}
}

// DayAggregateModel represents the day_aggregates table
type DayAggregateModel struct {
	bun.BaseModel `bun:"table:day_aggregates"`

	Metric    string  `bun:"metric,pk"`
	Day       string  `bun:"day,pk"` // "2006-01-02"
	Count     int64   `bun:"count,notnull"`
	Sum       float64 `bun:"sum,notnull"`
	Min       float64 `bun:"min,notnull"`
	Max       float64 `bun:"max,notnull"`
	Samples   []byte  `bun:"samples"` // msgpack-encoded []float64
	UpdatedAt int64   `bun:"updated_at,notnull"` // Unix milliseconds
}

// DayAggregate is one day's computed summary for a metric.
type DayAggregate struct {
	Metric    string
	Day       string
	Count     int64
	Sum       float64
	Min       float64
	Max       float64
	Samples   []float64
	UpdatedAt time.Time
}

// Mean returns the arithmetic mean, 0 for an empty day.
func (a *DayAggregate) Mean() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// ToDayAggregate converts a DayAggregateModel to a DayAggregate.
// Returns an error if the samples blob cannot be decoded.
func (m *DayAggregateModel) ToDayAggregate() (*DayAggregate, error) {
	agg := &DayAggregate{
		Metric:    m.Metric,
		Day:       m.Day,
		Count:     m.Count,
		Sum:       m.Sum,
		Min:       m.Min,
		Max:       m.Max,
		UpdatedAt: time.UnixMilli(m.UpdatedAt),
	}
	if len(m.Samples) > 0 {
		if err := msgpack.Unmarshal(m.Samples, &agg.Samples); err != nil {
			return nil, err
		}
	}
	return agg, nil
}

// DayAggregateModelFromAggregate converts a DayAggregate to DayAggregateModel.
func DayAggregateModelFromAggregate(a *DayAggregate) (*DayAggregateModel, error) {
	m := &DayAggregateModel{
		Metric:    a.Metric,
		Day:       a.Day,
		Count:     a.Count,
		Sum:       a.Sum,
		Min:       a.Min,
		Max:       a.Max,
		UpdatedAt: a.UpdatedAt.UnixMilli(),
	}
	if len(a.Samples) > 0 {
		samples, err := msgpack.Marshal(a.Samples)
		if err != nil {
			return nil, err
		}
		m.Samples = samples
	}
	return m, nil
}
