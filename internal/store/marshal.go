package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/automata/internal/ir"
)

// Record shapes as stored. Values are kept as raw canonical JSON so that
// integers survive the round trip without float64 conversion.

type descriptorRecord struct {
	Name           string                     `json:"name"`
	StateSchema    json.RawMessage            `json:"state_schema"`
	EventSchemas   map[string]json.RawMessage `json:"event_schemas"`
	TransitionSpec string                     `json:"transition_spec"`
	InitialState   json.RawMessage            `json:"initial_state"`
}

type automataRecord struct {
	ID               string           `json:"id"`
	TenantID         string           `json:"tenant_id"`
	RealmID          string           `json:"realm_id"`
	Descriptor       descriptorRecord `json:"descriptor"`
	DescriptorHash   string           `json:"descriptor_hash"`
	CurrentState     json.RawMessage  `json:"current_state"`
	Version          string           `json:"version"`
	Status           ir.Status        `json:"status"`
	CreatorSubjectID string           `json:"creator_subject_id"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

type eventRecord struct {
	AutomataID      string          `json:"automata_id"`
	BaseVersion     string          `json:"base_version"`
	EventType       string          `json:"event_type"`
	EventData       json.RawMessage `json:"event_data"`
	SenderSubjectID string          `json:"sender_subject_id"`
	Timestamp       time.Time       `json:"timestamp"`
}

type snapshotRecord struct {
	AutomataID string          `json:"automata_id"`
	Version    string          `json:"version"`
	State      json.RawMessage `json:"state"`
	CreatedAt  time.Time       `json:"created_at"`
}

type realmEntry struct {
	CreatedAt time.Time `json:"created_at"`
}

func canonicalValue(v ir.Value) (json.RawMessage, error) {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func parseValue(raw json.RawMessage) (ir.Value, error) {
	if len(raw) == 0 {
		return ir.Null{}, nil
	}
	return ir.Parse(raw)
}

// encodeRecord serializes a record without HTML escaping.
func encodeRecord(rec any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func marshalAutomata(a ir.Automata) ([]byte, error) {
	desc, err := toDescriptorRecord(a.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("marshal automata %s: %w", a.ID, err)
	}
	state, err := canonicalValue(a.CurrentState)
	if err != nil {
		return nil, fmt.Errorf("marshal automata %s: current state: %w", a.ID, err)
	}
	return encodeRecord(automataRecord{
		ID:               a.ID,
		TenantID:         a.TenantID,
		RealmID:          a.RealmID,
		Descriptor:       desc,
		DescriptorHash:   a.DescriptorHash,
		CurrentState:     state,
		Version:          a.Version,
		Status:           a.Status,
		CreatorSubjectID: a.CreatorSubjectID,
		CreatedAt:        a.CreatedAt.UTC(),
		UpdatedAt:        a.UpdatedAt.UTC(),
	})
}

func unmarshalAutomata(data []byte) (ir.Automata, error) {
	var rec automataRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ir.Automata{}, fmt.Errorf("unmarshal automata: %w", err)
	}
	desc, err := fromDescriptorRecord(rec.Descriptor)
	if err != nil {
		return ir.Automata{}, fmt.Errorf("unmarshal automata %s: %w", rec.ID, err)
	}
	state, err := parseValue(rec.CurrentState)
	if err != nil {
		return ir.Automata{}, fmt.Errorf("unmarshal automata %s: current state: %w", rec.ID, err)
	}
	return ir.Automata{
		ID:               rec.ID,
		TenantID:         rec.TenantID,
		RealmID:          rec.RealmID,
		Descriptor:       desc,
		DescriptorHash:   rec.DescriptorHash,
		CurrentState:     state,
		Version:          rec.Version,
		Status:           rec.Status,
		CreatorSubjectID: rec.CreatorSubjectID,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}, nil
}

func toDescriptorRecord(d ir.Descriptor) (descriptorRecord, error) {
	stateSchema, err := canonicalValue(d.StateSchema)
	if err != nil {
		return descriptorRecord{}, fmt.Errorf("state schema: %w", err)
	}
	initial, err := canonicalValue(d.InitialState)
	if err != nil {
		return descriptorRecord{}, fmt.Errorf("initial state: %w", err)
	}
	schemas := make(map[string]json.RawMessage, len(d.EventSchemas))
	for eventType, schema := range d.EventSchemas {
		raw, err := canonicalValue(schema)
		if err != nil {
			return descriptorRecord{}, fmt.Errorf("event schema %s: %w", eventType, err)
		}
		schemas[eventType] = raw
	}
	return descriptorRecord{
		Name:           d.Name,
		StateSchema:    stateSchema,
		EventSchemas:   schemas,
		TransitionSpec: d.TransitionSpec,
		InitialState:   initial,
	}, nil
}

func fromDescriptorRecord(rec descriptorRecord) (ir.Descriptor, error) {
	stateSchema, err := parseValue(rec.StateSchema)
	if err != nil {
		return ir.Descriptor{}, fmt.Errorf("state schema: %w", err)
	}
	initial, err := parseValue(rec.InitialState)
	if err != nil {
		return ir.Descriptor{}, fmt.Errorf("initial state: %w", err)
	}
	schemas := make(map[string]ir.Value, len(rec.EventSchemas))
	for eventType, raw := range rec.EventSchemas {
		v, err := parseValue(raw)
		if err != nil {
			return ir.Descriptor{}, fmt.Errorf("event schema %s: %w", eventType, err)
		}
		schemas[eventType] = v
	}
	return ir.Descriptor{
		Name:           rec.Name,
		StateSchema:    stateSchema,
		EventSchemas:   schemas,
		TransitionSpec: rec.TransitionSpec,
		InitialState:   initial,
	}, nil
}

func marshalEvent(ev ir.Event) ([]byte, error) {
	data, err := canonicalValue(ev.EventData)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	return encodeRecord(eventRecord{
		AutomataID:      ev.AutomataID,
		BaseVersion:     ev.BaseVersion,
		EventType:       ev.EventType,
		EventData:       data,
		SenderSubjectID: ev.SenderSubjectID,
		Timestamp:       ev.Timestamp.UTC(),
	})
}

// unmarshalEvent derives the event id from its key; it is not stored.
func unmarshalEvent(data []byte) (ir.Event, error) {
	var rec eventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ir.Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	eventData, err := parseValue(rec.EventData)
	if err != nil {
		return ir.Event{}, fmt.Errorf("unmarshal event %s/%s: %w", rec.AutomataID, rec.BaseVersion, err)
	}
	return ir.Event{
		ID:              ir.EventID(rec.AutomataID, rec.BaseVersion),
		AutomataID:      rec.AutomataID,
		BaseVersion:     rec.BaseVersion,
		EventType:       rec.EventType,
		EventData:       eventData,
		SenderSubjectID: rec.SenderSubjectID,
		Timestamp:       rec.Timestamp,
	}, nil
}

func marshalSnapshot(snap ir.Snapshot) ([]byte, error) {
	state, err := canonicalValue(snap.State)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot %s@%s: %w", snap.AutomataID, snap.Version, err)
	}
	return encodeRecord(snapshotRecord{
		AutomataID: snap.AutomataID,
		Version:    snap.Version,
		State:      state,
		CreatedAt:  snap.CreatedAt.UTC(),
	})
}

func unmarshalSnapshot(data []byte) (ir.Snapshot, error) {
	var rec snapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ir.Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	state, err := parseValue(rec.State)
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("unmarshal snapshot %s@%s: %w", rec.AutomataID, rec.Version, err)
	}
	return ir.Snapshot{
		AutomataID: rec.AutomataID,
		Version:    rec.Version,
		State:      state,
		CreatedAt:  rec.CreatedAt,
	}, nil
}
