package ir

import "time"

// Status is the lifecycle state of an automata. The only transition is
// active → archived.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusArchived
}

// Descriptor is the immutable definition of an automata: its schemas,
// transition logic and initial state.
type Descriptor struct {
	Name           string           `json:"name"`
	StateSchema    Value            `json:"state_schema,omitempty"`
	EventSchemas   map[string]Value `json:"event_schemas"`
	TransitionSpec string           `json:"transition_spec"`
	InitialState   Value            `json:"initial_state"`
}

// HasEventType reports whether eventType is declared by the descriptor.
func (d Descriptor) HasEventType(eventType string) bool {
	_, ok := d.EventSchemas[eventType]
	return ok
}

// EventTypes returns the declared event types in canonical order.
func (d Descriptor) EventTypes() []string {
	obj := make(Object, len(d.EventSchemas))
	for k, v := range d.EventSchemas {
		obj[k] = v
	}
	return obj.SortedKeys()
}

func (d Descriptor) toObject() Object {
	schemas := make(Object, len(d.EventSchemas))
	for k, v := range d.EventSchemas {
		schemas[k] = orNull(v)
	}
	return Object{
		"name":            String(d.Name),
		"state_schema":    orNull(d.StateSchema),
		"event_schemas":   schemas,
		"transition_spec": String(d.TransitionSpec),
		"initial_state":   orNull(d.InitialState),
	}
}

func orNull(v Value) Value {
	if v == nil {
		return Null{}
	}
	return v
}

// Automata is a managed entity: a current state advanced only by events.
type Automata struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	RealmID          string     `json:"realm_id"`
	Descriptor       Descriptor `json:"descriptor"`
	DescriptorHash   string     `json:"descriptor_hash"`
	CurrentState     Value      `json:"current_state"`
	Version          string     `json:"version"`
	Status           Status     `json:"status"`
	CreatorSubjectID string     `json:"creator_subject_id"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Event is one accepted transition. Its identity is (AutomataID, BaseVersion);
// applying it to the state at BaseVersion yields the state at the next version.
type Event struct {
	ID              string    `json:"id"`
	AutomataID      string    `json:"automata_id"`
	BaseVersion     string    `json:"base_version"`
	EventType       string    `json:"event_type"`
	EventData       Value     `json:"event_data"`
	SenderSubjectID string    `json:"sender_subject_id"`
	Timestamp       time.Time `json:"timestamp"`
}

// Snapshot is a cached state at a specific version.
type Snapshot struct {
	AutomataID string    `json:"automata_id"`
	Version    string    `json:"version"`
	State      Value     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
}
