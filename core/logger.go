package core

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// EventKind groups behavioural events by the resource they touch
type EventKind string

const (
	EventRegistry EventKind = "registry"
	EventProcess  EventKind = "process"
	EventCrypto   EventKind = "crypto"
	EventService  EventKind = "service"
	EventToken    EventKind = "token"
)

// Event is one observable action the emulated program performed
type Event struct {
	Seq    uint64            `json:"seq" cbor:"1,keyasint"`
	Kind   EventKind         `json:"kind" cbor:"2,keyasint"`
	Action string            `json:"action" cbor:"3,keyasint"`
	Target string            `json:"target" cbor:"4,keyasint"`
	Detail map[string]string `json:"detail,omitempty" cbor:"5,keyasint,omitempty"`
}

func (e Event) String() string {
	s := fmt.Sprintf("[%d] %s %s %s", e.Seq, e.Kind, e.Action, e.Target)
	if len(e.Detail) == 0 {
		return s
	}
	keys := make([]string, 0, len(e.Detail))
	for k := range e.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s += fmt.Sprintf(" %s=%q", k, e.Detail[k])
	}
	return s
}

// Report is the exported form of a session's events
type Report struct {
	Session string              `json:"session" cbor:"1,keyasint"`
	Events  []Event             `json:"events" cbor:"2,keyasint"`
	Iocs    map[string][]string `json:"iocs,omitempty" cbor:"3,keyasint,omitempty"`
}

// LogManager collects the behavioural events of one emulation session
type LogManager struct {
	session uuid.UUID
	seq     uint64
	events  []Event
	iocs    map[string][]string
}

// same logical report always encodes to the same bytes
var reportEncMode cbor.EncMode

func init() {
	var err error
	reportEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("core: CBOR encoder initialization failed: " + err.Error())
	}
}

// NewLogManager starts an event log with a fresh session id
func NewLogManager() *LogManager {
	return NewLogManagerWithID(uuid.New())
}

// NewLogManagerWithID starts an event log for an existing session id
func NewLogManagerWithID(id uuid.UUID) *LogManager {
	return &LogManager{
		session: id,
		events:  make([]Event, 0, 64),
		iocs:    make(map[string][]string),
	}
}

// Session is the id every exported report carries
func (l *LogManager) Session() uuid.UUID { return l.session }

// Record appends an event and returns it with its sequence number filled in
func (l *LogManager) Record(kind EventKind, action, target string, detail map[string]string) Event {
	l.seq++
	e := Event{Seq: l.seq, Kind: kind, Action: action, Target: target, Detail: detail}
	l.events = append(l.events, e)
	return e
}

// AddIoc notes an indicator under key, keeping each value once
func (l *LogManager) AddIoc(key, value string) {
	for _, v := range l.iocs[key] {
		if v == value {
			return
		}
	}
	l.iocs[key] = append(l.iocs[key], value)
}

// Iocs returns the indicators recorded under key
func (l *LogManager) Iocs(key string) []string {
	return append([]string(nil), l.iocs[key]...)
}

// Events returns every event so far in order
func (l *LogManager) Events() []Event {
	return append([]Event(nil), l.events...)
}

// Filter returns the events of one kind
func (l *LogManager) Filter(kind EventKind) []Event {
	ret := make([]Event, 0)
	for _, e := range l.events {
		if e.Kind == kind {
			ret = append(ret, e)
		}
	}
	return ret
}

// Reset drops every event and indicator, keeping the session id
func (l *LogManager) Reset() {
	l.seq = 0
	l.events = l.events[:0]
	l.iocs = make(map[string][]string)
}

// Report snapshots the log
func (l *LogManager) Report() Report {
	iocs := make(map[string][]string, len(l.iocs))
	for k, v := range l.iocs {
		iocs[k] = append([]string(nil), v...)
	}
	return Report{Session: l.session.String(), Events: l.Events(), Iocs: iocs}
}

// ExportJSON writes the report as indented JSON
func (l *LogManager) ExportJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(l.Report())
}

// ExportCBOR encodes the report with core deterministic encoding
func (l *LogManager) ExportCBOR() ([]byte, error) {
	return reportEncMode.Marshal(l.Report())
}

// DecodeReport reads a report produced by ExportCBOR
func DecodeReport(data []byte) (Report, error) {
	var r Report
	if err := cbor.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("failed to decode event report: %w", err)
	}
	if _, err := uuid.Parse(r.Session); err != nil {
		return r, fmt.Errorf("event report has bad session id %q: %w", r.Session, err)
	}
	return r, nil
}
