package owire

import "strings"

// DestinationType is the tagged variant from spec §3: Queue, Topic,
// TemporaryQueue, TemporaryTopic.
type DestinationType uint8

const (
	Queue DestinationType = iota
	Topic
	TemporaryQueue
	TemporaryTopic
)

func (t DestinationType) String() string {
	switch t {
	case Queue:
		return "queue"
	case Topic:
		return "topic"
	case TemporaryQueue:
		return "temp-queue"
	case TemporaryTopic:
		return "temp-topic"
	default:
		return "unknown"
	}
}

func (t DestinationType) IsTemporary() bool {
	return t == TemporaryQueue || t == TemporaryTopic
}

func (t DestinationType) IsTopic() bool {
	return t == Topic || t == TemporaryTopic
}

// Destination is a tagged variant plus a physical name and parsed option
// parameters (spec §3). Temporary destinations carry their owning
// connection id embedded in the physical name (e.g.
// "ID:client-1234:0:temp-queue:1") so a broker can reject cross-connection
// use; this client does not parse that convention out, it only preserves
// whatever name string created the destination.
type Destination struct {
	Type       DestinationType
	Physical   string
	Options    map[string]string
	Composites []Destination // non-empty only for a comma-separated composite destination
}

func NewQueue(name string) Destination        { return Destination{Type: Queue, Physical: name} }
func NewTopic(name string) Destination        { return Destination{Type: Topic, Physical: name} }
func NewTempQueue(name string) Destination    { return Destination{Type: TemporaryQueue, Physical: name} }
func NewTempTopic(name string) Destination    { return Destination{Type: TemporaryTopic, Physical: name} }

func (d Destination) IsComposite() bool { return len(d.Composites) > 0 }

// QualifiedName renders the destination using the §6 naming convention
// (queue://name, topic://name, ...). This is a convenience for logging and
// tests; destination naming is otherwise handled by the external URI/name
// parser collaborator (spec §1 non-goals).
func (d Destination) QualifiedName() string {
	if d.IsComposite() {
		parts := make([]string, len(d.Composites))
		for i, c := range d.Composites {
			parts[i] = c.QualifiedName()
		}
		return strings.Join(parts, ",")
	}
	return d.Type.String() + "://" + d.Physical
}

func (d Destination) Equal(o Destination) bool {
	if d.Type != o.Type || d.Physical != o.Physical || len(d.Composites) != len(o.Composites) {
		return false
	}
	for i := range d.Composites {
		if !d.Composites[i].Equal(o.Composites[i]) {
			return false
		}
	}
	return true
}
