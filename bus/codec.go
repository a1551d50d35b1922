// Package bus provides typed, at-least-once pub/sub over Kafka.
//
// Topics carry either self-describing JSON or length-prefixed binary
// frames; a Registry maps each topic to its codec and message factory, so
// that consumers receive decoded values rather than raw bytes.
package bus

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/autoforge/forge/protocol"
)

// Codec translates one message type to and from its wire form.
type Codec interface {
	Name() string
	Marshal(msg interface{}) ([]byte, error)
	Unmarshal(data []byte, msg interface{}) error
}

// JSONCodec is the default, self-describing codec.
type JSONCodec struct{}

func (JSONCodec) Name() string                                { return "json" }
func (JSONCodec) Marshal(msg interface{}) ([]byte, error)     { return json.Marshal(msg) }
func (JSONCodec) Unmarshal(data []byte, msg interface{}) error { return json.Unmarshal(data, msg) }

// RegressionFrameCodec encodes RegressionSignal as length-prefixed binary
// frames: a uvarint length before each string field, then the ack flag as
// a single byte. Schema-defined records stay compact on the wire and
// decode without reflection.
type RegressionFrameCodec struct{}

func (RegressionFrameCodec) Name() string { return "frame" }

func (RegressionFrameCodec) Marshal(msg interface{}) ([]byte, error) {
	var sig, ok = msg.(*protocol.RegressionSignal)
	if !ok {
		return nil, fmt.Errorf("frame codec expects *RegressionSignal, got %T", msg)
	}
	var b []byte
	b = appendFrame(b, []byte(sig.RequestID))
	b = appendFrame(b, []byte(sig.Stage))
	b = binary.AppendUvarint(b, uint64(len(sig.Notes)))
	for _, n := range sig.Notes {
		b = appendFrame(b, []byte(n))
	}
	if sig.Acked {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return b, nil
}

func (RegressionFrameCodec) Unmarshal(data []byte, msg interface{}) error {
	var sig, ok = msg.(*protocol.RegressionSignal)
	if !ok {
		return fmt.Errorf("frame codec expects *RegressionSignal, got %T", msg)
	}
	var err error
	if sig.RequestID, data, err = readFrame(data); err != nil {
		return fmt.Errorf("request_id frame: %w", err)
	}
	if sig.Stage, data, err = readFrame(data); err != nil {
		return fmt.Errorf("stage frame: %w", err)
	}
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return fmt.Errorf("malformed notes count")
	}
	data = data[n:]
	sig.Notes = nil
	for i := uint64(0); i < count; i++ {
		var note string
		if note, data, err = readFrame(data); err != nil {
			return fmt.Errorf("note frame %d: %w", i, err)
		}
		sig.Notes = append(sig.Notes, note)
	}
	if len(data) != 1 {
		return fmt.Errorf("malformed ack trailer")
	}
	sig.Acked = data[0] == 1
	return nil
}

func appendFrame(b, frame []byte) []byte {
	b = binary.AppendUvarint(b, uint64(len(frame)))
	return append(b, frame...)
}

func readFrame(data []byte) (string, []byte, error) {
	size, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) < size {
		return "", nil, fmt.Errorf("truncated frame")
	}
	return string(data[n : n+int(size)]), data[n+int(size):], nil
}

// Registry maps topics to their codec and message factory.
type Registry struct {
	entries map[string]registration
}

type registration struct {
	codec   Codec
	factory func() interface{}
}

// NewRegistry returns an empty codec registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register binds a topic to a codec and a factory for its message type.
func (r *Registry) Register(topic string, codec Codec, factory func() interface{}) {
	r.entries[topic] = registration{codec: codec, factory: factory}
}

// Encode marshals a message for the given topic.
func (r *Registry) Encode(topic string, msg interface{}) ([]byte, error) {
	var reg, ok = r.entries[topic]
	if !ok {
		return nil, fmt.Errorf("no codec registered for topic %q", topic)
	}
	return reg.codec.Marshal(msg)
}

// Decode unmarshals topic bytes into a freshly constructed message.
func (r *Registry) Decode(topic string, data []byte) (interface{}, error) {
	var reg, ok = r.entries[topic]
	if !ok {
		return nil, fmt.Errorf("no codec registered for topic %q", topic)
	}
	var msg = reg.factory()
	if err := reg.codec.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %q with %s codec: %w", topic, reg.codec.Name(), err)
	}
	return msg, nil
}

// PipelineRegistry returns the registry covering every pipeline topic.
// All topics are JSON except the regression topic, which uses the binary
// frame codec.
func PipelineRegistry() *Registry {
	var r = NewRegistry()
	r.Register(protocol.TopicChangeRequest, JSONCodec{}, func() interface{} { return new(protocol.ChangeRequest) })
	r.Register(protocol.TopicPlan, JSONCodec{}, func() interface{} { return new(protocol.Plan) })
	r.Register(protocol.TopicTaskBundle, JSONCodec{}, func() interface{} { return new(protocol.TaskBundle) })
	r.Register(protocol.TopicCommitResult, JSONCodec{}, func() interface{} { return new(protocol.CommitResult) })
	r.Register(protocol.TopicBuildReport, JSONCodec{}, func() interface{} { return new(protocol.BuildReport) })
	r.Register(protocol.TopicTestSpec, JSONCodec{}, func() interface{} { return new(protocol.TestSpec) })
	r.Register(protocol.TopicGeneratedTests, JSONCodec{}, func() interface{} { return new(protocol.GeneratedTests) })
	r.Register(protocol.TopicRegression, RegressionFrameCodec{}, func() interface{} { return new(protocol.RegressionSignal) })
	return r
}
