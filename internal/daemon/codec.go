package daemon

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec lets SyncStatus carry plain Go structs instead of
// protobuf-generated messages. grpc-go selects a codec by content-subtype
// rather than by inspecting the payload type, so registering this one and
// asking for it on the client (grpc.CallContentSubtype) is enough: the
// server looks the registered codec up by the subtype each call carries,
// which keeps the wire path entirely off proto.Message.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
