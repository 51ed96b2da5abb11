// SPDX-License-Identifier: ice License 1.0

package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrParseMessage   = errors.New("parse message")
)

// EventEnvelope is the ["EVENT", <event JSON>] client-to-relay frame,
// unmarshalling directly into our own Event wrapper.
type EventEnvelope struct {
	Event
}

func (*EventEnvelope) Label() string { return string(EnvelopeTypeEvent) }

func (v *EventEnvelope) UnmarshalJSON(data []byte) error {
	var arr [2]json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("failed to decode EVENT envelope: %w", err)
	}

	return json.Unmarshal(arr[1], &v.Event)
}

func (v *EventEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{EnvelopeTypeEvent, v.Event})
}

func (v *EventEnvelope) String() string {
	data, _ := json.Marshal(v)
	return string(data)
}

// ParseMessage decodes a raw client frame into its envelope type. EVENT,
// REQ and COUNT frames are decoded into our own envelope types (so filter
// decoding stays under our control); everything else — CLOSE, AUTH — is
// delegated to go-nostr's own envelope parser.
func ParseMessage(message []byte) (e nostr.Envelope, err error) {
	firstComma := bytes.IndexByte(message, ',')
	if firstComma == -1 {
		return nil, ErrUnknownMessage
	}

	head := message[:firstComma]
	switch {
	case bytes.Contains(head, []byte("EVENT")):
		var eventEnvelope EventEnvelope
		if err = eventEnvelope.UnmarshalJSON(message); err != nil {
			return nil, errors.Wrap(err, "unmarshal event envelope")
		}
		e = &eventEnvelope
	case bytes.Contains(head, []byte("REQ")):
		var reqEnvelope ReqEnvelope
		if err = reqEnvelope.UnmarshalJSON(message); err != nil {
			return nil, errors.Wrap(err, "unmarshal req envelope")
		}
		e = &reqEnvelope
	case bytes.Contains(head, []byte("COUNT")):
		var countEnvelope CountEnvelope
		if err = countEnvelope.UnmarshalJSON(message); err != nil {
			return nil, errors.Wrap(err, "unmarshal count envelope")
		}
		e = &countEnvelope
	default:
		e = nostr.ParseMessage(message)
	}

	if e == nil {
		err = ErrParseMessage
	}

	return e, err
}
