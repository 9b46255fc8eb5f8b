package envelope

import (
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamflow/internal/runtime/codec"
	"github.com/drblury/streamflow/internal/runtime/ids"
	"github.com/drblury/streamflow/internal/runtime/jsoncodec"
	"github.com/drblury/streamflow/internal/runtime/metadata"
)

type wireItem struct {
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// EncodeBatch renders items as a JSON array of {"body": base64, "headers": {...}}.
func EncodeBatch(items []Item) ([]byte, error) {
	wire := make([]wireItem, len(items))
	for i, item := range items {
		headers := map[string]string(item.Headers)
		if headers == nil {
			headers = map[string]string{}
		}
		wire[i] = wireItem{Body: item.Body, Headers: headers}
	}
	return jsoncodec.Marshal(wire)
}

// DecodeBatch parses the form written by EncodeBatch.
func DecodeBatch(body []byte) ([]Item, error) {
	var wire []wireItem
	if err := jsoncodec.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	items := make([]Item, len(wire))
	for i, w := range wire {
		items[i] = Item{Body: w.Body, Headers: metadata.Metadata(w.Headers).Clone()}
	}
	return items, nil
}

func isWireBatch(md message.Metadata) bool {
	ok, _ := strconv.ParseBool(md.Get(metadata.Batch))
	return ok
}

// FromWatermill wraps msg. The correlation id header is generated when
// missing and wire batches are expanded into items.
func FromWatermill(msg *message.Message, c codec.Codec) (*Envelope, error) {
	headers := metadata.FromWatermill(msg.Metadata)
	e := &Envelope{
		Body:          msg.Payload,
		Headers:       headers,
		MessageID:     msg.UUID,
		CorrelationID: headers.Get(metadata.CorrelationID),
		ContentType:   headers.Get(metadata.ContentType),
		ReplyTo:       headers.Get(metadata.ReplyTo),
		Destination:   headers.Get(metadata.Destination),
		codec:         c,
		raw:           []*message.Message{msg},
	}
	if e.CorrelationID == "" {
		e.CorrelationID = ids.NewCorrelationID()
		e.Headers[metadata.CorrelationID] = e.CorrelationID
	}
	if isWireBatch(msg.Metadata) {
		items, err := DecodeBatch(msg.Payload)
		if err != nil {
			return e, err
		}
		e.Batch = true
		e.Items = items
	}
	return e, nil
}

// FromWatermillBatch gathers msgs into one batch envelope. Correlation and
// reply-to come from the first message.
func FromWatermillBatch(msgs []*message.Message, c codec.Codec) (*Envelope, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	first, err := FromWatermill(msgs[0], c)
	if err != nil {
		return first, err
	}
	e := &Envelope{
		Headers:       first.Headers,
		MessageID:     first.MessageID,
		CorrelationID: first.CorrelationID,
		ContentType:   first.ContentType,
		ReplyTo:       first.ReplyTo,
		Destination:   first.Destination,
		Batch:         true,
		codec:         c,
		raw:           msgs,
	}
	for _, msg := range msgs {
		if isWireBatch(msg.Metadata) {
			items, err := DecodeBatch(msg.Payload)
			if err != nil {
				return e, err
			}
			e.Items = append(e.Items, items...)
			continue
		}
		e.Items = append(e.Items, Item{Body: msg.Payload, Headers: metadata.FromWatermill(msg.Metadata)})
	}
	return e, nil
}

// ToWatermill renders e as a new transport message. Reserved headers are
// written from the envelope fields.
func (e *Envelope) ToWatermill() (*message.Message, error) {
	id := e.MessageID
	if id == "" {
		id = ids.CreateULID()
		e.MessageID = id
	}
	body := e.Body
	headers := e.Headers.Clone()
	if e.Batch {
		encoded, err := EncodeBatch(e.Items)
		if err != nil {
			return nil, err
		}
		body = encoded
		headers[metadata.Batch] = "true"
	}
	if e.CorrelationID != "" {
		headers[metadata.CorrelationID] = e.CorrelationID
	}
	if e.ContentType != "" {
		headers[metadata.ContentType] = e.ContentType
	}
	if e.ReplyTo != "" {
		headers[metadata.ReplyTo] = e.ReplyTo
	}
	if e.Destination != "" {
		headers[metadata.Destination] = e.Destination
	}
	msg := message.NewMessage(id, body)
	msg.Metadata = metadata.ToWatermill(headers)
	return msg, nil
}
