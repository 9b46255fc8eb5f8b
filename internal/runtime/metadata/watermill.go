package metadata

import (
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill copies Watermill metadata into a Metadata map.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(md))
	maps.Copy(result, md)
	return result
}

// ToWatermill copies headers into a fresh Watermill map.
func ToWatermill(headers Metadata) message.Metadata {
	if len(headers) == 0 {
		return message.Metadata{}
	}

	wm := make(message.Metadata, len(headers))
	maps.Copy(wm, headers)
	return wm
}
