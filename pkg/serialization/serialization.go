// Package serialization provides the codecs used to persist the store index
// and the engine's durable state records.
package serialization

import (
	"encoding/gob"
	"encoding/json"
	"io"
)

const (

	// JSONType selects the JSON codec.
	JSONType = "json"

	// GobType selects the Gob codec.
	GobType = "gob"
)

// Decoder decodes one value from its underlying reader.
type Decoder interface {
	Decode(v any) error
}

// Encoder encodes one value onto its underlying writer.
type Encoder interface {
	Encode(v any) error
}

// JSONEncoder returns an Encoder writing JSON to w.
func JSONEncoder(w io.Writer) Encoder {
	return json.NewEncoder(w)
}

// JSONDecoder returns a Decoder reading JSON from r.
func JSONDecoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}

// GobEncoder returns an Encoder writing gob to w.
func GobEncoder(w io.Writer) Encoder {
	return gob.NewEncoder(w)
}

// GobDecoder returns a Decoder reading gob from r.
func GobDecoder(r io.Reader) Decoder {
	return gob.NewDecoder(r)
}
