// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package shareable

import (
	"encoding/json"
	"fmt"
)

// wireHeader is one ordered header pair in the wire form.
type wireHeader struct {
	Key   string `json:"k"`
	Value any    `json:"v"`
}

// wireShareable is the JSON wire form: headers as an ordered array (a JSON
// object would lose insertion order), payload as-is.
type wireShareable struct {
	Headers []wireHeader `json:"headers"`
	Payload any          `json:"payload,omitempty"`
}

// Encode serializes s into its canonical wire form. Encoding the same
// Shareable twice yields byte-equivalent output, since header order is
// preserved as an array.
func Encode(s *Shareable) ([]byte, error) {
	w := wireShareable{Payload: s.Payload}
	for _, h := range s.Headers() {
		w.Headers = append(w.Headers, wireHeader{Key: h.Key, Value: h.Value})
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("shareable: encode: %w", err)
	}
	return b, nil
}

// Decode deserializes the wire form produced by Encode. Header values of
// non-string JSON types come back as json.Unmarshal decodes them (float64,
// bool, map, slice).
func Decode(b []byte) (*Shareable, error) {
	var w wireShareable
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("shareable: decode: %w", err)
	}
	s := New(w.Payload)
	for _, h := range w.Headers {
		s.Set(h.Key, h.Value)
	}
	return s, nil
}
