/*
 Copyright © 2020 The OpenEBS Authors

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package pdu

import (
	"bytes"
	"fmt"
)

// KeyValue is one text key of a login or text exchange.
type KeyValue struct {
	Key   string
	Value string
}

func (kv KeyValue) String() string {
	return kv.Key + "=" + kv.Value
}

// EncodeText renders keys as NUL terminated key=value strings, in order.
func EncodeText(kvs []KeyValue) []byte {
	var buf bytes.Buffer
	for _, kv := range kvs {
		buf.WriteString(kv.Key)
		buf.WriteByte('=')
		buf.WriteString(kv.Value)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// DecodeText parses a text data segment. Order and duplicates are kept.
// Trailing zero padding is ignored.
func DecodeText(data []byte) ([]KeyValue, error) {
	var kvs []KeyValue
	for len(data) > 0 {
		end := bytes.IndexByte(data, 0)
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated text key", ErrMalformed)
		}
		entry := data[:end]
		data = data[end+1:]
		if len(entry) == 0 {
			continue
		}
		eq := bytes.IndexByte(entry, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: bad text key %q", ErrMalformed, entry)
		}
		kvs = append(kvs, KeyValue{
			Key:   string(entry[:eq]),
			Value: string(entry[eq+1:]),
		})
	}
	return kvs, nil
}

// Lookup returns the value of the first key named key.
func Lookup(kvs []KeyValue, key string) (string, bool) {
	for _, kv := range kvs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// LookupAll returns every value given for key, in order.
func LookupAll(kvs []KeyValue, key string) []string {
	var vals []string
	for _, kv := range kvs {
		if kv.Key == key {
			vals = append(vals, kv.Value)
		}
	}
	return vals
}
