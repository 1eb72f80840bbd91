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
	"encoding/binary"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Digest computes the CRC32C of the given buffers as if they were one.
func Digest(bufs ...[]byte) uint32 {
	var crc uint32
	for _, b := range bufs {
		crc = crc32.Update(crc, castagnoli, b)
	}
	return crc
}

// digestBytes renders a digest the way it goes on the wire. iSCSI transmits
// CRC32C least significant byte first.
func digestBytes(crc uint32) []byte {
	b := make([]byte, DigestLength)
	binary.LittleEndian.PutUint32(b, crc)
	return b
}

func checkDigest(want []byte, bufs ...[]byte) bool {
	return binary.LittleEndian.Uint32(want) == Digest(bufs...)
}
