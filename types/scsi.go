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

package types

// Direction of a SCSI data transfer, seen from the initiator.
type Direction int

const (
	DirNone Direction = iota
	DirRead
	DirWrite
)

func (d Direction) String() string {
	switch d {
	case DirRead:
		return "read"
	case DirWrite:
		return "write"
	}
	return "none"
}

// StatusCode is the completion reported to the device for a command.
type StatusCode int

const (
	StatusOK StatusCode = iota
	// StatusSense completes with CHECK CONDITION and sense data.
	StatusSense
	StatusError
	// StatusReset tells the device the command was aborted by a
	// connection or session failure and may be retried.
	StatusReset
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSense:
		return "sense"
	case StatusError:
		return "error"
	case StatusReset:
		return "reset"
	}
	return "unknown"
}

type EventKind int

const (
	EventProbe EventKind = iota
	EventDetach
)

func (e EventKind) String() string {
	if e == EventProbe {
		return "probe"
	}
	return "detach"
}

// AllLUNs addresses every LUN of a target in device events.
const AllLUNs = -1

type SCSICommand struct {
	Tag        uint32
	Target     int
	LUN        int
	CDB        []byte
	Direction  Direction
	DataLength uint32
}

// Device is the local SCSI side of the initiator. Every command read from
// Commands is completed with exactly one Status call.
type Device interface {
	Commands() <-chan *SCSICommand
	Status(tag uint32, code StatusCode, sense []byte) error
	// Data moves command payload. For DirRead buf is delivered at offset,
	// for DirWrite buf is filled from offset and the count is returned.
	Data(dir Direction, tag uint32, offset uint32, buf []byte) (int, error)
	Event(kind EventKind, target, lun int) error
}
