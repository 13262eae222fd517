// Copyright 2025 walteh LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wire defines the messages exchanged over the rings and their
// encoding. Each message travels as one ring frame: the frame tag names the
// variant and the frame payload is the CBOR body.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/walteh/uwpdump/pkg/dumperr"
	"gitlab.com/tozd/go/errors"
)

// ProtocolVersion is the message schema version carried in Handshake.
const ProtocolVersion uint16 = 1

// MaxPathLength is the longest path, in bytes, a message may carry.
const MaxPathLength = 32767

// Tag identifies a message variant on the wire.
type Tag byte

// 📨 Events, guest to host
const (
	TagHandshake     Tag = 0x01
	TagFileStarted   Tag = 0x02
	TagFileProgress  Tag = 0x03
	TagFileCompleted Tag = 0x04
	TagFileFailed    Tag = 0x05
	TagDumpCompleted Tag = 0x06
	TagHeartbeat     Tag = 0x07
	TagLog           Tag = 0x08
	TagFatal         Tag = 0x09
	TagStopped       Tag = 0x0a
)

// 📣 Commands, host to guest
const (
	TagStartDump Tag = 0x81
	TagShutdown  Tag = 0x82
	TagAck       Tag = 0x83
)

var tagNames = map[Tag]string{
	TagHandshake:     "Handshake",
	TagFileStarted:   "FileStarted",
	TagFileProgress:  "FileProgress",
	TagFileCompleted: "FileCompleted",
	TagFileFailed:    "FileFailed",
	TagDumpCompleted: "DumpCompleted",
	TagHeartbeat:     "Heartbeat",
	TagLog:           "Log",
	TagFatal:         "Fatal",
	TagStopped:       "Stopped",
	TagStartDump:     "StartDump",
	TagShutdown:      "Shutdown",
	TagAck:           "Ack",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tag(0x%02x)", byte(t))
}

// IsCommand reports whether the tag travels host to guest.
func (t Tag) IsCommand() bool { return t&0x80 != 0 }

// Message is any wire variant.
type Message interface {
	Tag() Tag
}

// Handshake announces the payload is mapped and ready.
type Handshake struct {
	PID             uint32 `cbor:"1,keyasint"`
	ProtocolVersion uint16 `cbor:"2,keyasint"`
}

// FileStarted precedes the copy of one file. Path is relative to the
// package root and uses forward slashes.
type FileStarted struct {
	Path string `cbor:"1,keyasint"`
	Size int64  `cbor:"2,keyasint"`
}

// FileProgress reports bytes copied so far for the current file.
type FileProgress struct {
	BytesSoFar int64 `cbor:"1,keyasint"`
}

// FileCompleted reports a staged file and its hex blake3 digest.
type FileCompleted struct {
	Path   string `cbor:"1,keyasint"`
	Bytes  int64  `cbor:"2,keyasint"`
	Digest string `cbor:"3,keyasint"`
}

// FileFailed reports a file that could not be staged.
type FileFailed struct {
	Path   string `cbor:"1,keyasint"`
	Reason string `cbor:"2,keyasint"`
}

// DumpCompleted ends the staging pass.
type DumpCompleted struct {
	TotalFiles   uint64 `cbor:"1,keyasint"`
	TotalBytes   uint64 `cbor:"2,keyasint"`
	FailureCount uint64 `cbor:"3,keyasint"`
	StagingRoot  string `cbor:"4,keyasint"`
}

// Heartbeat is a liveness message sent between files.
type Heartbeat struct {
	Seq uint64 `cbor:"1,keyasint"`
}

// Log forwards one payload log line. Level is a zerolog level name.
type Log struct {
	Level string `cbor:"1,keyasint"`
	Text  string `cbor:"2,keyasint"`
}

// Fatal reports a condition that stops the payload.
type Fatal struct {
	Kind   string `cbor:"1,keyasint"`
	Reason string `cbor:"2,keyasint"`
}

// Stopped acknowledges Shutdown.
type Stopped struct{}

// StartDump tells the payload what to stage and where.
type StartDump struct {
	PackageRoot   string   `cbor:"1,keyasint"`
	StagingRoot   string   `cbor:"2,keyasint"`
	Exclude       []string `cbor:"3,keyasint,omitempty"`
	ProgressEvery int64    `cbor:"4,keyasint,omitempty"`
}

// Shutdown asks the payload to stop at the next file boundary.
type Shutdown struct{}

// Ack acknowledges DumpCompleted.
type Ack struct{}

func (Handshake) Tag() Tag     { return TagHandshake }
func (FileStarted) Tag() Tag   { return TagFileStarted }
func (FileProgress) Tag() Tag  { return TagFileProgress }
func (FileCompleted) Tag() Tag { return TagFileCompleted }
func (FileFailed) Tag() Tag    { return TagFileFailed }
func (DumpCompleted) Tag() Tag { return TagDumpCompleted }
func (Heartbeat) Tag() Tag     { return TagHeartbeat }
func (Log) Tag() Tag           { return TagLog }
func (Fatal) Tag() Tag         { return TagFatal }
func (Stopped) Tag() Tag       { return TagStopped }
func (StartDump) Tag() Tag     { return TagStartDump }
func (Shutdown) Tag() Tag      { return TagShutdown }
func (Ack) Tag() Tag           { return TagAck }

func (m FileStarted) paths() []string   { return []string{m.Path} }
func (m FileCompleted) paths() []string { return []string{m.Path} }
func (m FileFailed) paths() []string    { return []string{m.Path} }
func (m DumpCompleted) paths() []string { return []string{m.StagingRoot} }
func (m StartDump) paths() []string     { return []string{m.PackageRoot, m.StagingRoot} }

type pathed interface {
	paths() []string
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

func checkPaths(m Message) error {
	p, ok := m.(pathed)
	if !ok {
		return nil
	}
	for _, path := range p.paths() {
		if len(path) > MaxPathLength {
			return dumperr.NewPath(dumperr.ErrPathTooLong, "encode "+m.Tag().String(), truncate(path), errors.Errorf("%d bytes, limit %d", len(path), MaxPathLength))
		}
	}
	return nil
}

func truncate(path string) string {
	const keep = 64
	if len(path) <= keep {
		return path
	}
	return path[:keep] + "..."
}

// Encode returns the frame tag and CBOR body for m.
func Encode(m Message) (Tag, []byte, error) {
	if m == nil {
		return 0, nil, errors.New("encoding message: nil message")
	}
	if err := checkPaths(m); err != nil {
		return 0, nil, err
	}
	body, err := encMode.Marshal(m)
	if err != nil {
		return 0, nil, errors.Errorf("encoding %s: %w", m.Tag(), err)
	}
	return m.Tag(), body, nil
}

// Decode rebuilds the message carried by one frame. An unknown tag, a
// malformed body or an oversized path is a protocol violation.
func Decode(tag Tag, body []byte) (Message, error) {
	m, err := decode(tag, body)
	if err != nil {
		return nil, dumperr.New(dumperr.ErrProtocolViolation, "decode "+tag.String(), err)
	}
	if err := checkPaths(m); err != nil {
		return nil, dumperr.New(dumperr.ErrProtocolViolation, "decode "+tag.String(), err)
	}
	return m, nil
}

func decode(tag Tag, body []byte) (Message, error) {
	switch tag {
	case TagHandshake:
		return unmarshal[Handshake](body)
	case TagFileStarted:
		return unmarshal[FileStarted](body)
	case TagFileProgress:
		return unmarshal[FileProgress](body)
	case TagFileCompleted:
		return unmarshal[FileCompleted](body)
	case TagFileFailed:
		return unmarshal[FileFailed](body)
	case TagDumpCompleted:
		return unmarshal[DumpCompleted](body)
	case TagHeartbeat:
		return unmarshal[Heartbeat](body)
	case TagLog:
		return unmarshal[Log](body)
	case TagFatal:
		return unmarshal[Fatal](body)
	case TagStopped:
		return unmarshal[Stopped](body)
	case TagStartDump:
		return unmarshal[StartDump](body)
	case TagShutdown:
		return unmarshal[Shutdown](body)
	case TagAck:
		return unmarshal[Ack](body)
	default:
		return nil, errors.Errorf("unknown tag 0x%02x", byte(tag))
	}
}

func unmarshal[M Message](body []byte) (Message, error) {
	var m M
	if err := decMode.Unmarshal(body, &m); err != nil {
		return nil, errors.Errorf("decoding body: %w", err)
	}
	return m, nil
}
