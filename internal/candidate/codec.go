package candidate

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// EntryKind discriminates journal records.
type EntryKind string

const (
	EntryAttempt EntryKind = "attempt"
	EntryOutcome EntryKind = "outcome"
)

// Entry is one record in a unit journal.
type Entry struct {
	Kind    EntryKind `json:"kind"`
	Attempt *Attempt  `json:"attempt,omitempty"`
	Outcome *Outcome  `json:"outcome,omitempty"`
}

// ErrTornTail reports a trailing record that was only partially written,
// typically by a process killed mid-append. Everything before it is intact.
var ErrTornTail = errors.New("torn journal tail")

// maxRecordSize bounds a single msgpack frame payload.
const maxRecordSize = 16 * 1024 * 1024

// Codec encodes journal entries to bytes and decodes a journal stream.
type Codec interface {
	Name() string
	Ext() string
	Marshal(e Entry) ([]byte, error)
	NewDecoder(r io.Reader) Decoder
}

// Decoder yields journal entries in order. Next returns io.EOF at a clean end
// and ErrTornTail (wrapped) when the final record is incomplete. Offset is the
// byte position just past the last successfully decoded entry.
type Decoder interface {
	Next() (Entry, error)
	Offset() int64
}

// CodecFor returns the codec registered under name ("jsonl" or "msgpack").
func CodecFor(name string) (Codec, error) {
	switch name {
	case "", "jsonl":
		return JSONLCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown journal format %q", name)
	}
}

// JSONLCodec stores one JSON object per line.
type JSONLCodec struct{}

func (JSONLCodec) Name() string { return "jsonl" }
func (JSONLCodec) Ext() string  { return ".jsonl" }

func (JSONLCodec) Marshal(e Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	return append(data, '\n'), nil
}

func (JSONLCodec) NewDecoder(r io.Reader) Decoder {
	return &jsonlDecoder{r: bufio.NewReader(r)}
}

type jsonlDecoder struct {
	r      *bufio.Reader
	offset int64
}

func (d *jsonlDecoder) Offset() int64 { return d.offset }

func (d *jsonlDecoder) Next() (Entry, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		if err == io.EOF {
			if len(line) == 0 {
				return Entry{}, io.EOF
			}
			return Entry{}, fmt.Errorf("%w: %d bytes without newline", ErrTornTail, len(line))
		}
		if err != nil {
			return Entry{}, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			d.offset += int64(len(line))
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return Entry{}, fmt.Errorf("decode entry at offset %d: %w", d.offset, err)
		}
		d.offset += int64(len(line))
		return e, nil
	}
}

// MsgpackCodec stores 4-byte big-endian length-prefixed msgpack frames.
// Field names follow the json struct tags so both formats agree.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }
func (MsgpackCodec) Ext() string  { return ".msgpack" }

func (MsgpackCodec) Marshal(e Entry) ([]byte, error) {
	var payload bytes.Buffer
	enc := msgpack.NewEncoder(&payload)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	if payload.Len() > maxRecordSize {
		return nil, fmt.Errorf("entry size %d exceeds maximum %d", payload.Len(), maxRecordSize)
	}
	frame := make([]byte, 4, 4+payload.Len())
	binary.BigEndian.PutUint32(frame, uint32(payload.Len()))
	return append(frame, payload.Bytes()...), nil
}

func (MsgpackCodec) NewDecoder(r io.Reader) Decoder {
	return &msgpackDecoder{r: r}
}

type msgpackDecoder struct {
	r      io.Reader
	offset int64
}

func (d *msgpackDecoder) Offset() int64 { return d.offset }

func (d *msgpackDecoder) Next() (Entry, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(d.r, prefix[:]); err != nil {
		if err == io.EOF {
			return Entry{}, io.EOF
		}
		return Entry{}, fmt.Errorf("%w: length prefix: %v", ErrTornTail, err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxRecordSize {
		return Entry{}, fmt.Errorf("frame at offset %d: payload size %d exceeds maximum %d", d.offset, size, maxRecordSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return Entry{}, fmt.Errorf("%w: payload: %v", ErrTornTail, err)
	}

	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.SetCustomStructTag("json")
	var e Entry
	if err := dec.Decode(&e); err != nil {
		return Entry{}, fmt.Errorf("decode frame at offset %d: %w", d.offset, err)
	}
	d.offset += int64(4 + size)
	return e, nil
}
