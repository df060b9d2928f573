// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame kinds carried on the serial bridge.
const (
	FrameBatch    byte = 0x01
	FrameSettings byte = 0x02
)

const (
	syncByte0 = 0xA5
	syncByte1 = 0x5A

	// largest payload we accept: sensor + count + 39 triplets
	maxPayload = 2 + MaxBatchSize*6
)

var (
	ErrShortFrame   = errors.New("imu: short frame")
	ErrBadChecksum  = errors.New("imu: bad frame checksum")
	ErrFrameTooLong = errors.New("imu: frame too long")
)

// Frame is one decoded serial-bridge message.
type Frame struct {
	Kind    byte
	Payload []byte
}

// EncodeBatch serializes a batch as [sensor][count][count*3 int16 LE].
func EncodeBatch(b RawBatch) ([]byte, error) {
	if len(b.Samples) > MaxBatchSize {
		return nil, fmt.Errorf("imu: batch of %d samples exceeds %d", len(b.Samples), MaxBatchSize)
	}
	buf := make([]byte, 2+len(b.Samples)*6)
	buf[0] = byte(b.Sensor)
	buf[1] = byte(len(b.Samples))
	off := 2
	for _, s := range b.Samples {
		for _, v := range s {
			binary.LittleEndian.PutUint16(buf[off:], uint16(v))
			off += 2
		}
	}
	return buf, nil
}

// DecodeBatch is the inverse of EncodeBatch.
func DecodeBatch(p []byte) (RawBatch, error) {
	if len(p) < 2 {
		return RawBatch{}, ErrShortFrame
	}
	sensor := SensorType(p[0])
	if !sensor.Valid() {
		return RawBatch{}, fmt.Errorf("imu: batch for %v", sensor)
	}
	n := int(p[1])
	if len(p) < 2+n*6 {
		return RawBatch{}, fmt.Errorf("%w: %d samples need %d bytes, have %d", ErrShortFrame, n, 2+n*6, len(p))
	}
	out := RawBatch{Sensor: sensor, Samples: make([]RawTriplet, n)}
	off := 2
	for i := range out.Samples {
		for c := 0; c < 3; c++ {
			out.Samples[i][c] = int16(binary.LittleEndian.Uint16(p[off:]))
			off += 2
		}
	}
	return out, nil
}

// EncodeSettings serializes [sensor][10 settings bytes].
func EncodeSettings(sensor SensorType, s Settings) []byte {
	buf := make([]byte, 1+SettingsLen)
	buf[0] = byte(sensor)
	copy(buf[1:], s[:])
	return buf
}

// DecodeSettings is the inverse of EncodeSettings.
func DecodeSettings(p []byte) (SensorType, Settings, error) {
	var s Settings
	if len(p) < 1+SettingsLen {
		return 0, s, ErrShortFrame
	}
	sensor := SensorType(p[0])
	if !sensor.Valid() {
		return 0, s, fmt.Errorf("imu: settings for %v", sensor)
	}
	copy(s[:], p[1:1+SettingsLen])
	return sensor, s, nil
}

func checksum(p []byte) byte {
	var sum byte
	for _, b := range p {
		sum += b
	}
	return sum
}

// WriteFrame writes sync, kind, length, payload and checksum.
func WriteFrame(w io.Writer, kind byte, payload []byte) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("imu: payload of %d bytes too large", len(payload))
	}
	buf := make([]byte, 0, 6+len(payload))
	buf = append(buf, syncByte0, syncByte1, kind)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, checksum(payload))
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads the next frame, skipping garbage until a sync word.
// A checksum mismatch returns ErrBadChecksum and an impossible length
// ErrFrameTooLong; in both cases the caller may keep reading and the next
// call resynchronises on the following sync word.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return Frame{}, err
		}
		if b != syncByte0 {
			continue
		}
		next, err := r.Peek(1)
		if err != nil {
			return Frame{}, err
		}
		if next[0] != syncByte1 {
			continue
		}
		_, _ = r.ReadByte()
		break
	}

	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := int(binary.LittleEndian.Uint16(hdr[1:]))
	if n > maxPayload {
		return Frame{}, fmt.Errorf("%w: length %d exceeds %d", ErrFrameTooLong, n, maxPayload)
	}
	body := make([]byte, n+1)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	if checksum(body[:n]) != body[n] {
		return Frame{}, ErrBadChecksum
	}
	return Frame{Kind: hdr[0], Payload: body[:n]}, nil
}
