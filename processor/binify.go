package processor

import (
	"fmt"
	"strconv"
)

// TimesliceQuantum is the chunk window width in seconds. Every chunk covers
// exactly one hour of one device's one data stream.
const TimesliceQuantum = 3600

// BinKey identifies one hour's worth of one device's one data stream; it is
// the unit of merge. Header is part of the key so that two uploads with
// incompatible column sets can never be concatenated silently.
type BinKey struct {
	StudyObjectID string
	DeviceID      string
	DataStream    string
	TimeBin       int64 // hours since the unix epoch
	Header        string
}

func (k BinKey) String() string {
	return fmt.Sprintf("%s/%s/%s@%d", k.StudyObjectID, k.DeviceID, k.DataStream, k.TimeBin)
}

// BadTimecodeError reports a leading row field that could not be parsed as
// a unix-ish timestamp. The origin of these corrupt values on devices is
// unknown; the row is dropped, never the file.
type BadTimecodeError struct {
	Raw []byte
}

func (e *BadTimecodeError) Error() string {
	return fmt.Sprintf("bad timecode %q", e.Raw)
}

// CleanTimecode converts a device timecode, millisecond or second
// resolution, to unix seconds by reading its first 10 digits.
func CleanTimecode(timecode []byte) (int64, error) {
	tc := timecode
	if len(tc) > 10 {
		tc = tc[:10]
	}
	secs, err := strconv.ParseInt(string(tc), 10, 64)
	if err != nil {
		return 0, &BadTimecodeError{Raw: timecode}
	}
	return secs, nil
}

// BinFromTimecode maps a device timecode to its hour bucket.
func BinFromTimecode(timecode []byte) (int64, error) {
	secs, err := CleanTimecode(timecode)
	if err != nil {
		return 0, err
	}
	return secs / TimesliceQuantum, nil
}

// Binify sorts rows into hour buckets keyed by the rounded-down hour of
// each row's leading timestamp field. Rows with corrupt timecodes are
// skipped; row order within a bin is preserved as encountered. Consumes
// src exactly once.
func Binify(src RowSource, studyObjectID, deviceID, dataStream string, header []byte) map[BinKey][]Row {
	binified := make(map[BinKey][]Row)
	for {
		row, ok := src.Next()
		if !ok {
			return binified
		}
		// devices occasionally terminate a file with a blank line
		if len(row) == 0 || len(row[0]) == 0 {
			continue
		}
		timeBin, err := BinFromTimecode(row[0])
		if err != nil {
			continue
		}
		key := BinKey{
			StudyObjectID: studyObjectID,
			DeviceID:      deviceID,
			DataStream:    dataStream,
			TimeBin:       timeBin,
			Header:        string(header),
		}
		binified[key] = append(binified[key], row)
	}
}
