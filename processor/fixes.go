package processor

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Per-stream repair functions for malformed vendor CSVs. These are total:
// whatever bytes they are handed, they return a usable header and row list.
// Detected anomalies are logged, never raised.

// appLogNoisePrefixes are known junk lines emitted by old Android clients
// that carry no timestamp and no useful detail.
var appLogNoisePrefixes = [][]byte{
	[]byte("bluetooth Failure"),
	[]byte("our not-quite-race-condition"),
	[]byte("accelSensorManager"),
	[]byte("a sessionactivity tried to clear the"),
}

// FixAppLog rebuilds an Android device log into a two-column CSV. The log
// is a time-enumerated event list, one "timecode message" pair per line;
// continuation lines without a timecode are folded into the previous event.
func FixAppLog(contents []byte, logger zerolog.Logger) []byte {
	var rows []Row
	for _, line := range bytes.Split(contents, []byte{'\n'}) {
		parts := bytes.SplitN(line, []byte{' '}, 2)
		if _, err := strconv.ParseInt(string(parts[0]), 10, 64); err == nil {
			row := Row{parts[0]}
			if len(parts) == 2 {
				row = append(row, parts[1])
			} else {
				row = append(row, nil)
			}
			rows = append(rows, row)
			continue
		}
		if isAppLogNoise(line) {
			continue
		}
		if len(rows) == 0 {
			// garbage before the first timestamped event
			continue
		}
		last := rows[len(rows)-1]
		last[1] = append(append(last[1], []byte("; ")...), line...)
	}
	if len(rows) == 0 {
		logger.Warn().Msg("app log contained no timestamped events")
	}
	out := make([][]byte, 0, len(rows)+1)
	out = append(out, []byte("timestamp, event"))
	for _, row := range rows {
		out = append(out, bytes.Join(row, []byte{','}))
	}
	return bytes.Join(out, []byte{'\n'})
}

func isAppLogNoise(line []byte) bool {
	for _, prefix := range appLogNoisePrefixes {
		if bytes.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// FixCallLog moves the call log's timestamp column ("date", column 3) to
// the front, where the binner expects it.
func FixCallLog(header []byte, rows []Row, logger zerolog.Logger) []byte {
	for i, row := range rows {
		if len(row) < 3 {
			logger.Warn().Int("row", i).Msg("call log row too short to reorder")
			continue
		}
		ts := row[2]
		rows[i] = append(Row{ts}, append(row[:2:2], row[3:]...)...)
	}
	cols := bytes.Split(header, []byte{','})
	if len(cols) < 3 {
		return header
	}
	ts := cols[2]
	cols = append([][]byte{ts}, append(cols[:2:2], cols[3:]...)...)
	return bytes.Join(cols, []byte{','})
}

// FixWifi inserts the scan timestamp, which lives in the file name, onto
// every row. Wifi files also end with a blank trailer row, dropped here.
func FixWifi(header []byte, rows []Row, path string) ([]byte, []Row) {
	ts := []byte(timecodeStringFromPath(path))
	if n := len(rows); n > 0 {
		rows = rows[:n-1]
	}
	for i, row := range rows {
		rows[i] = append(Row{ts}, row...)
	}
	return append([]byte("timestamp,"), header...), rows
}

// FixIdentifiers prepends the upload timestamp from the file name to the
// identifiers file, which is a single data row with no intrinsic timestamp.
// The file name encodes seconds; rows elsewhere carry milliseconds.
func FixIdentifiers(header []byte, rows []Row, path string) ([]byte, []Row) {
	base := timecodeStringFromPath(path)
	if idx := strings.LastIndexByte(base, '_'); idx != -1 {
		base = base[idx+1:]
	}
	ts := []byte(base + "000")
	if len(rows) > 0 {
		rows[0] = append(Row{ts}, rows[0]...)
	}
	return append([]byte("timestamp,"), header...), rows
}

// FixSurveyTimings inserts the survey object id, which lives in the upload
// path, as a column of every timing row.
func FixSurveyTimings(header []byte, rows []Row, path string) []byte {
	surveyID := []byte(SurveyIDFromPath(path))
	for i, row := range rows {
		if len(row) < 2 {
			continue
		}
		rows[i] = append(row[:2:2], append(Row{surveyID}, row[2:]...)...)
	}
	cols := bytes.Split(header, []byte{','})
	if len(cols) < 2 {
		return header
	}
	cols = append(cols[:2:2], append([][]byte{[]byte("survey id")}, cols[2:]...)...)
	return bytes.Join(cols, []byte{','})
}

// timecodeStringFromPath strips the directory and ".csv" extension off an
// upload path, leaving the timecode the client encoded in the file name.
func timecodeStringFromPath(path string) string {
	base := path
	if idx := strings.LastIndexByte(base, '/'); idx != -1 {
		base = base[idx+1:]
	}
	return strings.TrimSuffix(base, ".csv")
}

// SurveyIDFromPath extracts the survey object id from an upload path of the
// form ".../{survey_id}/{timecode}.csv".
func SurveyIDFromPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

// prepareCSV runs a raw source file through splitting and every fixup wired
// for its stream, returning the normalized header and rows. OS-specific
// repairs run first, generic ones after, header normalization last.
// Accelerometer files skip materialization: no fixup applies to them, and
// they are large enough that holding rows and raw bytes together matters.
func prepareCSV(file SourceFile, contents []byte, logger zerolog.Logger) ([]byte, RowSource) {
	if file.OSType == AndroidAPI && file.DataStream == AndroidLogFile {
		contents = FixAppLog(contents, logger)
	}

	header, it := SplitCSV(contents)

	if file.DataStream == Accelerometer {
		return NormalizeHeader(header), it
	}

	rows := it.Collect()
	if file.OSType == AndroidAPI {
		switch file.DataStream {
		case CallLog:
			header = FixCallLog(header, rows, logger)
		case Wifi:
			header, rows = FixWifi(header, rows, file.StoragePath)
		}
	}
	switch file.DataStream {
	case Identifiers:
		header, rows = FixIdentifiers(header, rows, file.StoragePath)
	case SurveyTimings:
		header = FixSurveyTimings(header, rows, file.StoragePath)
	}

	return NormalizeHeader(header), Rows(rows)
}
