package util

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

const (
	LogFormatLogfmt = "logfmt"
	LogFormatJSON   = "json"
)

// ParseLevel maps a -log.level value to a level filter option.
func ParseLevel(s string) (level.Option, error) {
	switch s {
	case "debug":
		return level.AllowDebug(), nil
	case "info":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	}
	return nil, errors.Errorf("unrecognized log level %q", s)
}

// NewLogger returns a leveled logger writing to stderr.
func NewLogger(format, lvl string) (log.Logger, error) {
	return newLogger(os.Stderr, format, lvl)
}

func newLogger(w io.Writer, format, lvl string) (log.Logger, error) {
	allow, err := ParseLevel(lvl)
	if err != nil {
		return nil, err
	}
	var logger log.Logger
	switch format {
	case LogFormatJSON:
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	case LogFormatLogfmt, "":
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	default:
		return nil, errors.Errorf("unrecognized log format %q", format)
	}
	logger = level.NewFilter(logger, allow)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}

/* csv读取 */
// ReadColumn returns column col of every row after the header, at most limit
// values when limit is positive.
func ReadColumn(filepath string, col, limit int) ([]float64, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, errors.Wrap(err, "opening csv")
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "reading csv")
	}
	if len(rows) > 0 {
		rows = rows[1:]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	values := make([]float64, 0, len(rows))
	for i, row := range rows {
		if col >= len(row) {
			return nil, errors.Errorf("row %d has no column %d", i+1, col)
		}
		v, err := strconv.ParseFloat(row[col], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", i+1)
		}
		values = append(values, v)
	}
	return values, nil
}

/* 数组写入csv */
func WriteCsv(filepath string, rows [][]string) error {
	file, err := os.Create(filepath)
	if err != nil {
		return errors.Wrap(err, "creating csv")
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(rows); err != nil {
		return errors.Wrap(err, "writing csv")
	}
	return file.Close()
}

// AppendCsv appends one row to filepath, creating it if needed.
func AppendCsv(filepath string, row []string) error {
	file, err := os.OpenFile(filepath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return errors.Wrap(err, "opening csv")
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(row); err != nil {
		return errors.Wrap(err, "writing csv")
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "writing csv")
	}
	return file.Close()
}

// IntsToRows turns one value per line into csv rows.
func IntsToRows(values []int) [][]string {
	rows := make([][]string, 0, len(values))
	for _, v := range values {
		rows = append(rows, []string{strconv.Itoa(v)})
	}
	return rows
}
