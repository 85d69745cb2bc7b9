package kfmt

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"
)

// PrefixFormatter is a logrus.Formatter that renders each entry as
// "[module] message". Multi-line messages get the prefix injected at the
// beginning of every line. Any additional fields are appended as key=value
// pairs in sorted order.
type PrefixFormatter struct{}

// Format implements logrus.Formatter.
func (f *PrefixFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var (
		buf    bytes.Buffer
		prefix []byte
	)

	if module, ok := entry.Data[moduleField]; ok {
		prefix = []byte(fmt.Sprintf("[%v] ", module))
	}

	if entry.Level <= logrus.WarnLevel {
		prefix = append(prefix, []byte(entry.Level.String()+": ")...)
	}

	msg := entry.Message
	if extra := formatFields(entry.Data); extra != "" {
		msg += " " + extra
	}
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg += "\n"
	}

	w := prefixWriter{sink: &buf, prefix: prefix}
	if _, err := w.Write([]byte(msg)); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func formatFields(data logrus.Fields) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		if k == moduleField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(' ')
		}
		fmt.Fprintf(&buf, "%s=%v", k, data[k])
	}
	return buf.String()
}

// prefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line.
type prefixWriter struct {
	sink   io.Writer
	prefix []byte

	bytesAfterPrefix int
}

// Write writes len(p) bytes from p to the sink. The injected prefix is not
// included in the number of written bytes.
func (w *prefixWriter) Write(p []byte) (int, error) {
	var (
		written              int
		startIndex, curIndex int
	)

	if len(w.prefix) == 0 {
		return w.sink.Write(p)
	}

	if w.bytesAfterPrefix == 0 && len(p) != 0 {
		if _, err := w.sink.Write(w.prefix); err != nil {
			return 0, err
		}
	}

	for ; curIndex < len(p); curIndex++ {
		if p[curIndex] != '\n' {
			continue
		}

		n, err := w.sink.Write(p[startIndex : curIndex+1])
		written += n
		if err != nil {
			return written, err
		}
		if curIndex+1 != len(p) {
			if _, err = w.sink.Write(w.prefix); err != nil {
				return written, err
			}
		}
		w.bytesAfterPrefix = 0
		startIndex = curIndex + 1
	}

	if startIndex < curIndex {
		n, err := w.sink.Write(p[startIndex:curIndex])
		written += n
		w.bytesAfterPrefix = n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
