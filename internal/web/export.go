package web

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/funnyzak/mockproxy/pkg/record"
)

// LogIterator walks request logs until yield returns false.
type LogIterator func(yield func(*record.RequestLog) bool) error

var csvHeader = []string{
	"id", "created_at", "method", "url", "remote_addr", "mock_id",
	"headers", "body", "response_status", "response_time_ms", "response_headers", "response_body",
}

// DescribeFormat returns the content type and file extension of an export format.
func DescribeFormat(format string) (string, string, error) {
	switch strings.ToLower(format) {
	case "json":
		return "application/json", "json", nil
	case "csv":
		return "text/csv", "csv", nil
	case "txt", "text":
		return "text/plain; charset=utf-8", "txt", nil
	default:
		return "", "", fmt.Errorf("unsupported export format: %s", format)
	}
}

// StreamExport writes every log produced by iter to w without buffering the
// whole set.
func StreamExport(w io.Writer, iter LogIterator, format string) (string, string, error) {
	contentType, ext, err := DescribeFormat(format)
	if err != nil {
		return "", "", err
	}

	switch ext {
	case "json":
		err = streamJSON(w, iter)
	case "csv":
		err = streamCSV(w, iter)
	default:
		err = streamText(w, iter)
	}
	return contentType, ext, err
}

func streamJSON(w io.Writer, iter LogIterator) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("["); err != nil {
		return err
	}
	first := true
	var writeErr error
	err := iter(func(entry *record.RequestLog) bool {
		data, err := json.Marshal(entry)
		if err != nil {
			writeErr = err
			return false
		}
		if !first {
			bw.WriteString(",")
		}
		first = false
		bw.WriteString("\n  ")
		if _, writeErr = bw.Write(data); writeErr != nil {
			return false
		}
		return true
	})
	if err == nil {
		err = writeErr
	}
	if err != nil {
		return err
	}
	if !first {
		bw.WriteString("\n")
	}
	bw.WriteString("]\n")
	return bw.Flush()
}

func streamCSV(w io.Writer, iter LogIterator) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	var writeErr error
	err := iter(func(entry *record.RequestLog) bool {
		headersJSON, _ := json.Marshal(entry.Headers)
		line := []string{
			entry.ID,
			entry.CreatedAt.Format(time.RFC3339Nano),
			entry.Method,
			entry.URL,
			entry.RemoteAddr,
			entry.MockID,
			string(headersJSON),
			entry.Body,
			"", "", "", "",
		}
		if !entry.Pending() {
			respHeadersJSON, _ := json.Marshal(entry.ResponseHeaders)
			line[8] = strconv.Itoa(*entry.ResponseStatus)
			if entry.ResponseTimeMs != nil {
				line[9] = strconv.FormatInt(*entry.ResponseTimeMs, 10)
			}
			line[10] = string(respHeadersJSON)
			if entry.ResponseBody != nil {
				line[11] = *entry.ResponseBody
			}
		}
		writeErr = writer.Write(line)
		return writeErr == nil
	})
	if err == nil {
		err = writeErr
	}
	if err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

func streamText(w io.Writer, iter LogIterator) error {
	bw := bufio.NewWriter(w)
	n := 0
	err := iter(func(entry *record.RequestLog) bool {
		n++
		fmt.Fprintf(bw, "Log %d  %s  %s\n", n, entry.ID, entry.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(bw, "%s %s\n", entry.Method, entry.URL)
		writeTextHeaders(bw, entry.Headers)
		fmt.Fprintf(bw, "\n%s\n", entry.Body)
		if entry.Pending() {
			bw.WriteString("-- pending --\n\n")
			return true
		}
		status := *entry.ResponseStatus
		fmt.Fprintf(bw, "-- %d", status)
		if entry.Mocked() {
			fmt.Fprintf(bw, " (mock %s)", entry.MockID)
		} else if entry.ResponseTimeMs != nil {
			fmt.Fprintf(bw, " in %dms", *entry.ResponseTimeMs)
		}
		body := ""
		if entry.ResponseBody != nil {
			body = *entry.ResponseBody
		}
		fmt.Fprintf(bw, ", %s\n", humanize.Bytes(uint64(len(body))))
		writeTextHeaders(bw, entry.ResponseHeaders)
		fmt.Fprintf(bw, "\n%s\n\n", body)
		return true
	})
	if err != nil {
		return err
	}
	return bw.Flush()
}

func writeTextHeaders(w io.Writer, headers map[string][]string) {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(w, "%s: %s\n", key, strings.Join(headers[key], ", "))
	}
}
