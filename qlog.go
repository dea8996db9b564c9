package quic

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lucidvantage/quic/transport"
)

// qlogWriter renders the LogEvent stream of one connection as a qlog
// draft-00 trace file: a header object followed by one JSON object per
// event, each on its own line (newline-delimited JSON written by
// json.Encoder, with no JSON-SEQ record separators).
//
// Grounded on spec.md §6's --quic-log CLI flag and the qlog field names
// already produced by transport/log.go's logFrame*/logPacket helpers (the
// core was built to emit qlog-shaped fields from the start; this is the
// file-writing sink for them, new since the teacher's own logger only
// renders human-readable lines).
type qlogWriter struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func newQLogWriter(dir string, connID []byte) *qlogWriter {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil
	}
	name := filepath.Join(dir, hex.EncodeToString(connID)+".qlog")
	f, err := os.Create(name)
	if err != nil {
		return nil
	}
	w := &qlogWriter{file: f}
	w.enc = json.NewEncoder(f)
	w.writeHeader(connID)
	return w
}

type qlogTrace struct {
	QlogVersion string        `json:"qlog_version"`
	Title       string        `json:"title"`
	Traces      []qlogTraceOne `json:"traces"`
}

type qlogTraceOne struct {
	VantagePoint map[string]string `json:"vantage_point"`
	CommonFields map[string]string `json:"common_fields"`
}

type qlogRecord struct {
	Time   float64                `json:"time"`
	Name   string                 `json:"name"`
	Data   map[string]interface{} `json:"data"`
}

func (w *qlogWriter) writeHeader(connID []byte) {
	if w == nil {
		return
	}
	trace := qlogTrace{
		QlogVersion: "draft-00",
		Title:       "quic connection trace",
		Traces: []qlogTraceOne{{
			VantagePoint: map[string]string{"type": "transport"},
			CommonFields: map[string]string{"group_id": hex.EncodeToString(connID)},
		}},
	}
	_ = w.enc.Encode(trace)
}

// write is installed as the connection's OnLogEvent callback: one
// transport.LogEvent becomes one qlog record line.
func (w *qlogWriter) write(e transport.LogEvent) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	data := make(map[string]interface{}, len(e.Fields))
	for _, f := range e.Fields {
		if f.Str != "" {
			data[f.Key] = f.Str
		} else {
			data[f.Key] = f.Num
		}
	}
	rec := qlogRecord{
		Time: float64(e.Time.UnixNano()) / 1e6,
		Name: "transport:" + e.Type,
		Data: data,
	}
	if err := w.enc.Encode(rec); err != nil {
		fmt.Fprintf(os.Stderr, "quic: qlog encode: %v\n", err)
	}
}

func (w *qlogWriter) close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.file.Close()
}
