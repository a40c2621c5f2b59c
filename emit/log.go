package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes each event as a line to an io.Writer, either as
// key=value text or as JSONL.
//
// Text: [process started] batchKey=K|orders|consumer-a/S|shard-1 step=1 taskID=
// JSON: {"batchKey":"K|orders|consumer-a/S|shard-1","step":1,"taskID":"","msg":"process started","meta":{"timeout_ms":4000}}
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter returns a LogEmitter writing to writer (os.Stdout if nil)
// in text form, or JSONL when jsonMode is true.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		BatchKey string                 `json:"batchKey"`
		Step     int                    `json:"step"`
		TaskID   string                 `json:"taskID"`
		Msg      string                 `json:"msg"`
		Meta     map[string]interface{} `json:"meta"`
	}{
		BatchKey: event.BatchKey,
		Step:     event.Step,
		TaskID:   event.TaskID,
		Msg:      event.Msg,
		Meta:     event.Meta,
	})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] batchKey=%s step=%d taskID=%s",
		event.Msg, event.BatchKey, event.Step, event.TaskID)

	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes events one after another in order; one write call's
// worth of work per event, same formatting as Emit.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		l.Emit(event)
	}
	return nil
}

// Flush is a no-op: LogEmitter writes straight through to writer with no
// internal buffering of its own. Wrap writer in a bufio.Writer and flush
// that directly if buffering is wanted.
func (l *LogEmitter) Flush(_ context.Context) error { return nil }
