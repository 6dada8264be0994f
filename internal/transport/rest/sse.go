package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/iamvkosarev/ai-chat-gateway/internal/model"
)

func startEventStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flush(w)
}

// writeEvent frames one event. Multi-line data is split over several data
// lines so that the client reassembles it with newlines. Error events carry
// the same code and reason pair as an error envelope.
func writeEvent(w http.ResponseWriter, event model.StreamEvent) error {
	data := event.Data
	if event.Type == model.StreamEventError {
		_, code := classifyError(event.Err)
		payload, err := json.Marshal(errorBody{Code: code, Message: event.Data})
		if err != nil {
			return err
		}
		data = string(payload)
	}
	var frame strings.Builder
	fmt.Fprintf(&frame, "event: %s\n", event.Type)
	data = strings.ReplaceAll(data, "\r\n", "\n")
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&frame, "data: %s\n", line)
	}
	frame.WriteString("\n")
	if _, err := w.Write([]byte(frame.String())); err != nil {
		return err
	}
	flush(w)
	return nil
}

func flush(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
