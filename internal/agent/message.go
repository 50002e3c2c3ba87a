package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Message types exchanged with the hub conversion pipeline.
const (
	MessageConversionStart    = "CONVERSION_START"
	MessageConversionProgress = "CONVERSION_PROGRESS"
	MessageConversionSuccess  = "CONVERSION_SUCCESS"
	MessageConversionFail     = "CONVERSION_FAIL"
)

// SlugHeader identifies the converter platform during the websocket handshake.
const SlugHeader = "Holocloud-Converter-Slug"

// Job is a conversion request received from the hub.
type Job struct {
	// ID correlates the log lines of one job.
	ID string
	// ModelID is the hub model to convert.
	ModelID int64
	// File is the hub path or URL of the uploaded source file.
	File string
}

// parseMessage returns the message type and, for CONVERSION_START, the job it carries.
// Unknown types yield a nil job and no error.
func parseMessage(data []byte) (string, *Job, error) {
	if !gjson.ValidBytes(data) {
		return "", nil, errors.New("agent: message is not valid json")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return "", nil, errors.New("agent: message is not a json object")
	}
	msgType := root.Get("type").String()
	if msgType != MessageConversionStart {
		return msgType, nil, nil
	}
	payload := root.Get("data")
	if !payload.Exists() || !payload.IsObject() {
		return msgType, nil, fmt.Errorf("agent: %s without data", msgType)
	}
	id := payload.Get("id")
	if id.Type != gjson.Number || id.Int() <= 0 {
		return msgType, nil, fmt.Errorf("agent: %s without a model id", msgType)
	}
	file := strings.TrimSpace(payload.Get("upload.file").String())
	if file == "" {
		return msgType, nil, fmt.Errorf("agent: %s for model %d without upload.file", msgType, id.Int())
	}
	return msgType, &Job{ModelID: id.Int(), File: file}, nil
}

// statusMessage builds an outbound message for modelID with fields merged in.
func statusMessage(msgType string, modelID int64, fields map[string]any) ([]byte, error) {
	out := []byte(`{}`)
	var err error
	if out, err = sjson.SetBytes(out, "type", msgType); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "model_id", modelID); err != nil {
		return nil, err
	}
	for key, value := range fields {
		if out, err = sjson.SetBytes(out, key, value); err != nil {
			return nil, err
		}
	}
	return out, nil
}
