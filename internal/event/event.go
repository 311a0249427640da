// Package event defines the EventBridge payload delivered to the
// pipeline functions. The rule forwards only the detail sub-object of
// the S3 "Object Created" event, so that is what the handlers receive.
package event

import "strings"

// Reasons accepted by the pipeline rule. Anything else (lifecycle
// transitions, restores) is ignored.
const (
	ReasonPutObject      = "PutObject"
	ReasonCompleteUpload = "CompleteMultipartUpload"
	DefaultKeyPrefix     = "population"
)

// Bucket identifies the source bucket of an object notification.
type Bucket struct {
	Name string `json:"name"`
}

// Object describes the S3 object the notification refers to.
type Object struct {
	Key       string `json:"key"`
	Size      int64  `json:"size"`
	ETag      string `json:"etag"`
	Sequencer string `json:"sequencer"`
}

// ObjectCreated is the detail sub-object of an EventBridge S3 event.
type ObjectCreated struct {
	Version         string `json:"version"`
	Bucket          Bucket `json:"bucket"`
	Object          Object `json:"object"`
	RequestID       string `json:"request-id"`
	Requester       string `json:"requester"`
	SourceIPAddress string `json:"source-ip-address"`
	Reason          string `json:"reason"`
}

// Match reports whether the detail would have matched the pipeline
// rule: a named bucket and object, a key under prefix, and a write
// reason. Direct invokes bypass the rule, so handlers re-check.
func Match(d ObjectCreated, prefix string) bool {
	if d.Bucket.Name == "" || d.Object.Key == "" {
		return false
	}
	if !strings.HasPrefix(d.Object.Key, prefix) {
		return false
	}
	return d.Reason == ReasonPutObject || d.Reason == ReasonCompleteUpload
}
