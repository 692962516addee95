package ingest

import "encoding/json"

// TopicNotifications carries object-storage "object created" notifications
// from the notification bridge. This pipeline only consumes them.
const TopicNotifications = "soundrail.uploads.notifications"

// StorageNotification is the bridge payload. Reported size and content type
// are never trusted on their own; they are validated against the upload
// session's expected values.
type StorageNotification struct {
	Bucket      string `json:"bucket"`
	EventName   string `json:"event_name"`
	ObjectKey   string `json:"object_key"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
	ETag        string `json:"etag"`
}

// DecodeNotification parses a bridge payload.
func DecodeNotification(payload []byte) (StorageNotification, error) {
	var n StorageNotification
	err := json.Unmarshal(payload, &n)
	return n, err
}
