package protocol

import "github.com/nolongerevil/thermcontrol/internal/bucket"

// ObjectRef is a bucket reference without its value, the shape the
// listing handler returns (spec §4.E.1).
type ObjectRef struct {
	ObjectKey       string `json:"object_key"`
	ObjectRevision  int64  `json:"object_revision"`
	ObjectTimestamp int64  `json:"object_timestamp"`
}

// ListingResponse is the body of GET /nest/transport/device/<serial>.
type ListingResponse struct {
	Objects []ObjectRef `json:"objects"`
}

// SubscribeObject is one entry of a subscribe request body (spec
// §4.E.2): either a catch-up marker (no value, non-zero revision or
// timestamp) or a push (value present, revision and timestamp both
// zero), or a stale-catch-up carrying a client-ahead value.
type SubscribeObject struct {
	ObjectKey       string        `json:"object_key"`
	ObjectRevision  int64         `json:"object_revision"`
	ObjectTimestamp int64         `json:"object_timestamp"`
	Value           bucket.Value  `json:"value,omitempty"`
}

// SubscribeRequest is the body of POST /nest/transport.
type SubscribeRequest struct {
	Session string            `json:"session"`
	Chunked bool              `json:"chunked"`
	Objects []SubscribeObject `json:"objects"`
}

// SubscribeResponseObject is one entry of a subscribe response: a full
// bucket with its value.
type SubscribeResponseObject struct {
	ObjectKey       string       `json:"object_key"`
	ObjectRevision  int64        `json:"object_revision"`
	ObjectTimestamp int64        `json:"object_timestamp"`
	Value           bucket.Value `json:"value"`
}

// SubscribeResponse is the body sent on an immediate reply or a
// fan-out-delivered wake.
type SubscribeResponse struct {
	Objects []SubscribeResponseObject `json:"objects"`
}

// PutObject is one entry of a PUT request body (spec §4.E.3).
type PutObject struct {
	ObjectKey        string       `json:"object_key"`
	Value            bucket.Value `json:"value"`
	IfObjectRevision *int64       `json:"if_object_revision,omitempty"`
}

// PutRequest is the body of POST /nest/transport/put.
type PutRequest struct {
	Objects []PutObject `json:"objects"`
}

// PutResponseObject never carries value (spec §4.E.3, §8 property 5).
type PutResponseObject struct {
	ObjectKey       string `json:"object_key"`
	ObjectRevision  int64  `json:"object_revision"`
	ObjectTimestamp int64  `json:"object_timestamp"`
}

// PutResponse is the body of a PUT response.
type PutResponse struct {
	Objects []PutResponseObject `json:"objects"`
}

func toRef(b *bucket.Bucket) ObjectRef {
	return ObjectRef{ObjectKey: b.Key, ObjectRevision: b.Revision, ObjectTimestamp: b.Timestamp}
}

func toResponseObject(b *bucket.Bucket) SubscribeResponseObject {
	return SubscribeResponseObject{
		ObjectKey:       b.Key,
		ObjectRevision:  b.Revision,
		ObjectTimestamp: b.Timestamp,
		Value:           b.Value,
	}
}

func toResponseObjects(buckets []*bucket.Bucket) []SubscribeResponseObject {
	out := make([]SubscribeResponseObject, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, toResponseObject(b))
	}
	return out
}

func toPutResponseObject(b *bucket.Bucket) PutResponseObject {
	return PutResponseObject{ObjectKey: b.Key, ObjectRevision: b.Revision, ObjectTimestamp: b.Timestamp}
}
