package dynamodb

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rbaliyan/queueview/store"
)

func attrS(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func attrN(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func attrMillis(t time.Time) types.AttributeValue {
	return attrN(t.UnixMilli())
}

func getS(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func getN(item map[string]types.AttributeValue, name string) (int64, error) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %s missing", name)
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %w", name, err)
	}
	return n, nil
}

func getMillis(item map[string]types.AttributeValue, name string) (time.Time, error) {
	ms, err := getN(item, name)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// putS adds a string attribute unless it is empty. DynamoDB accepts empty
// strings for non-key attributes, but omitting them keeps items small.
func putS(item map[string]types.AttributeValue, name, v string) {
	if v != "" {
		item[name] = attrS(v)
	}
}

func marshalItem(it *store.EnqueuedItem) map[string]types.AttributeValue {
	env := it.Envelope
	item := key(partitionPK(it.Queue, it.Slice, it.Bucket), mailSK(env.Name))
	item["queue"] = attrS(it.Queue)
	item["enqueueId"] = attrS(it.EnqueueID)
	item["mailKey"] = attrS(env.Name)
	item["slice"] = attrMillis(it.Slice)
	item["bucket"] = attrN(int64(it.Bucket))
	item["enqueuedTime"] = attrMillis(it.EnqueuedTime)
	putS(item, "sender", env.Sender)
	putS(item, "state", env.State)
	putS(item, "errorMessage", env.ErrorMessage)
	putS(item, "remoteHost", env.RemoteHost)
	putS(item, "remoteAddr", env.RemoteAddr)
	putS(item, "headerBlobId", string(it.Parts.HeaderBlobID))
	putS(item, "bodyBlobId", string(it.Parts.BodyBlobID))
	if !env.LastUpdated.IsZero() {
		item["lastUpdated"] = attrMillis(env.LastUpdated)
	}
	if len(env.Recipients) > 0 {
		rcpts := make([]types.AttributeValue, len(env.Recipients))
		for i, r := range env.Recipients {
			rcpts[i] = attrS(r)
		}
		item["recipients"] = &types.AttributeValueMemberL{Value: rcpts}
	}
	if len(env.Attributes) > 0 {
		attrs := make(map[string]types.AttributeValue, len(env.Attributes))
		for k, v := range env.Attributes {
			attrs[k] = attrS(v)
		}
		item["attributes"] = &types.AttributeValueMemberM{Value: attrs}
	}
	if len(env.PerRecipientHeaders) > 0 {
		byRcpt := make(map[string]types.AttributeValue, len(env.PerRecipientHeaders))
		for rcpt, headers := range env.PerRecipientHeaders {
			hs := make([]types.AttributeValue, len(headers))
			for i, h := range headers {
				hs[i] = &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
					"name":  attrS(h.Name),
					"value": attrS(h.Value),
				}}
			}
			byRcpt[rcpt] = &types.AttributeValueMemberL{Value: hs}
		}
		item["perRecipientHeaders"] = &types.AttributeValueMemberM{Value: byRcpt}
	}
	return item
}

func unmarshalItem(item map[string]types.AttributeValue) (*store.EnqueuedItem, error) {
	slice, err := getMillis(item, "slice")
	if err != nil {
		return nil, err
	}
	bucket, err := getN(item, "bucket")
	if err != nil {
		return nil, err
	}
	enqueued, err := getMillis(item, "enqueuedTime")
	if err != nil {
		return nil, err
	}

	env := store.MailEnvelope{
		Name:         getS(item, "mailKey"),
		Sender:       getS(item, "sender"),
		State:        getS(item, "state"),
		ErrorMessage: getS(item, "errorMessage"),
		RemoteHost:   getS(item, "remoteHost"),
		RemoteAddr:   getS(item, "remoteAddr"),
	}
	if _, ok := item["lastUpdated"]; ok {
		if env.LastUpdated, err = getMillis(item, "lastUpdated"); err != nil {
			return nil, err
		}
	}
	if l, ok := item["recipients"].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			if s, ok := v.(*types.AttributeValueMemberS); ok {
				env.Recipients = append(env.Recipients, s.Value)
			}
		}
	}
	if m, ok := item["attributes"].(*types.AttributeValueMemberM); ok {
		env.Attributes = make(map[string]string, len(m.Value))
		for k := range m.Value {
			env.Attributes[k] = getS(m.Value, k)
		}
	}
	if m, ok := item["perRecipientHeaders"].(*types.AttributeValueMemberM); ok {
		env.PerRecipientHeaders = make(map[string][]store.Header, len(m.Value))
		for rcpt, v := range m.Value {
			l, ok := v.(*types.AttributeValueMemberL)
			if !ok {
				continue
			}
			for _, h := range l.Value {
				if hm, ok := h.(*types.AttributeValueMemberM); ok {
					env.PerRecipientHeaders[rcpt] = append(env.PerRecipientHeaders[rcpt], store.Header{
						Name:  getS(hm.Value, "name"),
						Value: getS(hm.Value, "value"),
					})
				}
			}
		}
	}

	return &store.EnqueuedItem{
		Queue:        getS(item, "queue"),
		EnqueueID:    getS(item, "enqueueId"),
		Envelope:     env,
		EnqueuedTime: enqueued,
		Parts: store.PartsID{
			HeaderBlobID: store.BlobID(getS(item, "headerBlobId")),
			BodyBlobID:   store.BlobID(getS(item, "bodyBlobId")),
		},
		Slice:  slice,
		Bucket: store.BucketID(bucket),
	}, nil
}

func marshalLocation(loc *store.ItemLocation) map[string]types.AttributeValue {
	item := key(locationPK(loc.Queue, loc.EnqueueID), locSK)
	item["queue"] = attrS(loc.Queue)
	item["enqueueId"] = attrS(loc.EnqueueID)
	item["mailKey"] = attrS(loc.MailKey)
	item["slice"] = attrMillis(loc.Slice)
	item["bucket"] = attrN(int64(loc.Bucket))
	return item
}

func unmarshalLocation(item map[string]types.AttributeValue) (*store.ItemLocation, error) {
	slice, err := getMillis(item, "slice")
	if err != nil {
		return nil, err
	}
	bucket, err := getN(item, "bucket")
	if err != nil {
		return nil, err
	}
	return &store.ItemLocation{
		Queue:     getS(item, "queue"),
		EnqueueID: getS(item, "enqueueId"),
		MailKey:   getS(item, "mailKey"),
		Slice:     slice,
		Bucket:    store.BucketID(bucket),
	}, nil
}
