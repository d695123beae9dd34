package dynamodb

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rbaliyan/queueview/store"
)

const (
	configKey = "CONFIG"
	locSK     = "LOC"
	tombSK    = "TOMB"
)

func partitionPK(queue string, slice time.Time, bucket store.BucketID) string {
	return "PART#" + queue + "#" + strconv.FormatInt(slice.UnixMilli(), 10) + "#" + strconv.Itoa(int(bucket))
}

func mailSK(mailKey string) string {
	return "MAIL#" + mailKey
}

func locationPK(queue, enqueueID string) string {
	return "LOC#" + queue + "#" + enqueueID
}

func tombstonePK(queue, enqueueID string) string {
	return "TOMB#" + queue + "#" + enqueueID
}

func watermarkPK(kind store.Watermark) string {
	return "WATERMARK#" + string(kind)
}

func watermarkSK(queue string) string {
	return "QUEUE#" + queue
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}
