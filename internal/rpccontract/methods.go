package rpccontract

const (
	ServiceName = "activityhub.v1.ActivityHub"
)

const (
	MethodGetHealth            = "/" + ServiceName + "/GetHealth"
	MethodGetStatistics        = "/" + ServiceName + "/GetStatistics"
	MethodListRecentActivities = "/" + ServiceName + "/ListRecentActivities"
	MethodListLiveActivities   = "/" + ServiceName + "/ListLiveActivities"
	MethodListSamples          = "/" + ServiceName + "/ListSamples"
	MethodGetEntityMetrics     = "/" + ServiceName + "/GetEntityMetrics"
	MethodGetSnapshot          = "/" + ServiceName + "/GetSnapshot"
	MethodGetActivity          = "/" + ServiceName + "/GetActivity"
	MethodBeginActivity        = "/" + ServiceName + "/BeginActivity"
	MethodEndActivity          = "/" + ServiceName + "/EndActivity"
	MethodAddChild             = "/" + ServiceName + "/AddChild"
	MethodIngestSample         = "/" + ServiceName + "/IngestSample"
	MethodUpdateEntityMetrics  = "/" + ServiceName + "/UpdateEntityMetrics"
	MethodSetEnabled           = "/" + ServiceName + "/SetEnabled"
	MethodWatch                = "/" + ServiceName + "/Watch"
)

// TokenHeader carries the producer token. "authorization: Bearer <token>"
// is accepted as well.
const TokenHeader = "x-activityhub-token"

var WriteMethods = map[string]struct{}{
	MethodBeginActivity:       {},
	MethodEndActivity:         {},
	MethodAddChild:            {},
	MethodIngestSample:        {},
	MethodUpdateEntityMetrics: {},
	MethodSetEnabled:          {},
}
