package runtimerpc

// serviceName is the fully-qualified gRPC service name used for every
// method and stream path below.
const serviceName = "runtimerpc.RuntimeService"

const (
	methodStartCommand              = "/" + serviceName + "/StartCommand"
	methodCancelCommand              = "/" + serviceName + "/CancelCommand"
	methodGetCommandStatus           = "/" + serviceName + "/GetCommandStatus"
	methodCheckHealth                = "/" + serviceName + "/CheckHealth"
	methodReadEventBacklog           = "/" + serviceName + "/ReadEventBacklog"
	methodEnsureRepositoryWorkspace  = "/" + serviceName + "/EnsureRepositoryWorkspace"
	methodRefreshRepositoryWorkspace = "/" + serviceName + "/RefreshRepositoryWorkspace"
	streamSubscribe                  = "/" + serviceName + "/Subscribe"
)
