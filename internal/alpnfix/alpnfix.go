// Package alpnfix disables grpc-go's ALPN enforcement so the peer health
// probe works against peers whose TLS listeners don't negotiate ALPN.
// Import with blank identifier before any grpc imports: _ "github.com/manifest-network/ledgersync/internal/alpnfix"
package alpnfix

import "os"

func init() {
	if _, ok := os.LookupEnv("GRPC_ENFORCE_ALPN_ENABLED"); !ok {
		os.Setenv("GRPC_ENFORCE_ALPN_ENABLED", "false")
	}
}
