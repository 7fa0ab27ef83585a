package main

import (
	_ "github.com/manifest-network/ledgersync/internal/alpnfix" // Disable ALPN enforcement for peers that don't support it

	"github.com/manifest-network/ledgersync/cmd/ledgersync"
)

func main() {
	ledgersync.Execute()
}
