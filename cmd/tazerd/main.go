// Command tazerd runs the tazer cache server: it listens for client
// connections, serves block requests through a CacheHierarchy, and
// exposes the wire protocol of spec.md §6.
package main

import (
	"os"

	"github.com/pnnl-tazer/tazer-go/cmd/tazerd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
