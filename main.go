package main

import (
	// Embed tzdata in binary, so that connection episodes keep correct local
	// times on systems without a timezone database.
	_ "time/tzdata"

	"github.com/proxymon/proxymon/internal/cmd"
)

func main() {
	cmd.Main()
}
